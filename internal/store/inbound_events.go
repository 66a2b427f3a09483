package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/agent-console/server/internal/apperr"
)

// RecordInboundEvent inserts an idempotency row for a webhook-driven job.
// Returns apperr.Conflict if the (job_id, session_id, worker_id,
// handler_id) tuple was already recorded.
func (s *Store) RecordInboundEvent(n InboundEventNotification) (InboundEventNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO inbound_event_notifications (id, job_id, session_id, worker_id, handler_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.JobID, n.SessionID, n.WorkerID, n.HandlerID, n.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return InboundEventNotification{}, wrapWriteErr("record inbound event", err)
	}
	return n, nil
}

// InboundEventExists reports whether the given tuple has already been recorded.
func (s *Store) InboundEventExists(jobID, sessionID, workerID, handlerID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM inbound_event_notifications
		WHERE job_id = ? AND session_id = ? AND worker_id = ? AND handler_id = ?`,
		jobID, sessionID, workerID, handlerID).Scan(&count)
	if err != nil {
		return false, apperr.Wrap(apperr.Internal, "check inbound event idempotency", err)
	}
	return count > 0, nil
}
