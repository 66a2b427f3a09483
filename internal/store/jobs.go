package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/agent-console/server/internal/apperr"
)

const jobSelect = `SELECT id, type, payload, status, priority, attempts, max_attempts, next_retry_at, last_error, created_at, started_at, completed_at FROM jobs`

// EnqueueJob inserts a new pending job row.
func (s *Store) EnqueueJob(j Job) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.CreatedAt = time.Now().UTC()
	if j.Status == "" {
		j.Status = JobPending
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 5
	}

	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload, status, priority, attempts, max_attempts, next_retry_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Type, j.Payload, string(j.Status), j.Priority, j.Attempts, j.MaxAttempts, j.NextRetryAt, j.LastError,
		j.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Job{}, wrapWriteErr("enqueue job", err)
	}
	return j, nil
}

// ClaimJob atomically claims the highest-priority, earliest-due pending
// job and marks it processing. Returns (Job{}, false, nil) if no job is
// claimable. The SELECT-then-conditional-UPDATE pattern below is
// equivalent to the single-statement claim query in spec, expressed
// through database/sql (which has no native UPDATE...RETURNING support
// for modernc.org/sqlite); the UPDATE's WHERE clause re-checks status so
// two concurrent callers can never both update the same row.
func (s *Store) ClaimJob(now int64) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id string
	err := s.db.QueryRow(`
		SELECT id FROM jobs
		WHERE status = ? AND next_retry_at <= ?
		ORDER BY priority DESC, next_retry_at ASC
		LIMIT 1`, string(JobPending), now).Scan(&id)
	if err == sql.ErrNoRows {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, apperr.Wrap(apperr.Internal, "select claimable job", err)
	}

	startedAt := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		string(JobProcessing), startedAt, id, string(JobPending))
	if err != nil {
		return Job{}, false, apperr.Wrap(apperr.Internal, "claim job", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Raced with another claimer between SELECT and UPDATE.
		return Job{}, false, nil
	}

	j, err := scanJob(s.db.QueryRow(jobSelect+" WHERE id = ?", id))
	if err != nil {
		return Job{}, false, apperr.Wrap(apperr.Internal, "reload claimed job", err)
	}
	return j, true, nil
}

// CompleteJob marks a job completed.
func (s *Store) CompleteJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE jobs SET status=?, completed_at=? WHERE id=?`,
		string(JobCompleted), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "complete job", err)
	}
	return nil
}

// StallJob marks a job stalled with its final error.
func (s *Store) StallJob(id string, attempts int, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE jobs SET status=?, attempts=?, last_error=? WHERE id=?`,
		string(JobStalled), attempts, lastErr, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "stall job", err)
	}
	return nil
}

// ScheduleRetry returns a job to pending with a future next_retry_at.
func (s *Store) ScheduleRetry(id string, attempts int, nextRetryAt int64, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE jobs SET status=?, attempts=?, next_retry_at=?, last_error=? WHERE id=?`,
		string(JobPending), attempts, nextRetryAt, lastErr, id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "schedule job retry", err)
	}
	return nil
}

// RecoverInFlightJobs resets every processing job back to pending with
// next_retry_at=now, for crash recovery at startup.
func (s *Store) RecoverInFlightJobs(now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE jobs SET status=?, next_retry_at=? WHERE status=?`,
		string(JobPending), now, string(JobProcessing))
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "recover in-flight jobs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetJob returns a job by id.
func (s *Store) GetJob(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, err := scanJob(s.db.QueryRow(jobSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return Job{}, apperr.New(apperr.NotFound, "job not found")
	}
	return j, err
}

// JobFilter narrows GetJobs results.
type JobFilter struct {
	Status string
	Type   string
	Limit  int
	Offset int
}

// GetJobs returns jobs matching the filter, newest first.
func (s *Store) GetJobs(f JobFilter) ([]Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := jobSelect + " WHERE 1=1"
	var args []interface{}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Type != "" {
		query += " AND type = ?"
		args = append(args, f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list jobs", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan job", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobs returns the total number of job rows.
func (s *Store) CountJobs() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM jobs").Scan(&n); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "count jobs", err)
	}
	return n, nil
}

// GetJobStats returns a count of jobs per status.
func (s *Store) GetJobStats() (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "job stats", err)
	}
	defer rows.Close()

	stats := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan job stats", err)
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// ListJobTypes returns the distinct job types that have ever been enqueued.
func (s *Store) ListJobTypes() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query("SELECT DISTINCT type FROM jobs ORDER BY type ASC")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list job types", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan job type", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneCompletedJobs deletes completed jobs older than the cutoff.
func (s *Store) PruneCompletedJobs(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM jobs WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?",
		string(JobCompleted), cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "prune completed jobs", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RetryJob resets a stalled job to pending with attempts=0. Fails unless
// the job is currently stalled.
func (s *Store) RetryJob(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := scanJob(s.db.QueryRow(jobSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return Job{}, apperr.New(apperr.NotFound, "job not found")
	}
	if err != nil {
		return Job{}, err
	}
	if j.Status != JobStalled {
		return Job{}, apperr.New(apperr.Validation, "only stalled jobs can be retried")
	}

	_, err = s.db.Exec(`UPDATE jobs SET status=?, attempts=0, next_retry_at=? WHERE id=?`,
		string(JobPending), time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return Job{}, wrapWriteErr("retry job", err)
	}
	j.Status = JobPending
	j.Attempts = 0
	return j, nil
}

// CancelJob removes a pending or stalled job. Fails for processing or
// completed jobs.
func (s *Store) CancelJob(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := scanJob(s.db.QueryRow(jobSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return apperr.New(apperr.NotFound, "job not found")
	}
	if err != nil {
		return err
	}
	if j.Status != JobPending && j.Status != JobStalled {
		return apperr.New(apperr.Validation, "only pending or stalled jobs can be cancelled")
	}

	_, err = s.db.Exec("DELETE FROM jobs WHERE id = ?", id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "cancel job", err)
	}
	return nil
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var status, created string
	var started, completed sql.NullString
	err := row.Scan(&j.ID, &j.Type, &j.Payload, &status, &j.Priority, &j.Attempts, &j.MaxAttempts, &j.NextRetryAt, &j.LastError, &created, &started, &completed)
	if err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	j.CreatedAt, _ = time.Parse(time.RFC3339, created)
	if started.Valid {
		t, _ := time.Parse(time.RFC3339, started.String)
		j.StartedAt = &t
	}
	if completed.Valid {
		t, _ := time.Parse(time.RFC3339, completed.String)
		j.CompletedAt = &t
	}
	return j, nil
}
