package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/agent-console/server/internal/apperr"
)

const workerSelect = `SELECT id, session_id, type, name, agent_id, pid, base_commit, created_at, updated_at FROM workers`

// CreateWorker inserts a new worker row.
func (s *Store) CreateWorker(w Worker) (Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	w.CreatedAt = now
	w.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO workers (id, session_id, type, name, agent_id, pid, base_commit, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.SessionID, string(w.Type), w.Name, w.AgentID, w.PID, w.BaseCommit,
		w.CreatedAt.Format(time.RFC3339), w.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Worker{}, wrapWriteErr("create worker", err)
	}
	return w, nil
}

// GetWorker returns a worker by id.
func (s *Store) GetWorker(id string) (Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, err := scanWorker(s.db.QueryRow(workerSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return Worker{}, apperr.New(apperr.NotFound, "worker not found")
	}
	return w, err
}

// ListWorkersForSession returns every worker belonging to a session.
func (s *Store) ListWorkersForSession(sessionID string) ([]Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(workerSelect+" WHERE session_id = ? ORDER BY created_at ASC", sessionID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list workers", err)
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan worker", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ListWorkersUsingAgent returns every worker referencing an agent definition.
func (s *Store) ListWorkersUsingAgent(agentID string) ([]Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(workerSelect+" WHERE agent_id = ?", agentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list workers using agent", err)
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan worker", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UpdateWorker applies a partial update to a worker row.
func (s *Store) UpdateWorker(id string, update func(*Worker)) (Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := scanWorker(s.db.QueryRow(workerSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return Worker{}, apperr.New(apperr.NotFound, "worker not found")
	}
	if err != nil {
		return Worker{}, err
	}
	update(&w)
	w.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(`
		UPDATE workers SET name=?, agent_id=?, pid=?, base_commit=?, updated_at=?
		WHERE id=?`,
		w.Name, w.AgentID, w.PID, w.BaseCommit, w.UpdatedAt.Format(time.RFC3339), id,
	)
	if err != nil {
		return Worker{}, wrapWriteErr("update worker", err)
	}
	return w, nil
}

// DeleteWorker removes a worker row.
func (s *Store) DeleteWorker(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM workers WHERE id = ?", id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "delete worker", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.NotFound, "worker not found")
	}
	return nil
}

func scanWorker(row rowScanner) (Worker, error) {
	var w Worker
	var typ, created, updated string
	err := row.Scan(&w.ID, &w.SessionID, &typ, &w.Name, &w.AgentID, &w.PID, &w.BaseCommit, &created, &updated)
	if err != nil {
		return Worker{}, err
	}
	w.Type = WorkerType(typ)
	w.CreatedAt, _ = time.Parse(time.RFC3339, created)
	w.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return w, nil
}
