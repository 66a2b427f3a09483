package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/agent-console/server/internal/apperr"
)

const sessionSelect = `SELECT id, type, repository_id, worktree_id, location_path, server_pid, title, initial_prompt, created_at, updated_at FROM sessions`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(sess Session) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, type, repository_id, worktree_id, location_path, server_pid, title, initial_prompt, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.Type), sess.RepositoryID, sess.WorktreeID, sess.LocationPath, sess.ServerPID, sess.Title, sess.InitialPrompt,
		sess.CreatedAt.Format(time.RFC3339), sess.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Session{}, wrapWriteErr("create session", err)
	}
	return sess, nil
}

// GetSession returns a session by id.
func (s *Store) GetSession(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, err := scanSession(s.db.QueryRow(sessionSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return Session{}, apperr.New(apperr.NotFound, "session not found")
	}
	return sess, err
}

// ListSessions returns every session.
func (s *Store) ListSessions() ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.querySessions(sessionSelect + " ORDER BY created_at ASC")
}

// ListSessionsUsingRepository returns sessions pinned to a repository.
func (s *Store) ListSessionsUsingRepository(repositoryID string) ([]Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryFilteredSessions(sessionSelect+" WHERE repository_id = ? ORDER BY created_at ASC", repositoryID)
}

func (s *Store) querySessions(query string) ([]Session, error) {
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) queryFilteredSessions(query string, arg interface{}) ([]Session, error) {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list sessions", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan session", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSession applies a partial update to a session row. The
// session's Type must not be changed by update (session type is
// immutable after creation).
func (s *Store) UpdateSession(id string, update func(*Session)) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := scanSession(s.db.QueryRow(sessionSelect+" WHERE id = ?", id))
	if err == sql.ErrNoRows {
		return Session{}, apperr.New(apperr.NotFound, "session not found")
	}
	if err != nil {
		return Session{}, err
	}
	originalType := sess.Type
	update(&sess)
	sess.Type = originalType
	sess.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(`
		UPDATE sessions SET repository_id=?, worktree_id=?, location_path=?, server_pid=?, title=?, initial_prompt=?, updated_at=?
		WHERE id=?`,
		sess.RepositoryID, sess.WorktreeID, sess.LocationPath, sess.ServerPID, sess.Title, sess.InitialPrompt,
		sess.UpdatedAt.Format(time.RFC3339), id,
	)
	if err != nil {
		return Session{}, wrapWriteErr("update session", err)
	}
	return sess, nil
}

// DeleteSession removes a session row together with all of its worker
// rows, in one transaction.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return apperr.Wrap(apperr.Internal, "begin delete session tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM workers WHERE session_id = ?", id); err != nil {
		return apperr.Wrap(apperr.Internal, "delete session workers", err)
	}
	res, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "delete session", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.NotFound, "session not found")
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.Internal, "commit delete session", err)
	}
	return nil
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var typ, created, updated string
	err := row.Scan(&sess.ID, &typ, &sess.RepositoryID, &sess.WorktreeID, &sess.LocationPath, &sess.ServerPID, &sess.Title, &sess.InitialPrompt, &created, &updated)
	if err != nil {
		return Session{}, err
	}
	sess.Type = SessionType(typ)
	sess.CreatedAt, _ = time.Parse(time.RFC3339, created)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return sess, nil
}
