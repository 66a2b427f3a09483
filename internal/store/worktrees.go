package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/agent-console/server/internal/apperr"
)

const worktreeSelect = `SELECT id, repository_id, path, branch, index_number, created_at FROM worktree_records`

// nextWorktreeIndexLocked returns the smallest positive integer not
// currently assigned to any live worktree of the given repository. The
// caller must hold s.mu.
func (s *Store) nextWorktreeIndexLocked(repositoryID string) (int, error) {
	rows, err := s.db.Query("SELECT index_number FROM worktree_records WHERE repository_id = ? ORDER BY index_number ASC", repositoryID)
	if err != nil {
		return 0, apperr.Wrap(apperr.Internal, "list worktree indices", err)
	}
	defer rows.Close()

	used := make(map[int]bool)
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return 0, apperr.Wrap(apperr.Internal, "scan worktree index", err)
		}
		used[n] = true
	}
	if err := rows.Err(); err != nil {
		return 0, apperr.Wrap(apperr.Internal, "iterate worktree indices", err)
	}

	for n := 1; ; n++ {
		if !used[n] {
			return n, nil
		}
	}
}

// AllocateWorktreeRecord allocates the next worktree index for
// repositoryID and inserts the record in the same critical section, so
// concurrent callers can never observe and claim the same index.
// pathFor receives the allocated index and must return the worktree's
// directory path — it's called under the lock so the directory name
// (which is typically derived from the index) is reserved atomically
// alongside the index itself, with no gap a second caller could land
// in. The returned record's Path is whatever pathFor produced; the
// caller is expected to create the filesystem worktree at that exact
// path next, and to DeleteWorktreeRecord the reservation if that fails.
func (s *Store) AllocateWorktreeRecord(repositoryID, branch string, pathFor func(index int) string) (WorktreeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.nextWorktreeIndexLocked(repositoryID)
	if err != nil {
		return WorktreeRecord{}, err
	}

	w := WorktreeRecord{
		ID:           uuid.NewString(),
		RepositoryID: repositoryID,
		Path:         pathFor(index),
		Branch:       branch,
		IndexNumber:  index,
		CreatedAt:    time.Now().UTC(),
	}

	_, err = s.db.Exec(`
		INSERT INTO worktree_records (id, repository_id, path, branch, index_number, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		w.ID, w.RepositoryID, w.Path, w.Branch, w.IndexNumber, w.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return WorktreeRecord{}, wrapWriteErr("create worktree record", err)
	}
	return w, nil
}

// ListWorktreeRecords returns every registered worktree of a repository.
func (s *Store) ListWorktreeRecords(repositoryID string) ([]WorktreeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(worktreeSelect+" WHERE repository_id = ? ORDER BY index_number ASC", repositoryID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list worktree records", err)
	}
	defer rows.Close()

	var out []WorktreeRecord
	for rows.Next() {
		w, err := scanWorktree(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan worktree record", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetWorktreeRecordByPath returns a worktree record by its filesystem path.
func (s *Store) GetWorktreeRecordByPath(path string) (WorktreeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, err := scanWorktree(s.db.QueryRow(worktreeSelect+" WHERE path = ?", path))
	if err == sql.ErrNoRows {
		return WorktreeRecord{}, apperr.New(apperr.NotFound, "worktree record not found")
	}
	return w, err
}

// DeleteWorktreeRecord removes a worktree record row.
func (s *Store) DeleteWorktreeRecord(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM worktree_records WHERE id = ?", id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "delete worktree record", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.NotFound, "worktree record not found")
	}
	return nil
}

func scanWorktree(row rowScanner) (WorktreeRecord, error) {
	var w WorktreeRecord
	var created string
	err := row.Scan(&w.ID, &w.RepositoryID, &w.Path, &w.Branch, &w.IndexNumber, &created)
	if err != nil {
		return WorktreeRecord{}, err
	}
	w.CreatedAt, _ = time.Parse(time.RFC3339, created)
	return w, nil
}
