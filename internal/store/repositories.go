package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/agent-console/server/internal/apperr"
)

// CreateRepository inserts a new repository row.
func (s *Store) CreateRepository(r Repository) (Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	if r.DefaultBranch == "" {
		r.DefaultBranch = "main"
	}

	_, err := s.db.Exec(`
		INSERT INTO repositories (id, name, path, setup_command, cleanup_command, env_vars, description, default_agent_id, default_branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Path, r.SetupCommand, r.CleanupCommand, r.EnvVars, r.Description, r.DefaultAgentID, r.DefaultBranch,
		r.CreatedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return Repository{}, wrapWriteErr("create repository", err)
	}
	return r, nil
}

// GetRepository returns a repository by id.
func (s *Store) GetRepository(id string) (Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanRepository(s.db.QueryRow(repositorySelect+" WHERE id = ?", id))
}

// FindRepositoryByPath returns a repository by its absolute path.
func (s *Store) FindRepositoryByPath(path string) (Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanRepository(s.db.QueryRow(repositorySelect+" WHERE path = ?", path))
}

// ListRepositories returns every registered repository.
func (s *Store) ListRepositories() ([]Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(repositorySelect + " ORDER BY created_at ASC")
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "list repositories", err)
	}
	defer rows.Close()

	var out []Repository
	for rows.Next() {
		r, err := scanRepositoryRow(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.Internal, "scan repository", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateRepository applies a partial update and returns the updated row.
func (s *Store) UpdateRepository(id string, update func(*Repository)) (Repository, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := scanRepository(s.db.QueryRow(repositorySelect+" WHERE id = ?", id))
	if err != nil {
		return Repository{}, err
	}
	update(&r)
	r.UpdatedAt = time.Now().UTC()

	_, err = s.db.Exec(`
		UPDATE repositories SET name=?, path=?, setup_command=?, cleanup_command=?, env_vars=?, description=?, default_agent_id=?, default_branch=?, updated_at=?
		WHERE id=?`,
		r.Name, r.Path, r.SetupCommand, r.CleanupCommand, r.EnvVars, r.Description, r.DefaultAgentID, r.DefaultBranch,
		r.UpdatedAt.Format(time.RFC3339), id,
	)
	if err != nil {
		return Repository{}, wrapWriteErr("update repository", err)
	}
	return r, nil
}

// DeleteRepository removes a repository row. Callers must have already
// verified no sessions reference it (conflict check is a Session Manager
// concern, not the Store's).
func (s *Store) DeleteRepository(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM repositories WHERE id = ?", id)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "delete repository", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.New(apperr.NotFound, "repository not found")
	}
	return nil
}

const repositorySelect = `SELECT id, name, path, setup_command, cleanup_command, env_vars, description, default_agent_id, default_branch, created_at, updated_at FROM repositories`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRepository(row *sql.Row) (Repository, error) {
	r, err := scanRepositoryRow(row)
	if err == sql.ErrNoRows {
		return Repository{}, apperr.New(apperr.NotFound, "repository not found")
	}
	return r, err
}

func scanRepositoryRow(row rowScanner) (Repository, error) {
	var r Repository
	var created, updated string
	err := row.Scan(&r.ID, &r.Name, &r.Path, &r.SetupCommand, &r.CleanupCommand, &r.EnvVars, &r.Description, &r.DefaultAgentID, &r.DefaultBranch, &created, &updated)
	if err != nil {
		return Repository{}, err
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339, created)
	r.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return r, nil
}
