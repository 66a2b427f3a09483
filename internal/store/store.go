// Package store provides the embedded SQL database and file tree that
// back every persisted entity in the system: repositories, agent
// definitions, sessions, workers, worktree records, jobs, and the
// inbound-webhook idempotency table. It is the sole writer of
// persisted rows; every other component reads and mutates through it.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/agent-console/server/internal/apperr"
)

// Store wraps the SQLite-backed schema and the config-root file tree.
type Store struct {
	db   *sql.DB
	root string
	mu   sync.RWMutex
}

// Open creates or opens the database at <configRoot>/store.db and runs
// migrations. configRoot must already exist.
func Open(configRoot string) (*Store, error) {
	dbPath := configRoot + "/store.db"
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?cache=shared&mode=rwc&_journal_mode=WAL", dbPath))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db, root: configRoot}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Root returns the config-root directory this store is rooted at.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []func(*sql.DB) error{
		migrateV1Repositories,
		migrateV2AgentsAndSessions,
		migrateV3WorkersAndWorktrees,
		migrateV4Jobs,
		migrateV5InboundEvents,
	}

	for i := version; i < len(migrations); i++ {
		slog.Info("applying store migration", "version", i+1)
		if err := migrations[i](s.db); err != nil {
			return fmt.Errorf("migration v%d: %w", i+1, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", i+1); err != nil {
			return fmt.Errorf("record migration v%d: %w", i+1, err)
		}
	}

	return nil
}

func migrateV1Repositories(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			setup_command TEXT NOT NULL DEFAULT '',
			cleanup_command TEXT NOT NULL DEFAULT '',
			env_vars TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			default_agent_id TEXT NOT NULL DEFAULT '',
			default_branch TEXT NOT NULL DEFAULT 'main',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`)
	return err
}

func migrateV2AgentsAndSessions(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agent_definitions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			agent_type TEXT NOT NULL DEFAULT 'custom',
			command_template TEXT NOT NULL,
			continue_template TEXT NOT NULL DEFAULT '',
			headless_template TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			is_built_in INTEGER NOT NULL DEFAULT 0,
			asking_patterns TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			repository_id TEXT NOT NULL DEFAULT '',
			worktree_id TEXT NOT NULL DEFAULT '',
			location_path TEXT NOT NULL,
			server_pid INTEGER NOT NULL DEFAULT 0,
			title TEXT NOT NULL DEFAULT '',
			initial_prompt TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_repository ON sessions(repository_id);
	`)
	return err
}

func migrateV3WorkersAndWorktrees(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			pid INTEGER NOT NULL DEFAULT 0,
			base_commit TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workers_session ON workers(session_id);
		CREATE INDEX IF NOT EXISTS idx_workers_agent ON workers(agent_id);

		CREATE TABLE IF NOT EXISTS worktree_records (
			id TEXT PRIMARY KEY,
			repository_id TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			branch TEXT NOT NULL DEFAULT '',
			index_number INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_worktrees_repository ON worktree_records(repository_id);
	`)
	return err
}

func migrateV4Jobs(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL DEFAULT 'pending',
			priority INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, next_retry_at, priority);
		CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(type);
	`)
	return err
}

func migrateV5InboundEvents(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS inbound_event_notifications (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			handler_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			UNIQUE(job_id, session_id, worker_id, handler_id)
		);
	`)
	return err
}

// wrapWriteErr maps a sqlite driver error to the appropriate error kind.
func wrapWriteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE") {
		return apperr.Wrap(apperr.Conflict, op, err)
	}
	return apperr.Wrap(apperr.Internal, op, err)
}
