// Package sessions implements the Session Manager: session lifecycle
// (create, delete, pause, resume, metadata updates) and startup
// recovery. It keeps no in-memory session map of its own; session
// state is read from and written to the Store on every operation.
//
// Its pause/resume validation is grounded directly in the teacher's
// agent session manager (agentsessions/manager.go's Suspend/Resume,
// which reject transitions from the wrong Status) generalized from a
// single-process ACP session's Running/Suspended/Stopped/Error enum to
// this system's simpler two-state "live in the worker map" vs. "rows
// persisted but server_pid cleared" model — a worktree session has no
// extra status column; server_pid doubles as the liveness flag exactly
// as spec.md's pause_session/resume_session describe.
package sessions

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/agent-console/server/internal/apperr"
	"github.com/agent-console/server/internal/events"
	"github.com/agent-console/server/internal/jobqueue"
	"github.com/agent-console/server/internal/outputlog"
	"github.com/agent-console/server/internal/store"
	"github.com/agent-console/server/internal/workers"
)

// Config wires the Session Manager's collaborators.
type Config struct {
	Store    *store.Store
	Registry *workers.Registry
	Output   *outputlog.Log
	Queue    *jobqueue.Queue
	Hub      *events.Hub
}

// Manager owns session lifecycle operations.
type Manager struct {
	cfg Config
}

// New creates a Manager.
func New(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// CreateRequest describes a new session to create.
type CreateRequest struct {
	Type          store.SessionType
	RepositoryID  string // worktree sessions only
	WorktreeID    string // worktree sessions only
	LocationPath  string
	Title         string
	InitialPrompt string
}

// CreateSession persists a new session row with no workers.
func (m *Manager) CreateSession(req CreateRequest) (store.Session, error) {
	if req.LocationPath == "" {
		return store.Session{}, apperr.New(apperr.Validation, "location_path is required")
	}
	if req.Type == store.SessionTypeWorktree && req.RepositoryID == "" {
		return store.Session{}, apperr.New(apperr.Validation, "worktree sessions require a repository_id")
	}

	sess, err := m.cfg.Store.CreateSession(store.Session{
		Type:          req.Type,
		RepositoryID:  req.RepositoryID,
		WorktreeID:    req.WorktreeID,
		LocationPath:  req.LocationPath,
		Title:         req.Title,
		InitialPrompt: req.InitialPrompt,
	})
	if err != nil {
		return store.Session{}, err
	}
	if m.cfg.Hub != nil {
		m.cfg.Hub.PublishSessionCreated(sess)
	}
	return sess, nil
}

func (m *Manager) repoEnvFor(session store.Session) string {
	if session.RepositoryID == "" {
		return ""
	}
	repo, err := m.cfg.Store.GetRepository(session.RepositoryID)
	if err != nil {
		return ""
	}
	return repo.EnvVars
}

// CreateWorker delegates to the Worker Registry after resolving the
// session and, for agent workers, the agent definition.
func (m *Manager) CreateWorker(sessionID string, req workers.CreateRequest) (store.Worker, error) {
	sess, err := m.cfg.Store.GetSession(sessionID)
	if err != nil {
		return store.Worker{}, err
	}

	var agentDef *store.AgentDefinition
	if req.Type == store.WorkerTypeAgent {
		if req.AgentID == "" {
			return store.Worker{}, apperr.New(apperr.Validation, "agent workers require an agent_id")
		}
		def, err := m.cfg.Store.GetAgentDefinition(req.AgentID)
		if err != nil {
			return store.Worker{}, err
		}
		agentDef = &def
	}

	return m.cfg.Registry.CreateWorker(sess, req, agentDef, m.repoEnvFor(sess))
}

// DeleteSession synchronously kills every live worker, deletes all
// rows, enqueues an outputs cleanup job for the whole session, and
// broadcasts session-deleted.
func (m *Manager) DeleteSession(id string) error {
	workerRows, err := m.cfg.Store.ListWorkersForSession(id)
	if err != nil {
		return err
	}
	for _, w := range workerRows {
		if err := m.cfg.Registry.DeleteWorker(id, w.ID); err != nil {
			return apperr.Wrap(apperr.Internal, "kill worker during session delete", err)
		}
	}

	if err := m.cfg.Store.DeleteSession(id); err != nil {
		return err
	}

	if m.cfg.Queue != nil {
		if _, err := m.cfg.Queue.Enqueue("cleanup_session_output", map[string]string{
			"sessionId": id,
		}, jobqueue.EnqueueOptions{}); err != nil {
			return apperr.Wrap(apperr.Internal, "enqueue session output cleanup", err)
		}
	}
	if m.cfg.Hub != nil {
		m.cfg.Hub.PublishSessionDeleted(id)
	}
	return nil
}

// PauseSession kills live workers on a worktree session and clears
// server_pid, leaving the rows in place for a later Resume. Quick
// sessions reject pause with a validation error.
func (m *Manager) PauseSession(id string) error {
	sess, err := m.cfg.Store.GetSession(id)
	if err != nil {
		return err
	}
	if sess.Type != store.SessionTypeWorktree {
		return apperr.New(apperr.Validation, "only worktree sessions can be paused")
	}

	workerRows, err := m.cfg.Store.ListWorkersForSession(id)
	if err != nil {
		return err
	}
	for _, w := range workerRows {
		m.cfg.Registry.Deactivate(id, w.ID)
	}

	if _, err := m.cfg.Store.UpdateSession(id, func(s *store.Session) { s.ServerPID = 0 }); err != nil {
		return err
	}
	if m.cfg.Hub != nil {
		m.cfg.Hub.PublishSessionPaused(id)
	}
	return nil
}

// ResumeSession re-creates a live handle for every persisted worker,
// using the agent's continue template when available, then marks the
// session as owned by this process.
func (m *Manager) ResumeSession(id string) (store.Session, error) {
	sess, err := m.cfg.Store.GetSession(id)
	if err != nil {
		return store.Session{}, err
	}
	if sess.Type != store.SessionTypeWorktree {
		return store.Session{}, apperr.New(apperr.Validation, "only worktree sessions can be resumed")
	}
	if _, err := os.Stat(sess.LocationPath); err != nil {
		return store.Session{}, apperr.Wrap(apperr.Conflict, "session location no longer exists", err)
	}

	workerRows, err := m.cfg.Store.ListWorkersForSession(id)
	if err != nil {
		return store.Session{}, err
	}
	repoEnv := m.repoEnvFor(sess)

	for _, w := range workerRows {
		if m.cfg.Registry.IsAlive(id, w.ID) {
			continue
		}
		var agentDef *store.AgentDefinition
		if w.Type == store.WorkerTypeAgent && w.AgentID != "" {
			def, err := m.cfg.Store.GetAgentDefinition(w.AgentID)
			if err != nil {
				return store.Session{}, err
			}
			agentDef = &def
		}
		if _, err := m.cfg.Registry.Resume(sess, w, agentDef, repoEnv); err != nil {
			return store.Session{}, apperr.Wrap(apperr.Internal, "resume worker "+w.ID, err)
		}
	}

	updated, err := m.cfg.Store.UpdateSession(id, func(s *store.Session) { s.ServerPID = os.Getpid() })
	if err != nil {
		return store.Session{}, err
	}
	if m.cfg.Hub != nil {
		m.cfg.Hub.PublishSessionResumed(id)
	}
	return updated, nil
}

// MetadataUpdate describes an update_session_metadata request.
type MetadataUpdate struct {
	Title  *string
	Branch *string
}

// UpdateSessionMetadata updates the title in place; a branch change on
// a worktree session renames the local git branch and restarts its
// agent worker so the running process observes the new branch.
func (m *Manager) UpdateSessionMetadata(id string, upd MetadataUpdate) (store.Session, error) {
	sess, err := m.cfg.Store.GetSession(id)
	if err != nil {
		return store.Session{}, err
	}

	if upd.Branch != nil && *upd.Branch != "" && sess.Type == store.SessionTypeWorktree {
		if err := renameBranch(sess.LocationPath, *upd.Branch); err != nil {
			return store.Session{}, apperr.Wrap(apperr.Internal, "rename git branch", err)
		}

		workerRows, err := m.cfg.Store.ListWorkersForSession(id)
		if err != nil {
			return store.Session{}, err
		}
		for _, w := range workerRows {
			if w.Type != store.WorkerTypeAgent {
				continue
			}
			if _, err := m.cfg.Registry.RestartAgentWorker(id, w.ID, true, "", m.repoEnvFor(sess)); err != nil {
				return store.Session{}, apperr.Wrap(apperr.Internal, "restart agent after branch rename", err)
			}
		}
	}

	updated, err := m.cfg.Store.UpdateSession(id, func(s *store.Session) {
		if upd.Title != nil {
			s.Title = *upd.Title
		}
	})
	if err != nil {
		return store.Session{}, err
	}
	if m.cfg.Hub != nil {
		m.cfg.Hub.PublishSessionUpdated(updated)
	}
	return updated, nil
}

func renameBranch(dir, newBranch string) error {
	if strings.TrimSpace(newBranch) == "" {
		return apperr.New(apperr.Validation, "branch name must not be empty")
	}
	return runGit(dir, "branch", "-M", newBranch)
}

// RestartAgentWorker delegates to the Worker Registry.
func (m *Manager) RestartAgentWorker(sessionID, workerID string, continueConversation bool, prompt string) (store.Worker, error) {
	sess, err := m.cfg.Store.GetSession(sessionID)
	if err != nil {
		return store.Worker{}, err
	}
	return m.cfg.Registry.RestartAgentWorker(sessionID, workerID, continueConversation, prompt, m.repoEnvFor(sess))
}

// Queries.

func (m *Manager) GetAllSessions() ([]store.Session, error) { return m.cfg.Store.ListSessions() }
func (m *Manager) GetSession(id string) (store.Session, error) { return m.cfg.Store.GetSession(id) }

func (m *Manager) GetSessionsUsingAgent(agentID string) ([]store.Session, error) {
	sessions, err := m.cfg.Store.ListSessions()
	if err != nil {
		return nil, err
	}
	var out []store.Session
	for _, s := range sessions {
		workerRows, err := m.cfg.Store.ListWorkersForSession(s.ID)
		if err != nil {
			return nil, err
		}
		for _, w := range workerRows {
			if w.AgentID == agentID {
				out = append(out, s)
				break
			}
		}
	}
	return out, nil
}

func (m *Manager) GetSessionsUsingRepository(repoID string) ([]store.Session, error) {
	return m.cfg.Store.ListSessionsUsingRepository(repoID)
}

// ValidateAllSessions returns sessions whose location_path no longer exists on disk.
func (m *Manager) ValidateAllSessions() ([]store.Session, error) {
	all, err := m.cfg.Store.ListSessions()
	if err != nil {
		return nil, err
	}
	var invalid []store.Session
	for _, s := range all {
		if _, err := os.Stat(s.LocationPath); err != nil {
			invalid = append(invalid, s)
		}
	}
	return invalid, nil
}

// ForceDeleteSession removes persistence only, without attempting to
// kill any live worker — used for orphaned sessions whose process tree
// is already gone.
func (m *Manager) ForceDeleteSession(id string) error {
	if err := m.cfg.Store.DeleteSession(id); err != nil {
		return err
	}
	if m.cfg.Hub != nil {
		m.cfg.Hub.PublishSessionDeleted(id)
	}
	return nil
}

// RecoverOnStartup adopts sessions whose server_pid is unset or equals
// the current process and whose location still exists: git-diff
// workers are cheaply re-created, while PTY-backed workers are left
// inactive until a client explicitly resumes them.
func (m *Manager) RecoverOnStartup() error {
	all, err := m.cfg.Store.ListSessions()
	if err != nil {
		return err
	}
	self := os.Getpid()

	for _, sess := range all {
		if sess.ServerPID != 0 && sess.ServerPID != self {
			continue
		}
		if _, err := os.Stat(sess.LocationPath); err != nil {
			continue
		}

		workerRows, err := m.cfg.Store.ListWorkersForSession(sess.ID)
		if err != nil {
			return err
		}
		for _, w := range workerRows {
			if w.Type != store.WorkerTypeGitDiff {
				continue
			}
			if _, err := m.cfg.Registry.Resume(sess, w, nil, m.repoEnvFor(sess)); err != nil {
				return apperr.Wrap(apperr.Internal, "recover git-diff worker "+w.ID, err)
			}
		}
	}
	return nil
}
