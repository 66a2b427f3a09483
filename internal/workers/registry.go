// Package workers implements the Worker Registry: the live,
// in-process counterpart to the persisted worker rows, owning each
// worker's PTY adapter (or, for git-diff workers, its computed base
// commit), its activity detector, and the fan-out of its output to
// attached listeners.
//
// The map-of-live-handles-guarded-by-a-mutex shape, and the
// OnData/OnExit wiring into a durable log plus a broadcaster, is
// grounded in the teacher's multi-terminal session map
// (server/websocket.go's handleMultiTerminalWS, which keeps one PTY
// session per logical terminal behind a map+RWMutex) generalized from
// "one session per WebSocket connection" to "one registry shared by
// every WebSocket connection, keyed by (session_id, worker_id)."
package workers

import (
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-console/server/internal/activity"
	"github.com/agent-console/server/internal/apperr"
	"github.com/agent-console/server/internal/envfile"
	"github.com/agent-console/server/internal/events"
	"github.com/agent-console/server/internal/jobqueue"
	"github.com/agent-console/server/internal/outputlog"
	"github.com/agent-console/server/internal/ptyadapter"
	"github.com/agent-console/server/internal/store"
)

// Config wires the Registry's collaborators.
type Config struct {
	Store     *store.Store
	Output    *outputlog.Log
	Queue     *jobqueue.Queue
	Hub       *events.Hub
	Activity  activity.Config
	DefaultShell string
	DefaultRows  int
	DefaultCols  int
	KillGrace    time.Duration
}

// CreateRequest describes a new worker to spawn.
type CreateRequest struct {
	Type          store.WorkerType
	Name          string
	AgentID       string // agent workers only
	Prompt        string // agent workers only, substituted into {{prompt}}
	Continue      bool   // agent workers only: use ContinueTemplate instead of CommandTemplate
}

// liveWorker is the in-process handle for one registered worker.
type liveWorker struct {
	mu        sync.Mutex
	row       store.Worker
	sessionDir string
	agentDef  *store.AgentDefinition // agent workers only

	pty      *ptyadapter.Adapter
	detector *activity.Detector

	listeners   map[int]func([]byte)
	nextListener int
	alive       bool
}

type key struct {
	sessionID string
	workerID  string
}

// Registry owns every live worker process and its in-memory fan-out state.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	workers map[key]*liveWorker
}

// New creates an empty Registry.
func New(cfg Config) *Registry {
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = "/bin/bash"
	}
	if cfg.DefaultRows <= 0 {
		cfg.DefaultRows = 24
	}
	if cfg.DefaultCols <= 0 {
		cfg.DefaultCols = 80
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 3 * time.Second
	}
	return &Registry{cfg: cfg, workers: make(map[key]*liveWorker)}
}

func (r *Registry) put(lw *liveWorker) {
	r.mu.Lock()
	r.workers[key{lw.row.SessionID, lw.row.ID}] = lw
	r.mu.Unlock()
}

func (r *Registry) get(sessionID, workerID string) (*liveWorker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lw, ok := r.workers[key{sessionID, workerID}]
	return lw, ok
}

func (r *Registry) remove(sessionID, workerID string) {
	r.mu.Lock()
	delete(r.workers, key{sessionID, workerID})
	r.mu.Unlock()
}

// CreateWorker spawns a new worker under sessionDir and persists its
// row. For agent workers, agentDef must be non-nil; for terminal
// workers it is ignored; for git-diff workers no process is spawned.
func (r *Registry) CreateWorker(session store.Session, req CreateRequest, agentDef *store.AgentDefinition, repoEnv string) (store.Worker, error) {
	row := store.Worker{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		Type:      req.Type,
		Name:      req.Name,
		AgentID:   req.AgentID,
	}

	lw := &liveWorker{
		row:        row,
		sessionDir: session.LocationPath,
		agentDef:   agentDef,
		listeners:  make(map[int]func([]byte)),
	}

	switch req.Type {
	case store.WorkerTypeGitDiff:
		base, err := r.computeBaseCommit(session.LocationPath)
		if err != nil {
			return store.Worker{}, apperr.Wrap(apperr.Internal, "compute git-diff base commit", err)
		}
		row.BaseCommit = base
		lw.row = row
		lw.alive = true

	case store.WorkerTypeTerminal:
		if err := r.spawn(lw, r.cfg.DefaultShell, session.LocationPath, envfile.Parse(repoEnv)); err != nil {
			return store.Worker{}, err
		}

	case store.WorkerTypeAgent:
		if agentDef == nil {
			return store.Worker{}, apperr.New(apperr.Validation, "agent worker requires an agent definition")
		}
		template := agentDef.CommandTemplate
		if req.Continue {
			template = agentDef.ContinueTemplate
		}
		command := resolveCommand(template, req.Prompt, session.LocationPath)
		if err := r.spawn(lw, command, session.LocationPath, envfile.Parse(repoEnv)); err != nil {
			return store.Worker{}, err
		}
		if patterns, err := activity.CompilePatterns(agentDef.AskingPatterns); err == nil {
			lw.detector = activity.New(r.cfg.Activity, patterns, func(state activity.State) {
				if r.cfg.Hub != nil {
					r.cfg.Hub.PublishWorkerActivityState(row.SessionID, row.ID, state)
				}
			})
		} else {
			slog.Error("workers: compile asking patterns failed", "agent", agentDef.ID, "error", err)
		}

	default:
		return store.Worker{}, apperr.Newf(apperr.Validation, "unknown worker type %q", req.Type)
	}

	saved, err := r.cfg.Store.CreateWorker(lw.row)
	if err != nil {
		if lw.pty != nil {
			_ = lw.pty.Close()
		}
		return store.Worker{}, err
	}
	lw.row = saved

	r.put(lw)
	if r.cfg.Hub != nil {
		r.cfg.Hub.PublishWorkerCreated(saved)
	}
	return saved, nil
}

func (r *Registry) spawn(lw *liveWorker, command, dir string, env []string) error {
	adapter, err := ptyadapter.Spawn(ptyadapter.SpawnConfig{
		Command:   command,
		Dir:       dir,
		Rows:      r.cfg.DefaultRows,
		Cols:      r.cfg.DefaultCols,
		Env:       env,
		KillGrace: r.cfg.KillGrace,
		OnData: func(data []byte) {
			r.onData(lw, data)
		},
		OnExit: func(exitCode int, signaled bool) {
			r.onExit(lw, exitCode, signaled)
		},
	})
	if err != nil {
		return apperr.Wrap(apperr.Internal, "spawn worker process", err)
	}
	lw.pty = adapter
	lw.row.PID = adapter.PID()
	lw.alive = true
	return nil
}

// onData appends to the output log and snapshots the listener set
// under lw.mu in one critical section, so it is totally ordered
// against AttachListener's own lw.mu-held history read: any call here
// either completes (append + snapshot) strictly before a given
// AttachListener call, in which case its bytes are already reflected
// in that call's history read, or strictly after, in which case the
// new listener is already in the snapshot and receives it live. Either
// way each byte reaches a given listener exactly once.
func (r *Registry) onData(lw *liveWorker, data []byte) {
	lw.mu.Lock()
	if err := r.cfg.Output.Append(lw.row.SessionID, lw.row.ID, data); err != nil {
		slog.Error("workers: append output failed", "worker", lw.row.ID, "error", err)
	}
	listeners := make([]func([]byte), 0, len(lw.listeners))
	for _, fn := range lw.listeners {
		listeners = append(listeners, fn)
	}
	lw.mu.Unlock()

	if lw.detector != nil {
		lw.detector.Feed(data)
	}
	for _, fn := range listeners {
		fn(data)
	}
}

func (r *Registry) onExit(lw *liveWorker, exitCode int, signaled bool) {
	lw.mu.Lock()
	lw.alive = false
	lw.row.PID = 0
	lw.mu.Unlock()

	if err := r.cfg.Output.Flush(lw.row.SessionID, lw.row.ID); err != nil {
		slog.Error("workers: flush output on exit failed", "worker", lw.row.ID, "error", err)
	}
	if lw.detector != nil {
		lw.detector.Close()
	}
	if _, err := r.cfg.Store.UpdateWorker(lw.row.ID, func(w *store.Worker) { w.PID = 0 }); err != nil {
		slog.Error("workers: persist exit failed", "worker", lw.row.ID, "error", err)
	}
	if r.cfg.Hub != nil {
		r.cfg.Hub.PublishWorkerExited(lw.row.SessionID, lw.row.ID, exitCode, signaled)
	}
}

// WriteInput forwards bytes to a worker's PTY stdin.
func (r *Registry) WriteInput(sessionID, workerID string, data []byte) error {
	lw, ok := r.get(sessionID, workerID)
	if !ok {
		return apperr.New(apperr.NotFound, "worker not found")
	}
	lw.mu.Lock()
	pty := lw.pty
	alive := lw.alive
	lw.mu.Unlock()
	if pty == nil || !alive {
		return apperr.New(apperr.Conflict, "worker is not running")
	}
	return pty.Write(data)
}

// Resize changes a worker's PTY window size.
func (r *Registry) Resize(sessionID, workerID string, rows, cols int) error {
	lw, ok := r.get(sessionID, workerID)
	if !ok {
		return apperr.New(apperr.NotFound, "worker not found")
	}
	lw.mu.Lock()
	pty := lw.pty
	lw.mu.Unlock()
	if pty == nil {
		return apperr.New(apperr.Conflict, "worker is not running")
	}
	return pty.Resize(rows, cols)
}

// RestartAgentWorker kills the current process (if any), resets the
// output log, and respawns from the continue or command template,
// keeping the same worker id.
func (r *Registry) RestartAgentWorker(sessionID, workerID string, continueConversation bool, prompt, repoEnv string) (store.Worker, error) {
	lw, ok := r.get(sessionID, workerID)
	if !ok {
		return store.Worker{}, apperr.New(apperr.NotFound, "worker not found")
	}
	if lw.row.Type != store.WorkerTypeAgent || lw.agentDef == nil {
		return store.Worker{}, apperr.New(apperr.Validation, "only agent workers can be restarted")
	}

	lw.mu.Lock()
	if lw.pty != nil {
		_ = lw.pty.CloseAndSuppressExit()
	}
	if lw.detector != nil {
		lw.detector.Close()
		lw.detector = nil
	}
	lw.mu.Unlock()

	if err := r.cfg.Output.Reset(sessionID, workerID); err != nil {
		return store.Worker{}, apperr.Wrap(apperr.Internal, "reset output log", err)
	}

	template := lw.agentDef.CommandTemplate
	if continueConversation {
		template = lw.agentDef.ContinueTemplate
	}
	command := resolveCommand(template, prompt, lw.sessionDir)
	if err := r.spawn(lw, command, lw.sessionDir, envfile.Parse(repoEnv)); err != nil {
		return store.Worker{}, err
	}
	if patterns, err := activity.CompilePatterns(lw.agentDef.AskingPatterns); err == nil {
		lw.detector = activity.New(r.cfg.Activity, patterns, func(state activity.State) {
			if r.cfg.Hub != nil {
				r.cfg.Hub.PublishWorkerActivityState(sessionID, workerID, state)
			}
		})
	} else {
		slog.Error("workers: compile asking patterns failed", "agent", lw.agentDef.ID, "error", err)
	}

	updated, err := r.cfg.Store.UpdateWorker(workerID, func(w *store.Worker) { w.PID = lw.row.PID })
	if err != nil {
		return store.Worker{}, err
	}
	lw.row = updated
	if r.cfg.Hub != nil {
		r.cfg.Hub.PublishWorkerUpdated(updated)
	}
	return updated, nil
}

// DeleteWorker kills the live process, drops the in-memory handle, and
// enqueues output-log cleanup as a background job.
func (r *Registry) DeleteWorker(sessionID, workerID string) error {
	lw, ok := r.get(sessionID, workerID)
	if ok {
		lw.mu.Lock()
		if lw.pty != nil {
			_ = lw.pty.Close()
		}
		if lw.detector != nil {
			lw.detector.Close()
		}
		lw.mu.Unlock()
	}
	r.remove(sessionID, workerID)

	if err := r.cfg.Store.DeleteWorker(workerID); err != nil {
		return err
	}

	if r.cfg.Queue != nil {
		if _, err := r.cfg.Queue.Enqueue("cleanup_worker_output", map[string]string{
			"sessionId": sessionID, "workerId": workerID,
		}, jobqueue.EnqueueOptions{}); err != nil {
			slog.Error("workers: enqueue output cleanup failed", "worker", workerID, "error", err)
		}
	}
	if r.cfg.Hub != nil {
		r.cfg.Hub.PublishWorkerDeleted(sessionID, workerID)
	}
	return nil
}

// Deactivate kills a worker's live process (if any) and drops it from
// the in-memory map, but leaves the persisted row and output log
// intact — used by pause_session, which must be reversible via Resume.
func (r *Registry) Deactivate(sessionID, workerID string) {
	lw, ok := r.get(sessionID, workerID)
	if !ok {
		return
	}
	lw.mu.Lock()
	if lw.pty != nil {
		_ = lw.pty.Close()
	}
	if lw.detector != nil {
		lw.detector.Close()
	}
	lw.mu.Unlock()
	r.remove(sessionID, workerID)
}

// Resume re-creates a live handle for an already-persisted worker row,
// used by resume_session after a pause. Agent workers restart from the
// continue template when one is configured; terminal workers restart
// a fresh shell; git-diff workers simply recompute their base commit.
func (r *Registry) Resume(session store.Session, row store.Worker, agentDef *store.AgentDefinition, repoEnv string) (store.Worker, error) {
	lw := &liveWorker{
		row:        row,
		sessionDir: session.LocationPath,
		agentDef:   agentDef,
		listeners:  make(map[int]func([]byte)),
	}

	switch row.Type {
	case store.WorkerTypeGitDiff:
		base, err := r.computeBaseCommit(session.LocationPath)
		if err != nil {
			return store.Worker{}, apperr.Wrap(apperr.Internal, "compute git-diff base commit", err)
		}
		row.BaseCommit = base
		lw.row = row
		lw.alive = true

	case store.WorkerTypeTerminal:
		if err := r.spawn(lw, r.cfg.DefaultShell, session.LocationPath, envfile.Parse(repoEnv)); err != nil {
			return store.Worker{}, err
		}

	case store.WorkerTypeAgent:
		if agentDef == nil {
			return store.Worker{}, apperr.New(apperr.Validation, "agent worker requires an agent definition")
		}
		template := agentDef.CommandTemplate
		if agentDef.ContinueTemplate != "" {
			template = agentDef.ContinueTemplate
		}
		command := resolveCommand(template, session.InitialPrompt, session.LocationPath)
		if err := r.spawn(lw, command, session.LocationPath, envfile.Parse(repoEnv)); err != nil {
			return store.Worker{}, err
		}
		if patterns, err := activity.CompilePatterns(agentDef.AskingPatterns); err == nil {
			lw.detector = activity.New(r.cfg.Activity, patterns, func(state activity.State) {
				if r.cfg.Hub != nil {
					r.cfg.Hub.PublishWorkerActivityState(row.SessionID, row.ID, state)
				}
			})
		}

	default:
		return store.Worker{}, apperr.Newf(apperr.Validation, "unknown worker type %q", row.Type)
	}

	updated, err := r.cfg.Store.UpdateWorker(row.ID, func(w *store.Worker) { w.PID = lw.row.PID })
	if err != nil {
		if lw.pty != nil {
			_ = lw.pty.Close()
		}
		return store.Worker{}, err
	}
	lw.row = updated
	r.put(lw)
	if r.cfg.Hub != nil {
		r.cfg.Hub.PublishWorkerUpdated(updated)
	}
	return updated, nil
}

// AttachListener registers fn to receive every future byte chunk for a
// worker and, in the same critical section, reads the output log from
// fromOffset so the caller's history response and the live stream it
// switches to afterward are contiguous with no gap and no duplicate:
// the read happens before fn is visible to onData, so any byte counted
// in the returned history cannot also reach fn, and any byte that does
// reach fn was appended after the read and so is not in the history.
// It returns the history slice, the offset it was read up to, a detach
// function, and ok=false if the worker does not exist.
func (r *Registry) AttachListener(sessionID, workerID string, fromOffset int64, fn func([]byte)) (history []byte, offset int64, detach func(), ok bool) {
	lw, found := r.get(sessionID, workerID)
	if !found {
		return nil, 0, nil, false
	}

	lw.mu.Lock()
	history, offset, err := r.cfg.Output.Read(sessionID, workerID, fromOffset)
	if err != nil {
		slog.Error("workers: read history on attach failed", "worker", workerID, "error", err)
		history, offset = nil, fromOffset
	}
	id := lw.nextListener
	lw.nextListener++
	lw.listeners[id] = fn
	lw.mu.Unlock()

	detach = func() {
		lw.mu.Lock()
		delete(lw.listeners, id)
		lw.mu.Unlock()
	}
	return history, offset, detach, true
}

// CurrentOutputOffset, ReadHistory, and ReadTail delegate to the
// shared output log.

func (r *Registry) CurrentOutputOffset(sessionID, workerID string) (int64, error) {
	return r.cfg.Output.CurrentOffset(sessionID, workerID)
}

func (r *Registry) ReadHistory(sessionID, workerID string, fromOffset int64) ([]byte, int64, error) {
	return r.cfg.Output.Read(sessionID, workerID, fromOffset)
}

func (r *Registry) ReadTail(sessionID, workerID string, lines int) ([]byte, error) {
	return r.cfg.Output.ReadLastNLines(sessionID, workerID, lines)
}

// IsAlive reports whether a worker currently has a running process
// (always false for git-diff workers).
func (r *Registry) IsAlive(sessionID, workerID string) bool {
	lw, ok := r.get(sessionID, workerID)
	if !ok {
		return false
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.alive
}

// GetActivityState returns the current activity state for an agent
// worker, or (activity.Unknown, false) if the worker has no live
// detector (non-agent workers, or a worker not currently resumed).
func (r *Registry) GetActivityState(sessionID, workerID string) (activity.State, bool) {
	lw, ok := r.get(sessionID, workerID)
	if !ok || lw.detector == nil {
		return activity.Unknown, false
	}
	return lw.detector.State(), true
}

// computeBaseCommit resolves the merge-base between HEAD and the
// repository's default branch remote-tracking ref (origin/HEAD),
// falling back to the current HEAD commit if no merge-base is found.
func (r *Registry) computeBaseCommit(dir string) (string, error) {
	out, err := exec.Command("git", "-C", dir, "merge-base", "HEAD", "origin/HEAD").CombinedOutput()
	if err != nil {
		out, err = exec.Command("git", "-C", dir, "rev-parse", "HEAD").CombinedOutput()
		if err != nil {
			return "", fmt.Errorf("resolve base commit: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}
	return strings.TrimSpace(string(out)), nil
}

// resolveCommand replaces the {{prompt}} and {{cwd}} placeholders in a
// command template. Per §4.C, {{prompt}} is substituted verbatim — not
// shell-quoted here, since quoting is the template author's concern —
// and {{cwd}} is the session's location_path.
func resolveCommand(template, prompt, cwd string) string {
	out := strings.ReplaceAll(template, "{{prompt}}", prompt)
	out = strings.ReplaceAll(out, "{{cwd}}", cwd)
	return out
}
