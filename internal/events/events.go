// Package events implements the process-wide publish/subscribe bus: a
// typed event fanned out to every connected app WebSocket subscriber.
//
// The subscriber bookkeeping (buffered send channel, drop-on-overflow)
// is grounded in the boot-log broadcaster's per-client fan-out
// (bootlog_ws.go's BootLogBroadcaster.Broadcast), generalized from "one
// broadcaster per boot sequence" to "one hub, many typed events, many
// app subscribers."
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/agent-console/server/internal/activity"
	"github.com/agent-console/server/internal/store"
)

// envelope is the discriminated-union wire shape for every event: a
// "type" tag plus type-specific fields folded into the same object
// (mirrors the teacher's wsMessage shape, generalized from a
// Data-subobject to inline fields since every app-socket payload here
// is a flat struct already).
type envelope struct {
	Type string `json:"type"`
}

func marshal(eventType string, payload interface{}) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("events: marshal payload failed", "type", eventType, "error", err)
		return nil
	}
	var merged map[string]interface{}
	if err := json.Unmarshal(body, &merged); err != nil {
		merged = map[string]interface{}{}
	}
	merged["type"] = eventType
	out, err := json.Marshal(merged)
	if err != nil {
		slog.Error("events: marshal envelope failed", "type", eventType, "error", err)
		return nil
	}
	return out
}

// Config controls subscriber queue sizing.
type Config struct {
	SendQueueSize int
}

func (c Config) withDefaults() Config {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	return c
}

// Hub fans typed domain events out to every connected app-socket subscriber.
type Hub struct {
	cfg Config

	mu   sync.RWMutex
	subs map[*AppSubscriber]struct{}
}

// New creates an empty Hub.
func New(cfg Config) *Hub {
	return &Hub{
		cfg:  cfg.withDefaults(),
		subs: make(map[*AppSubscriber]struct{}),
	}
}

// AppSubscriber is one connected app WebSocket. Publish delivers onto
// Send in order; a full queue causes the subscriber to be dropped so
// the hub's publisher is never blocked by a slow client.
type AppSubscriber struct {
	ID     string
	Send   chan []byte
	Closed chan struct{}

	closeOnce sync.Once
}

func (s *AppSubscriber) close() {
	s.closeOnce.Do(func() { close(s.Closed) })
}

// Subscribe registers a new app-socket subscriber.
func (h *Hub) Subscribe(id string) *AppSubscriber {
	sub := &AppSubscriber{
		ID:     id,
		Send:   make(chan []byte, h.cfg.SendQueueSize),
		Closed: make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber from the fan-out set.
func (h *Hub) Unsubscribe(sub *AppSubscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
	sub.close()
}

// SendTo delivers a single envelope to exactly one subscriber — used
// for the late-join sync replies, which are addressed, not broadcast.
func (h *Hub) SendTo(sub *AppSubscriber, eventType string, payload interface{}) {
	data := marshal(eventType, payload)
	if data == nil {
		return
	}
	select {
	case sub.Send <- data:
	default:
		h.Unsubscribe(sub)
	}
}

// broadcast fans an envelope out to every subscriber, dropping (and
// unsubscribing) any whose send queue is full.
func (h *Hub) broadcast(eventType string, payload interface{}) {
	data := marshal(eventType, payload)
	if data == nil {
		return
	}

	h.mu.RLock()
	targets := make([]*AppSubscriber, 0, len(h.subs))
	for sub := range h.subs {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.Send <- data:
		default:
			h.Unsubscribe(sub)
		}
	}
}

// Session events.

func (h *Hub) PublishSessionCreated(s store.Session) { h.broadcast("session-created", sessionView(s)) }
func (h *Hub) PublishSessionUpdated(s store.Session) { h.broadcast("session-updated", sessionView(s)) }
func (h *Hub) PublishSessionDeleted(id string) {
	h.broadcast("session-deleted", map[string]string{"id": id})
}
func (h *Hub) PublishSessionPaused(id string) {
	h.broadcast("session-paused", map[string]string{"id": id})
}
func (h *Hub) PublishSessionResumed(id string) {
	h.broadcast("session-resumed", map[string]string{"id": id})
}

// Worker events.

func (h *Hub) PublishWorkerCreated(w store.Worker) { h.broadcast("worker-created", workerView(w)) }
func (h *Hub) PublishWorkerUpdated(w store.Worker) { h.broadcast("worker-updated", workerView(w)) }
func (h *Hub) PublishWorkerExited(sessionID, workerID string, exitCode int, signaled bool) {
	h.broadcast("worker-exited", map[string]interface{}{
		"sessionId": sessionID, "workerId": workerID, "exitCode": exitCode, "signaled": signaled,
	})
}
func (h *Hub) PublishWorkerDeleted(sessionID, workerID string) {
	h.broadcast("worker-deleted", map[string]string{"sessionId": sessionID, "workerId": workerID})
}
func (h *Hub) PublishWorkerActivityState(sessionID, workerID string, state activity.State) {
	h.broadcast("worker-activity-state", map[string]interface{}{
		"sessionId": sessionID, "workerId": workerID, "state": string(state),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Repository events.

func (h *Hub) PublishRepositoryCreated(r store.Repository) {
	h.broadcast("repository-created", r)
}
func (h *Hub) PublishRepositoryUpdated(r store.Repository) {
	h.broadcast("repository-updated", r)
}
func (h *Hub) PublishRepositoryDeleted(id string) {
	h.broadcast("repository-deleted", map[string]string{"id": id})
}

// Agent events.

func (h *Hub) PublishAgentCreated(a store.AgentDefinition) { h.broadcast("agent-created", a) }
func (h *Hub) PublishAgentUpdated(a store.AgentDefinition) { h.broadcast("agent-updated", a) }
func (h *Hub) PublishAgentDeleted(id string) {
	h.broadcast("agent-deleted", map[string]string{"id": id})
}

// Worktree task events.

func (h *Hub) PublishWorktreeCreationCompleted(taskID string, wt store.WorktreeRecord) {
	h.broadcast("worktree-creation-completed", map[string]interface{}{"taskId": taskID, "worktree": wt})
}
func (h *Hub) PublishWorktreeCreationFailed(taskID, message string) {
	h.broadcast("worktree-creation-failed", map[string]string{"taskId": taskID, "message": message})
}
func (h *Hub) PublishWorktreeDeletionTask(taskID, phase, message string) {
	h.broadcast("worktree-deletion-task-"+phase, map[string]string{"taskId": taskID, "message": message})
}

// Job events.

func (h *Hub) PublishJobUpdated(j store.Job) { h.broadcast("job-updated", j) }

func sessionView(s store.Session) map[string]interface{} {
	return map[string]interface{}{
		"id": s.ID, "type": s.Type, "repositoryId": s.RepositoryID, "worktreeId": s.WorktreeID,
		"locationPath": s.LocationPath, "serverPid": s.ServerPID, "title": s.Title,
		"initialPrompt": s.InitialPrompt, "createdAt": s.CreatedAt, "updatedAt": s.UpdatedAt,
	}
}

func workerView(w store.Worker) map[string]interface{} {
	return map[string]interface{}{
		"id": w.ID, "sessionId": w.SessionID, "type": w.Type, "name": w.Name,
		"agentId": w.AgentID, "pid": w.PID, "baseCommit": w.BaseCommit,
		"createdAt": w.CreatedAt, "updatedAt": w.UpdatedAt,
	}
}
