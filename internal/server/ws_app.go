package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-console/server/internal/events"
)

// appClientMessage is the shape of every message a connected app socket
// can send; only "request-sync" is currently defined.
type appClientMessage struct {
	Type string `json:"type"`
}

// handleAppWS upgrades to the app WebSocket, subscribes it to the Event
// Hub, and serves the late-join sync protocol (§4.I): a client that
// sends request-sync receives sessions-sync, agents-sync, and
// repositories-sync, in any order, before incremental events resume.
func (s *Server) handleAppWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("server: app websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(uuid.NewString())
	defer s.hub.Unsubscribe(sub)

	done := make(chan struct{})
	go s.appWriterLoop(conn, sub, done)
	s.appReaderLoop(conn, sub)
	close(done)
}

func (s *Server) appWriterLoop(conn *websocket.Conn, sub *events.AppSubscriber, done chan struct{}) {
	for {
		select {
		case data, ok := <-sub.Send:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-sub.Closed:
			return
		case <-done:
			return
		}
	}
}

func (s *Server) appReaderLoop(conn *websocket.Conn, sub *events.AppSubscriber) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg appClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "request-sync":
			s.sendLateJoinSync(sub)
		}
	}
}

// workerSyncView is the per-worker slice of the sessions-sync payload:
// identity plus whatever activity state the live registry currently
// reports (absent for non-agent workers or workers not attached).
type workerSyncView struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Name     string `json:"name"`
	PID      int    `json:"pid"`
	Activity string `json:"activityState,omitempty"`
}

// sendLateJoinSync answers request-sync with the authoritative
// snapshot: every session (with its workers' current activity state),
// every agent definition, and every repository.
func (s *Server) sendLateJoinSync(sub *events.AppSubscriber) {
	sessionList, err := s.sessions.GetAllSessions()
	if err != nil {
		slog.Error("server: load sessions for sync failed", "error", err)
		sessionList = nil
	}
	sessionsPayload := make([]map[string]interface{}, 0, len(sessionList))
	for _, sess := range sessionList {
		workerRows, err := s.store.ListWorkersForSession(sess.ID)
		if err != nil {
			continue
		}
		workerViews := make([]workerSyncView, 0, len(workerRows))
		for _, wr := range workerRows {
			v := workerSyncView{ID: wr.ID, Type: string(wr.Type), Name: wr.Name, PID: wr.PID}
			if state, ok := s.registry.GetActivityState(sess.ID, wr.ID); ok {
				v.Activity = string(state)
			}
			workerViews = append(workerViews, v)
		}
		sessionsPayload = append(sessionsPayload, map[string]interface{}{
			"id": sess.ID, "type": sess.Type, "title": sess.Title, "locationPath": sess.LocationPath,
			"repositoryId": sess.RepositoryID, "worktreeId": sess.WorktreeID, "serverPid": sess.ServerPID,
			"workers": workerViews,
		})
	}
	s.hub.SendTo(sub, "sessions-sync", map[string]interface{}{"sessions": sessionsPayload})

	agents, err := s.store.ListAgentDefinitions()
	if err != nil {
		agents = nil
	}
	s.hub.SendTo(sub, "agents-sync", map[string]interface{}{"agents": agents})

	repos, err := s.store.ListRepositories()
	if err != nil {
		repos = nil
	}
	s.hub.SendTo(sub, "repositories-sync", map[string]interface{}{"repositories": repos})
}
