package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/agent-console/server/internal/config"
	"github.com/agent-console/server/internal/events"
	"github.com/agent-console/server/internal/jobqueue"
	"github.com/agent-console/server/internal/sessions"
	"github.com/agent-console/server/internal/store"
	"github.com/agent-console/server/internal/workers"
	"github.com/agent-console/server/internal/worktrees"
)

// Server owns the HTTP/WS surface and its route table.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	sessions   *sessions.Manager
	registry   *workers.Registry
	worktrees  *worktrees.Service
	queue      *jobqueue.Queue
	hub        *events.Hub
	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// Deps wires the Server's collaborators; all fields are required.
type Deps struct {
	Config    *config.Config
	Store     *store.Store
	Sessions  *sessions.Manager
	Registry  *workers.Registry
	Worktrees *worktrees.Service
	Queue     *jobqueue.Queue
	Hub       *events.Hub
}

// New builds a Server with its route table installed but not yet listening.
func New(d Deps) *Server {
	s := &Server{
		cfg:       d.Config,
		store:     d.Store,
		sessions:  d.Sessions,
		registry:  d.Registry,
		worktrees: d.Worktrees,
		queue:     d.Queue,
		hub:       d.Hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  d.Config.WSReadBufferSize,
			WriteBufferSize: d.Config.WSWriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return isOriginAllowed(r, d.Config.AllowedOrigins) },
		},
	}

	mux := http.NewServeMux()
	s.routes(mux)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", d.Config.Host, d.Config.Port),
		Handler:     corsMiddleware(mux, d.Config.AllowedOrigins),
		ReadTimeout: d.Config.HTTPReadTimeout,
		IdleTimeout: d.Config.HTTPIdleTimeout,
		// WriteTimeout is deliberately left at zero: worker WebSocket
		// connections are long-lived hijacked HTTP connections, and a
		// nonzero WriteTimeout here would periodically sever them.
	}
	return s
}

// ListenAndServe starts the HTTP server. It blocks until Shutdown is
// called or the listener fails.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/config", s.handleGetConfig)

	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/validate", s.handleValidateSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleUpdateSession)
	mux.HandleFunc("DELETE /api/sessions/{id}/invalid", s.handleForceDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/pause", s.handlePauseSession)
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.handleResumeSession)
	mux.HandleFunc("POST /api/sessions/{id}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /api/sessions/{id}/workers", s.handleListWorkers)
	mux.HandleFunc("POST /api/sessions/{id}/workers", s.handleCreateWorker)
	mux.HandleFunc("DELETE /api/sessions/{id}/workers/{wid}", s.handleDeleteWorker)
	mux.HandleFunc("POST /api/sessions/{id}/workers/{wid}/restart", s.handleRestartWorker)
	mux.HandleFunc("GET /api/sessions/{id}/workers/{wid}/output", s.handleWorkerOutput)
	mux.HandleFunc("GET /api/sessions/{id}/workers/{wid}/diff", s.handleWorkerDiff)
	mux.HandleFunc("GET /api/sessions/{id}/workers/{wid}/diff/{file...}", s.handleWorkerDiffFile)
	mux.HandleFunc("GET /api/sessions/{id}/branches", s.handleSessionBranches)
	mux.HandleFunc("GET /api/sessions/{id}/commits", s.handleSessionCommits)
	mux.HandleFunc("GET /api/sessions/{id}/pr-link", s.handleSessionPRLink)

	mux.HandleFunc("GET /api/repositories", s.handleListRepositories)
	mux.HandleFunc("POST /api/repositories", s.handleCreateRepository)
	mux.HandleFunc("GET /api/repositories/{id}", s.handleGetRepository)
	mux.HandleFunc("PATCH /api/repositories/{id}", s.handleUpdateRepository)
	mux.HandleFunc("DELETE /api/repositories/{id}", s.handleDeleteRepository)
	mux.HandleFunc("GET /api/repositories/{id}/worktrees", s.handleListWorktrees)
	mux.HandleFunc("POST /api/repositories/{id}/worktrees", s.handleCreateWorktree)
	mux.HandleFunc("DELETE /api/repositories/{id}/worktrees", s.handleRemoveWorktree)
	mux.HandleFunc("GET /api/repositories/{id}/branches", s.handleRepositoryBranches)
	mux.HandleFunc("POST /api/repositories/{id}/refresh-default-branch", s.handleRefreshDefaultBranch)
	mux.HandleFunc("POST /api/repositories/{id}/fetch", s.handleFetchRepository)
	mux.HandleFunc("GET /api/repositories/{id}/slack", s.handleGetSlackIntegration)
	mux.HandleFunc("POST /api/repositories/{id}/slack/test", s.handleTestSlackIntegration)
	mux.HandleFunc("POST /api/repositories/{id}/github-issue", s.handleCreateGithubIssue)

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PATCH /api/agents/{id}", s.handleUpdateAgent)
	mux.HandleFunc("DELETE /api/agents/{id}", s.handleDeleteAgent)

	mux.HandleFunc("GET /api/jobs", s.handleListJobs)
	mux.HandleFunc("GET /api/jobs/stats", s.handleJobStats)
	mux.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /api/jobs/{id}/retry", s.handleRetryJob)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", s.handleCancelJob)

	mux.HandleFunc("POST /api/system/open", s.handleSystemOpen)
	mux.HandleFunc("POST /api/system/open-in-vscode", s.handleSystemOpenVSCode)

	mux.HandleFunc("POST /api/webhooks/github", s.handleGithubWebhook)

	mux.HandleFunc("GET /ws", s.handleAppWS)
	mux.HandleFunc("GET /ws/sessions/{sid}/workers/{wid}", s.handleWorkerWS)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"homeDir":      s.cfg.ConfigRoot,
		"capabilities": []string{"sessions", "workers", "worktrees", "jobs", "websocket"},
		"serverPid":    os.Getpid(),
	})
}

// isOriginAllowed checks a request Origin header against a list of
// patterns, each of which may use a single trailing "*" wildcard
// (e.g. "http://localhost:*").
func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients (no Origin header) are allowed
	}
	for _, pattern := range allowed {
		if matchWildcardOrigin(pattern, origin) {
			return true
		}
	}
	return false
}

func matchWildcardOrigin(pattern, origin string) bool {
	if pattern == "*" {
		return true
	}
	if idx := strings.Index(pattern, "*"); idx >= 0 {
		prefix := pattern[:idx]
		suffix := pattern[idx+1:]
		return strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix)
	}
	return pattern == origin
}

func corsMiddleware(next http.Handler, allowed []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isOriginAllowed(r, allowed) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
