// Package server implements the HTTP/WS Surface: a thin translation
// layer that validates requests and calls into the Session Manager,
// Worktree Service, and Job Queue, plus the two WebSocket protocols
// (app socket and per-worker socket) described in spec §4.I/§6.
//
// The route table and envelope helpers are grounded in the teacher's
// server/server.go (setupRoutes on http.ServeMux with Go 1.22+
// method+pattern routing) and server/routes.go (writeJSON/writeError),
// generalized from the teacher's devcontainer-exec surface to this
// system's session/worker/repository/worktree/job surface.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/agent-console/server/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("server: encode response failed", "error", err)
	}
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// writeError renders the uniform error envelope (§7) and maps the
// error's Kind to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case apperr.Validation:
		status = http.StatusBadRequest
	case apperr.NotFound:
		status = http.StatusNotFound
	case apperr.Conflict:
		status = http.StatusConflict
	case apperr.Unauthorized:
		status = http.StatusUnauthorized
	case apperr.Internal:
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		slog.Error("server: internal error", "error", err)
	}
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"kind":    string(kind),
			"message": err.Error(),
		},
	})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperr.Wrap(apperr.Validation, "decode request body", err)
	}
	return nil
}
