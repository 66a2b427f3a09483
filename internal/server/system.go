package server

import (
	"net/http"
	"os/exec"
	"runtime"

	"github.com/agent-console/server/internal/apperr"
)

type openPathRequest struct {
	Path string `json:"path"`
}

// handleSystemOpen reveals a path in the host OS's file manager (Finder,
// Explorer, or a freedesktop file manager via xdg-open).
func (s *Server) handleSystemOpen(w http.ResponseWriter, r *http.Request) {
	var req openPathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" {
		writeError(w, apperr.New(apperr.Validation, "path is required"))
		return
	}
	if err := openInFileManager(req.Path); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "open path failed", err))
		return
	}
	writeSuccess(w)
}

// handleSystemOpenVSCode shells out to the `code` CLI to open a path in
// Visual Studio Code.
func (s *Server) handleSystemOpenVSCode(w http.ResponseWriter, r *http.Request) {
	var req openPathRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" {
		writeError(w, apperr.New(apperr.Validation, "path is required"))
		return
	}
	if err := exec.Command("code", req.Path).Start(); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "launch vscode failed", err))
		return
	}
	writeSuccess(w)
}

func openInFileManager(path string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", path).Start()
	case "windows":
		return exec.Command("explorer", path).Start()
	default:
		return exec.Command("xdg-open", path).Start()
	}
}
