package server

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/agent-console/server/internal/apperr"
	"github.com/agent-console/server/internal/sessions"
	"github.com/agent-console/server/internal/store"
	"github.com/agent-console/server/internal/workers"
)

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	list, err := s.sessions.GetAllSessions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

func (s *Server) handleValidateSessions(w http.ResponseWriter, r *http.Request) {
	invalid, err := s.sessions.ValidateAllSessions()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"invalidSessions": invalid})
}

type createSessionRequest struct {
	Type          string `json:"type"`
	RepositoryID  string `json:"repositoryId"`
	WorktreeID    string `json:"worktreeId"`
	LocationPath  string `json:"locationPath"`
	Title         string `json:"title"`
	InitialPrompt string `json:"initialPrompt"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	typ := store.SessionTypeQuick
	if req.Type != "" {
		typ = store.SessionType(req.Type)
	}
	sess, err := s.sessions.CreateSession(sessions.CreateRequest{
		Type:          typ,
		RepositoryID:  req.RepositoryID,
		WorktreeID:    req.WorktreeID,
		LocationPath:  req.LocationPath,
		Title:         req.Title,
		InitialPrompt: req.InitialPrompt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"session": sess})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.DeleteSession(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) handleForceDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ForceDeleteSession(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

type updateSessionRequest struct {
	Title  *string `json:"title"`
	Branch *string `json:"branch"`
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var req updateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.sessions.UpdateSessionMetadata(r.PathValue("id"), sessions.MetadataUpdate{
		Title:  req.Title,
		Branch: req.Branch,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

func (s *Server) handlePauseSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.PauseSession(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.ResumeSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"session": sess})
}

// handlePostMessage forwards a text prompt, plus any uploaded files'
// saved paths, as PTY input to the session's agent worker. Uploads are
// written under <config_root>/uploads and capped by MAX_MESSAGE_FILES
// and MAX_TOTAL_FILE_SIZE.
func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	sess, err := s.sessions.GetSession(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := r.ParseMultipartForm(s.cfg.MaxTotalFileSize); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "parse multipart form", err))
		return
	}
	text := r.FormValue("text")
	workerID := r.FormValue("workerId")

	var savedPaths []string
	if r.MultipartForm != nil {
		files := r.MultipartForm.File["files"]
		if len(files) > s.cfg.MaxMessageFiles {
			writeError(w, apperr.Newf(apperr.Validation, "too many files: max %d", s.cfg.MaxMessageFiles))
			return
		}
		var total int64
		for _, fh := range files {
			total += fh.Size
		}
		if total > s.cfg.MaxTotalFileSize {
			writeError(w, apperr.Newf(apperr.Validation, "uploads exceed max total size %d bytes", s.cfg.MaxTotalFileSize))
			return
		}
		uploadsDir := filepath.Join(s.cfg.ConfigRoot, "uploads")
		if err := os.MkdirAll(uploadsDir, 0o755); err != nil {
			writeError(w, apperr.Wrap(apperr.Internal, "create uploads dir", err))
			return
		}
		for _, fh := range files {
			p, err := saveUpload(uploadsDir, fh)
			if err != nil {
				writeError(w, err)
				return
			}
			savedPaths = append(savedPaths, p)
		}
	}

	if workerID == "" {
		workerRows, err := s.store.ListWorkersForSession(sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, wr := range workerRows {
			if wr.Type == store.WorkerTypeAgent {
				workerID = wr.ID
				break
			}
		}
	}
	if workerID == "" {
		writeError(w, apperr.New(apperr.Validation, "session has no agent worker to message"))
		return
	}

	input := text
	for _, p := range savedPaths {
		input += "\n" + p
	}
	if err := s.registry.WriteInput(sess.ID, workerID, []byte(input+"\r")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "files": savedPaths})
}

func saveUpload(dir string, fh *multipart.FileHeader) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", apperr.Wrap(apperr.Validation, "open uploaded file", err)
	}
	defer src.Close()

	dest := filepath.Join(dir, filepath.Base(fh.Filename))
	out, err := os.Create(dest)
	if err != nil {
		return "", apperr.Wrap(apperr.Internal, "create upload destination", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, src); err != nil {
		return "", apperr.Wrap(apperr.Internal, "write uploaded file", err)
	}
	return dest, nil
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListWorkersForSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": list})
}

type createWorkerRequest struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	AgentID  string `json:"agentId"`
	Prompt   string `json:"prompt"`
	Continue bool   `json:"continue"`
}

func (s *Server) handleCreateWorker(w http.ResponseWriter, r *http.Request) {
	var req createWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	worker, err := s.sessions.CreateWorker(r.PathValue("id"), workers.CreateRequest{
		Type:     store.WorkerType(req.Type),
		Name:     req.Name,
		AgentID:  req.AgentID,
		Prompt:   req.Prompt,
		Continue: req.Continue,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"worker": worker})
}

func (s *Server) handleDeleteWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteWorker(r.PathValue("id"), r.PathValue("wid")); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

type restartWorkerRequest struct {
	Continue bool   `json:"continue"`
	Prompt   string `json:"prompt"`
}

func (s *Server) handleRestartWorker(w http.ResponseWriter, r *http.Request) {
	var req restartWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	worker, err := s.sessions.RestartAgentWorker(r.PathValue("id"), r.PathValue("wid"), req.Continue, req.Prompt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"worker": worker})
}

func (s *Server) handleWorkerDiff(w http.ResponseWriter, r *http.Request) {
	sess, worker, err := s.sessionAndWorker(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if worker.Type != store.WorkerTypeGitDiff {
		writeError(w, apperr.New(apperr.Validation, "worker is not a git-diff worker"))
		return
	}
	files, err := gitDiffFiles(sess.LocationPath, worker.BaseCommit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"files": files})
}

func (s *Server) handleWorkerDiffFile(w http.ResponseWriter, r *http.Request) {
	sess, worker, err := s.sessionAndWorker(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if worker.Type != store.WorkerTypeGitDiff {
		writeError(w, apperr.New(apperr.Validation, "worker is not a git-diff worker"))
		return
	}
	diff, err := gitDiffOneFile(sess.LocationPath, worker.BaseCommit, r.PathValue("file"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"diff": diff})
}

// handleWorkerOutput serves a worker's durable output log to polling
// clients that don't hold a WebSocket connection: ?tailLines=N for the
// last N lines, ?fromOffset=N for everything since that byte offset,
// or, with neither, just the log's current write offset.
func (s *Server) handleWorkerOutput(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	workerID := r.PathValue("wid")
	if _, _, err := s.sessionAndWorker(r); err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("tailLines"):
		n, convErr := strconv.Atoi(q.Get("tailLines"))
		if convErr != nil || n <= 0 {
			writeError(w, apperr.New(apperr.Validation, "tailLines must be a positive integer"))
			return
		}
		data, err := s.registry.ReadTail(sessionID, workerID, n)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": string(data)})

	case q.Has("fromOffset"):
		from, convErr := strconv.ParseInt(q.Get("fromOffset"), 10, 64)
		if convErr != nil || from < 0 {
			writeError(w, apperr.New(apperr.Validation, "fromOffset must be a non-negative integer"))
			return
		}
		data, offset, err := s.registry.ReadHistory(sessionID, workerID, from)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"data": string(data), "offset": offset})

	default:
		offset, err := s.registry.CurrentOutputOffset(sessionID, workerID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"offset": offset})
	}
}

func (s *Server) sessionAndWorker(r *http.Request) (store.Session, store.Worker, error) {
	sess, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		return store.Session{}, store.Worker{}, err
	}
	worker, err := s.store.GetWorker(r.PathValue("wid"))
	if err != nil {
		return store.Session{}, store.Worker{}, err
	}
	return sess, worker, nil
}

func (s *Server) handleSessionBranches(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	branches, err := gitBranches(sess.LocationPath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"branches": branches})
}

func (s *Server) handleSessionCommits(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	base := r.URL.Query().Get("base")
	commits, err := gitCommits(sess.LocationPath, base)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commits": commits})
}

func (s *Server) handleSessionPRLink(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	branch, err := gitCurrentBranch(sess.LocationPath)
	if err != nil {
		writeError(w, err)
		return
	}
	base := "main"
	if sess.RepositoryID != "" {
		if repo, err := s.store.GetRepository(sess.RepositoryID); err == nil && repo.DefaultBranch != "" {
			base = repo.DefaultBranch
		}
	}
	link, err := buildPRLink(sess.LocationPath, branch, base)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"url": link})
}
