package server

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/agent-console/server/internal/apperr"
	"github.com/agent-console/server/internal/store"
	"github.com/agent-console/server/internal/worktrees"
)

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListRepositories()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repositories": list})
}

type createRepositoryRequest struct {
	Name           string `json:"name"`
	Path           string `json:"path"`
	SetupCommand   string `json:"setupCommand"`
	CleanupCommand string `json:"cleanupCommand"`
	EnvVars        string `json:"envVars"`
	Description    string `json:"description"`
	DefaultAgentID string `json:"defaultAgentId"`
	DefaultBranch  string `json:"defaultBranch"`
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request) {
	var req createRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" || req.Name == "" {
		writeError(w, apperr.New(apperr.Validation, "name and path are required"))
		return
	}
	if info, err := os.Stat(filepath.Join(req.Path, ".git")); err != nil || !info.IsDir() {
		writeError(w, apperr.New(apperr.Validation, "path is not a git checkout"))
		return
	}

	repo, err := s.store.CreateRepository(store.Repository{
		Name: req.Name, Path: req.Path, SetupCommand: req.SetupCommand,
		CleanupCommand: req.CleanupCommand, EnvVars: req.EnvVars, Description: req.Description,
		DefaultAgentID: req.DefaultAgentID, DefaultBranch: req.DefaultBranch,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.PublishRepositoryCreated(repo)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"repository": repo})
}

func (s *Server) handleGetRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repository": repo})
}

func (s *Server) handleUpdateRepository(w http.ResponseWriter, r *http.Request) {
	var req createRepositoryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.store.UpdateRepository(r.PathValue("id"), func(rec *store.Repository) {
		if req.Name != "" {
			rec.Name = req.Name
		}
		if req.SetupCommand != "" {
			rec.SetupCommand = req.SetupCommand
		}
		if req.CleanupCommand != "" {
			rec.CleanupCommand = req.CleanupCommand
		}
		if req.EnvVars != "" {
			rec.EnvVars = req.EnvVars
		}
		if req.Description != "" {
			rec.Description = req.Description
		}
		if req.DefaultAgentID != "" {
			rec.DefaultAgentID = req.DefaultAgentID
		}
		if req.DefaultBranch != "" {
			rec.DefaultBranch = req.DefaultBranch
		}
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.PublishRepositoryUpdated(repo)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repository": repo})
}

// handleDeleteRepository refuses deletion (conflict) while any session
// still references the repository, removes the row, then enqueues a
// best-effort cleanup job for the repository's managed worktrees
// directory under the config root.
func (s *Server) handleDeleteRepository(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	using, err := s.sessions.GetSessionsUsingRepository(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(using) > 0 {
		writeError(w, apperr.New(apperr.Conflict, "repository is referenced by existing sessions"))
		return
	}
	repo, err := s.store.GetRepository(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.DeleteRepository(id); err != nil {
		writeError(w, err)
		return
	}
	if s.queue != nil {
		dir := filepath.Join(s.store.Root(), "repositories", worktrees.RepositorySlug(repo.Path, repo.Name), "worktrees")
		if _, err := s.queue.Enqueue("cleanup_repository_directory", map[string]string{"path": dir}, jobqueueOptionsLowPriority()); err != nil {
			writeError(w, apperr.Wrap(apperr.Internal, "enqueue repository cleanup", err))
			return
		}
	}
	if s.hub != nil {
		s.hub.PublishRepositoryDeleted(id)
	}
	writeSuccess(w)
}

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	list, err := s.worktrees.ListWorktrees(repo)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"worktrees": list})
}

type createWorktreeRequest struct {
	BranchMode    string `json:"branchMode"`
	Branch        string `json:"branch"`
	InitialPrompt string `json:"initialPrompt"`
	UseRemote     bool   `json:"useRemote"`
	TaskID        string `json:"taskId"`
}

// handleCreateWorktree accepts the request, enqueues a durable
// worktree-create job carrying the caller-supplied taskId, and returns
// 202 Accepted immediately; the result is broadcast on the Event Hub
// when the job runs.
func (s *Server) handleCreateWorktree(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("id")
	var req createWorktreeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TaskID == "" {
		writeError(w, apperr.New(apperr.Validation, "taskId is required"))
		return
	}
	if _, err := s.store.GetRepository(repoID); err != nil {
		writeError(w, err)
		return
	}
	if s.queue == nil {
		writeError(w, apperr.New(apperr.Internal, "job queue unavailable"))
		return
	}
	if _, err := s.queue.Enqueue("worktree_create", map[string]interface{}{
		"repositoryId":  repoID,
		"branchMode":    req.BranchMode,
		"branch":        req.Branch,
		"initialPrompt": req.InitialPrompt,
		"useRemote":     req.UseRemote,
		"taskId":        req.TaskID,
	}, jobqueueOptionsDefault()); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "enqueue worktree creation", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true, "taskId": req.TaskID})
}

type removeWorktreeRequest struct {
	Path   string `json:"path"`
	Force  bool   `json:"force"`
	TaskID string `json:"taskId"`
}

func (s *Server) handleRemoveWorktree(w http.ResponseWriter, r *http.Request) {
	repoID := r.PathValue("id")
	var req removeWorktreeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Path == "" || req.TaskID == "" {
		writeError(w, apperr.New(apperr.Validation, "path and taskId are required"))
		return
	}
	if _, err := s.store.GetRepository(repoID); err != nil {
		writeError(w, err)
		return
	}
	if s.queue == nil {
		writeError(w, apperr.New(apperr.Internal, "job queue unavailable"))
		return
	}
	if _, err := s.queue.Enqueue("worktree_delete", map[string]interface{}{
		"repositoryId": repoID, "path": req.Path, "force": req.Force, "taskId": req.TaskID,
	}, jobqueueOptionsDefault()); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "enqueue worktree deletion", err))
		return
	}
	if s.hub != nil {
		s.hub.PublishWorktreeDeletionTask(req.TaskID, "created", "")
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"accepted": true, "taskId": req.TaskID})
}

func (s *Server) handleRepositoryBranches(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	branches, err := gitBranches(repo.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"branches": branches})
}

func (s *Server) handleRefreshDefaultBranch(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	branch, err := gitRemoteDefaultBranch(repo.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	updated, err := s.store.UpdateRepository(repo.ID, func(rec *store.Repository) { rec.DefaultBranch = branch })
	if err != nil {
		writeError(w, err)
		return
	}
	if s.hub != nil {
		s.hub.PublishRepositoryUpdated(updated)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"repository": updated})
}

func (s *Server) handleFetchRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := gitFetch(repo.Path); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Server) handleGetSlackIntegration(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.GetRepository(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"configured": s.cfg.SlackWebhookURL != ""})
}

func (s *Server) handleTestSlackIntegration(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if s.cfg.SlackWebhookURL == "" {
		writeError(w, apperr.New(apperr.Validation, "no Slack webhook configured"))
		return
	}
	if s.queue == nil {
		writeError(w, apperr.New(apperr.Internal, "job queue unavailable"))
		return
	}
	if _, err := s.queue.Enqueue("slack_notify", map[string]string{
		"webhookUrl": s.cfg.SlackWebhookURL,
		"text":       "Test notification for repository " + repo.Name,
	}, jobqueueOptionsDefault()); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "enqueue slack test notification", err))
		return
	}
	writeSuccess(w)
}

type githubIssueRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

func (s *Server) handleCreateGithubIssue(w http.ResponseWriter, r *http.Request) {
	repo, err := s.store.GetRepository(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req githubIssueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Title == "" {
		writeError(w, apperr.New(apperr.Validation, "title is required"))
		return
	}
	if s.queue == nil {
		writeError(w, apperr.New(apperr.Internal, "job queue unavailable"))
		return
	}
	if _, err := s.queue.Enqueue("github_issue_create", map[string]string{
		"repositoryId": repo.ID, "title": req.Title, "body": req.Body,
	}, jobqueueOptionsDefault()); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "enqueue github issue creation", err))
		return
	}
	writeSuccess(w)
}

// gitRemoteDefaultBranch asks origin which branch its HEAD symref points
// at, falling back to "main" if origin doesn't answer.
func gitRemoteDefaultBranch(dir string) (string, error) {
	out, err := runGitOutput(dir, "remote", "show", "origin")
	if err != nil {
		return "main", nil
	}
	branch := parseHeadBranch(out)
	if branch == "" {
		return "main", nil
	}
	return branch, nil
}

func gitFetch(dir string) error {
	if _, err := runGitOutput(dir, "fetch", "--all"); err != nil {
		return apperr.Wrap(apperr.Internal, "git fetch failed", err)
	}
	return nil
}
