// Command agent-console runs the local multi-tenant orchestration
// server: it wires the Store, Output Log, Job Queue, Activity
// Detector, Worker Registry, Session Manager, Worktree Service, and
// Event Hub together, registers the background job handlers, recovers
// adoptable sessions left over from a prior process, and serves the
// HTTP/WS surface until a shutdown signal arrives.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/agent-console/server/internal/activity"
	"github.com/agent-console/server/internal/apperr"
	"github.com/agent-console/server/internal/config"
	"github.com/agent-console/server/internal/events"
	"github.com/agent-console/server/internal/jobqueue"
	"github.com/agent-console/server/internal/logging"
	"github.com/agent-console/server/internal/outputlog"
	"github.com/agent-console/server/internal/server"
	"github.com/agent-console/server/internal/sessions"
	"github.com/agent-console/server/internal/store"
	"github.com/agent-console/server/internal/workers"
	"github.com/agent-console/server/internal/worktrees"
)

func main() {
	logging.Setup()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config: load failed", "error", err)
		os.Exit(1)
	}

	if err := ensureConfigRootLayout(cfg.ConfigRoot); err != nil {
		slog.Error("config: could not prepare config root", "root", cfg.ConfigRoot, "error", err)
		os.Exit(1)
	}

	st, err := store.Open(cfg.ConfigRoot)
	if err != nil {
		slog.Error("store: open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	hub := events.New(events.Config{SendQueueSize: cfg.WSSendQueueSize})

	output := outputlog.New(outputlog.Config{
		Root:           cfg.ConfigRoot,
		FlushThreshold: cfg.OutputFlushThreshold,
		FlushInterval:  cfg.OutputFlushInterval,
		FileMaxSize:    cfg.OutputFileMaxSize,
		TruncateRatio:  cfg.OutputTruncateRatio,
	})

	queue := jobqueue.New(st, jobqueue.Config{
		Concurrency:        cfg.JobConcurrency,
		BackoffBase:        cfg.JobBackoffBase,
		BackoffCap:         cfg.JobBackoffCap,
		PollInterval:       cfg.JobPollInterval,
		DefaultMaxAttempts: cfg.JobDefaultMaxTry,
	})
	queue.OnJobUpdated(hub.PublishJobUpdated)

	registry := workers.New(workers.Config{
		Store:  st,
		Output: output,
		Queue:  queue,
		Hub:    hub,
		Activity: activity.Config{
			TailWindow:   cfg.ActivityTailWindow,
			IdleTimeout:  cfg.ActivityIdleTimeout,
			ActiveWindow: cfg.ActivityWindow,
		},
		DefaultShell: cfg.DefaultShell,
		DefaultRows:  cfg.DefaultRows,
		DefaultCols:  cfg.DefaultCols,
		KillGrace:    cfg.KillGrace,
	})

	sessionMgr := sessions.New(sessions.Config{
		Store:    st,
		Registry: registry,
		Output:   output,
		Queue:    queue,
		Hub:      hub,
	})

	worktreeSvc := worktrees.New(st, hub, suggestBranchName(cfg))

	registerJobHandlers(queue, st, worktreeSvc, output, cfg)

	if err := queue.Start(); err != nil {
		slog.Error("jobqueue: start failed", "error", err)
		os.Exit(1)
	}
	defer queue.Stop()

	if err := sessionMgr.RecoverOnStartup(); err != nil {
		slog.Error("sessions: startup recovery failed", "error", err)
	}

	srv := server.New(server.Deps{
		Config:    cfg,
		Store:     st,
		Sessions:  sessionMgr,
		Registry:  registry,
		Worktrees: worktreeSvc,
		Queue:     queue,
		Hub:       hub,
	})

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server: listening", "host", cfg.Host, "port", cfg.Port, "configRoot", cfg.ConfigRoot, "pid", os.Getpid())
		if err := srv.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		slog.Error("server: listen failed", "error", err)
		os.Exit(1)
	case sig := <-sigCh:
		slog.Info("server: received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server: graceful shutdown failed", "error", err)
	}
}

// ensureConfigRootLayout creates the config root and the fixed
// subdirectories the rest of the system assumes exist: outputs/ (the
// Output Log's file tree root), repositories/ (managed worktree
// checkouts), and uploads/ (transient message-attachment staging).
func ensureConfigRootLayout(root string) error {
	for _, dir := range []string{root, filepath.Join(root, "outputs"), filepath.Join(root, "repositories"), filepath.Join(root, "uploads")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// suggestBranchName is the worktree service's branch-mode "prompt"
// collaborator (§4.H): an external metadata-suggester out of scope per
// spec.md §1. Left nil (no suggester wired), CreateWorktree's
// documented fallback to task-<epoch_ms> applies unconditionally,
// which is exactly the behavior this binary has without a configured
// suggestion endpoint.
func suggestBranchName(cfg *config.Config) worktrees.SuggestBranchName {
	return nil
}

// registerJobHandlers wires the durable job types enqueued by the HTTP
// surface, Session Manager, and Worker Registry onto the Job Queue.
// Handlers never propagate errors to an API caller (§7): a returned
// error here only drives the job's own retry/stall bookkeeping.
func registerJobHandlers(queue *jobqueue.Queue, st *store.Store, wt *worktrees.Service, output *outputlog.Log, cfg *config.Config) {
	queue.RegisterHandler("cleanup_session_output", handleCleanupSessionOutput(output))
	queue.RegisterHandler("cleanup_worker_output", handleCleanupWorkerOutput(output))
	queue.RegisterHandler("cleanup_repository_directory", handleCleanupRepositoryDirectory())
	queue.RegisterHandler("worktree_create", handleWorktreeCreate(st, wt))
	queue.RegisterHandler("worktree_delete", handleWorktreeDelete(st, wt))
	queue.RegisterHandler("inbound_webhook", handleInboundWebhook(st))
	queue.RegisterHandler("slack_notify", handleSlackNotify(cfg))
	queue.RegisterHandler("github_issue_create", handleGithubIssueCreate(st, cfg))
}

type sessionOutputPayload struct {
	SessionID string `json:"sessionId"`
}

func handleCleanupSessionOutput(output *outputlog.Log) jobqueue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p sessionOutputPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return output.DeleteSession(p.SessionID)
	}
}

type workerOutputPayload struct {
	SessionID string `json:"sessionId"`
	WorkerID  string `json:"workerId"`
}

func handleCleanupWorkerOutput(output *outputlog.Log) jobqueue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p workerOutputPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return output.DeleteWorker(p.SessionID, p.WorkerID)
	}
}

type repositoryDirectoryPayload struct {
	Path string `json:"path"`
}

// handleCleanupRepositoryDirectory removes a deleted repository's
// managed worktrees root under the config root (not the user's git
// checkout itself, which the system never owns). It tolerates the
// directory already being gone.
func handleCleanupRepositoryDirectory() jobqueue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p repositoryDirectoryPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if p.Path == "" {
			return nil
		}
		if err := os.RemoveAll(p.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove repository directory: %w", err)
		}
		return nil
	}
}

type worktreeCreatePayload struct {
	RepositoryID  string `json:"repositoryId"`
	BranchMode    string `json:"branchMode"`
	Branch        string `json:"branch"`
	InitialPrompt string `json:"initialPrompt"`
	UseRemote     bool   `json:"useRemote"`
	TaskID        string `json:"taskId"`
}

// handleWorktreeCreate runs the durable worktree-creation request
// enqueued by POST /api/repositories/:id/worktrees. The Worktree
// Service itself publishes worktree-creation-completed on success;
// this handler's only additional job is translating a failure into
// the matching worktree-creation-failed broadcast, since the HTTP
// handler already returned 202 and has no caller left to report to.
func handleWorktreeCreate(st *store.Store, wt *worktrees.Service) jobqueue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p worktreeCreatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		repo, err := st.GetRepository(p.RepositoryID)
		if err != nil {
			wt.PublishCreationFailed(p.TaskID, err.Error())
			return err
		}
		slug := repositorySlugForJob(repo)
		_, err = wt.CreateWorktree(repo, st.Root(), slug, worktrees.CreateRequest{
			BranchMode:    worktrees.BranchMode(p.BranchMode),
			Branch:        p.Branch,
			InitialPrompt: p.InitialPrompt,
			UseRemote:     p.UseRemote,
		}, p.TaskID)
		if err != nil {
			wt.PublishCreationFailed(p.TaskID, err.Error())
			return err
		}
		return nil
	}
}

type worktreeDeletePayload struct {
	RepositoryID string `json:"repositoryId"`
	Path         string `json:"path"`
	Force        bool   `json:"force"`
	TaskID       string `json:"taskId"`
}

func handleWorktreeDelete(st *store.Store, wt *worktrees.Service) jobqueue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p worktreeDeletePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		repo, err := st.GetRepository(p.RepositoryID)
		if err != nil {
			return err
		}
		return wt.RemoveWorktree(repo, p.Path, p.Force, p.TaskID)
	}
}

func repositorySlugForJob(repo store.Repository) string {
	return worktrees.RepositorySlug(repo.Path, repo.Name)
}

type inboundWebhookPayload struct {
	JobID     string `json:"jobId"`
	HandlerID string `json:"handlerId"`
	Event     string `json:"event"`
	Delivery  string `json:"delivery"`
	Body      string `json:"body"`
}

// handleInboundWebhook enforces the (job_id, session_id, worker_id,
// handler_id) idempotency tuple from §3/§4.A before doing anything
// else, then logs the delivery. The concrete GitHub event semantics
// (issue comments, PR reviews, etc.) are out of scope per spec.md §1 —
// this system only guarantees each delivery is durably recorded and
// processed at most once.
func handleInboundWebhook(st *store.Store) jobqueue.Handler {
	return func(ctx context.Context, payload json.RawMessage) error {
		var p inboundWebhookPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		exists, err := st.InboundEventExists(p.JobID, "", "", p.HandlerID)
		if err != nil {
			return err
		}
		if exists {
			slog.Info("webhooks: duplicate delivery ignored", "delivery", p.Delivery, "event", p.Event)
			return nil
		}
		if _, err := st.RecordInboundEvent(store.InboundEventNotification{
			JobID:     p.JobID,
			HandlerID: p.HandlerID,
		}); err != nil {
			return err
		}
		slog.Info("webhooks: processed github delivery", "delivery", p.Delivery, "event", p.Event)
		return nil
	}
}

type slackNotifyPayload struct {
	WebhookURL string `json:"webhookUrl"`
	Text       string `json:"text"`
}

// handleSlackNotify posts a message to an incoming Slack webhook URL.
// A non-2xx response is treated as a handler failure so the job
// retries with backoff; Slack's own message formatting is the caller's
// concern (out of scope per spec.md §1).
func handleSlackNotify(cfg *config.Config) jobqueue.Handler {
	client := &http.Client{Timeout: cfg.OutboundHTTPTimeout}
	return func(ctx context.Context, payload json.RawMessage) error {
		var p slackNotifyPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if p.WebhookURL == "" {
			return apperr.New(apperr.Validation, "slack webhook url not configured")
		}
		body, err := json.Marshal(map[string]string{"text": p.Text})
		if err != nil {
			return err
		}
		reqCtx, cancel := context.WithTimeout(ctx, cfg.OutboundHTTPTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("post to slack: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
		}
		return nil
	}
}

type githubIssuePayload struct {
	RepositoryID string `json:"repositoryId"`
	Title        string `json:"title"`
	Body         string `json:"body"`
}

// handleGithubIssueCreate opens an issue against the repository's
// origin remote via the GitHub REST API. Requires GITHUB_TOKEN; with
// no token configured the job fails validation rather than silently
// no-opping, since a caller explicitly asked for an issue to be filed.
func handleGithubIssueCreate(st *store.Store, cfg *config.Config) jobqueue.Handler {
	client := &http.Client{Timeout: cfg.OutboundHTTPTimeout}
	return func(ctx context.Context, payload json.RawMessage) error {
		var p githubIssuePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if cfg.GitHubToken == "" {
			return apperr.New(apperr.Validation, "GITHUB_TOKEN not configured")
		}
		repo, err := st.GetRepository(p.RepositoryID)
		if err != nil {
			return err
		}
		ownerRepo, err := worktrees.RemoteOwnerRepo(repo.Path)
		if err != nil {
			return err
		}
		body, err := json.Marshal(map[string]string{"title": p.Title, "body": p.Body})
		if err != nil {
			return err
		}
		reqCtx, cancel := context.WithTimeout(ctx, cfg.OutboundHTTPTimeout)
		defer cancel()
		url := "https://api.github.com/repos/" + ownerRepo + "/issues"
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("Authorization", "Bearer "+cfg.GitHubToken)
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("create github issue: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("github API returned status %d", resp.StatusCode)
		}
		return nil
	}
}
