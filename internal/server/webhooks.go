package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/agent-console/server/internal/apperr"
	"github.com/agent-console/server/internal/jobqueue"
)

const githubWebhookHandlerID = "github-webhook-v1"

// handleGithubWebhook verifies the X-Hub-Signature-256 HMAC against the
// configured shared secret, then enqueues an inbound-event processing
// job. Per spec: 401 on signature failure, 500 on enqueue failure (so
// GitHub retries the delivery), 200 otherwise.
func (s *Server) handleGithubWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "read webhook body", err))
		return
	}

	if !verifyGithubSignature(s.cfg.GitHubWebhookSecret, r.Header.Get("X-Hub-Signature-256"), body) {
		writeError(w, apperr.New(apperr.Unauthorized, "signature verification failed"))
		return
	}

	if s.queue == nil {
		writeError(w, apperr.New(apperr.Internal, "job queue unavailable"))
		return
	}
	// The job id is minted here, not by the queue, so the inbound_webhook
	// handler can use it as the idempotency key's job_id component
	// without a round-trip back through the store.
	jobID := uuid.NewString()
	if _, err := s.queue.Enqueue("inbound_webhook", map[string]string{
		"jobId":     jobID,
		"handlerId": githubWebhookHandlerID,
		"event":     r.Header.Get("X-GitHub-Event"),
		"delivery":  r.Header.Get("X-GitHub-Delivery"),
		"body":      string(body),
	}, jobqueue.EnqueueOptions{JobID: jobID}); err != nil {
		writeError(w, apperr.Wrap(apperr.Internal, "enqueue webhook job", err))
		return
	}
	writeSuccess(w)
}

// verifyGithubSignature recomputes the HMAC-SHA256 of body under secret
// and compares it to the "sha256=<hex>" header value in constant time.
func verifyGithubSignature(secret, header string, body []byte) bool {
	if secret == "" || header == "" {
		return false
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	given, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return subtle.ConstantTimeCompare(given, expected) == 1
}
