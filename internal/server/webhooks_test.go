package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agent-console/server/internal/config"
)

func TestVerifyGithubSignature(t *testing.T) {
	body := []byte(`{"ref":"refs/heads/main"}`)
	mac := hmac.New(sha256.New, []byte("s3cr3t"))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if !verifyGithubSignature("s3cr3t", sig, body) {
		t.Fatal("want valid signature to verify")
	}
	if verifyGithubSignature("s3cr3t", "sha256=deadbeef", body) {
		t.Fatal("want mismatched signature to fail")
	}
	if verifyGithubSignature("s3cr3t", "", body) {
		t.Fatal("want missing header to fail")
	}
	if verifyGithubSignature("", sig, body) {
		t.Fatal("want empty secret to fail")
	}
}

func TestHandleGithubWebhookRejectsBadSignatureWith401(t *testing.T) {
	s := &Server{cfg: &config.Config{GitHubWebhookSecret: "s3cr3t"}}

	req := httptest.NewRequest(http.MethodPost, "/webhooks/github", strings.NewReader(`{}`))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()

	s.handleGithubWebhook(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
}
