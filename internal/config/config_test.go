package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("AGENT_CONSOLE_HOME", t.TempDir())
	for _, key := range []string{
		"PORT", "HOST", "ALLOWED_ORIGINS",
		"OUTPUT_FLUSH_THRESHOLD", "OUTPUT_FLUSH_INTERVAL", "OUTPUT_FILE_MAX_SIZE",
		"ACTIVITY_TAIL_WINDOW", "ACTIVITY_IDLE_TIMEOUT", "ACTIVITY_ACTIVE_WINDOW",
		"JOB_CONCURRENCY", "JOB_BACKOFF_BASE", "JOB_BACKOFF_CAP", "JOB_POLL_INTERVAL", "JOB_DEFAULT_MAX_ATTEMPTS",
		"DEFAULT_SHELL", "DEFAULT_ROWS", "DEFAULT_COLS", "KILL_GRACE_PERIOD",
		"MAX_MESSAGE_FILES", "MAX_TOTAL_FILE_SIZE",
		"GITHUB_WEBHOOK_SECRET", "SLACK_WEBHOOK_URL", "OUTBOUND_HTTP_TIMEOUT",
		"HTTP_READ_TIMEOUT", "HTTP_IDLE_TIMEOUT",
		"WS_READ_BUFFER_SIZE", "WS_WRITE_BUFFER_SIZE", "WS_HISTORY_TIMEOUT", "WS_SEND_QUEUE_SIZE",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("Host = %q, want 127.0.0.1", cfg.Host)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:*" {
		t.Errorf("AllowedOrigins = %v, want [http://localhost:*]", cfg.AllowedOrigins)
	}
	if cfg.OutputFlushThreshold != 16*1024 {
		t.Errorf("OutputFlushThreshold = %d, want 16384", cfg.OutputFlushThreshold)
	}
	if cfg.OutputFlushInterval != 250*time.Millisecond {
		t.Errorf("OutputFlushInterval = %v, want 250ms", cfg.OutputFlushInterval)
	}
	if cfg.OutputFileMaxSize != 10*1024*1024 {
		t.Errorf("OutputFileMaxSize = %d, want 10MiB", cfg.OutputFileMaxSize)
	}
	if cfg.ActivityIdleTimeout != 10*time.Second {
		t.Errorf("ActivityIdleTimeout = %v, want 10s", cfg.ActivityIdleTimeout)
	}
	if cfg.ActivityWindow != 1*time.Second {
		t.Errorf("ActivityWindow = %v, want 1s", cfg.ActivityWindow)
	}
	if cfg.JobConcurrency != 4 {
		t.Errorf("JobConcurrency = %d, want 4", cfg.JobConcurrency)
	}
	if cfg.JobBackoffBase != 1*time.Second || cfg.JobBackoffCap != 5*time.Minute {
		t.Errorf("job backoff defaults wrong: base=%v cap=%v", cfg.JobBackoffBase, cfg.JobBackoffCap)
	}
	if cfg.DefaultShell != "/bin/bash" {
		t.Errorf("DefaultShell = %q, want /bin/bash", cfg.DefaultShell)
	}
	if cfg.DefaultRows != 24 || cfg.DefaultCols != 80 {
		t.Errorf("default pty size = %dx%d, want 24x80", cfg.DefaultRows, cfg.DefaultCols)
	}
	if cfg.WSHistoryTimeout != 3*time.Second {
		t.Errorf("WSHistoryTimeout = %v, want 3s", cfg.WSHistoryTimeout)
	}
}

func TestLoadUsesHomeAgentConsoleDirByDefault(t *testing.T) {
	t.Setenv("AGENT_CONSOLE_HOME", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ConfigRoot == "" {
		t.Fatal("ConfigRoot should not be empty")
	}
}

func TestLoadHonorsConfigRootOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENT_CONSOLE_HOME", dir)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.ConfigRoot != dir {
		t.Errorf("ConfigRoot = %q, want %q", cfg.ConfigRoot, dir)
	}
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("AGENT_CONSOLE_HOME", t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("JOB_CONCURRENCY", "8")
	t.Setenv("ACTIVITY_IDLE_TIMEOUT", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want 0.0.0.0", cfg.Host)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.JobConcurrency != 8 {
		t.Errorf("JobConcurrency = %d, want 8", cfg.JobConcurrency)
	}
	if cfg.ActivityIdleTimeout != 30*time.Second {
		t.Errorf("ActivityIdleTimeout = %v, want 30s", cfg.ActivityIdleTimeout)
	}
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	t.Setenv("AGENT_CONSOLE_HOME", t.TempDir())
	t.Setenv("PORT", "70000")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for out-of-range port")
	}
}

func TestLoadRejectsZeroPort(t *testing.T) {
	t.Setenv("AGENT_CONSOLE_HOME", t.TempDir())
	t.Setenv("PORT", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero port")
	}
}
