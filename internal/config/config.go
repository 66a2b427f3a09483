// Package config provides configuration loading for the agent-console server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the server.
type Config struct {
	// Server settings
	Port           int
	Host           string
	AllowedOrigins []string

	// Filesystem root
	ConfigRoot string // defaults to $HOME/.agent-console

	// Output log settings
	OutputFlushThreshold int           // bytes, default 16KiB
	OutputFlushInterval  time.Duration // default 250ms
	OutputFileMaxSize    int64         // bytes, default 10MiB
	OutputTruncateRatio  float64       // default 0.8

	// Activity detector settings
	ActivityTailWindow  int           // bytes, default 2048
	ActivityIdleTimeout time.Duration // default 10s
	ActivityWindow      time.Duration // default 1s

	// Job queue settings
	JobConcurrency   int
	JobBackoffBase   time.Duration
	JobBackoffCap    time.Duration
	JobPollInterval  time.Duration
	JobDefaultMaxTry int

	// PTY settings
	DefaultShell string
	DefaultRows  int
	DefaultCols  int
	KillGrace    time.Duration

	// Messages / uploads
	MaxMessageFiles   int
	MaxTotalFileSize  int64

	// External webhook settings
	GitHubWebhookSecret string
	GitHubToken         string
	SlackWebhookURL     string
	OutboundHTTPTimeout time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPIdleTimeout  time.Duration

	// WebSocket settings
	WSReadBufferSize  int
	WSWriteBufferSize int
	WSHistoryTimeout  time.Duration
	WSSendQueueSize   int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	configRoot := getEnv("AGENT_CONSOLE_HOME", "")
	if configRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		configRoot = filepath.Join(home, ".agent-console")
	}

	cfg := &Config{
		Port:           getEnvInt("PORT", 8080),
		Host:           getEnv("HOST", "127.0.0.1"),
		AllowedOrigins: getEnvStringSlice("ALLOWED_ORIGINS", []string{"http://localhost:*"}),

		ConfigRoot: configRoot,

		OutputFlushThreshold: getEnvInt("OUTPUT_FLUSH_THRESHOLD", 16*1024),
		OutputFlushInterval:  getEnvDuration("OUTPUT_FLUSH_INTERVAL", 250*time.Millisecond),
		OutputFileMaxSize:    int64(getEnvInt("OUTPUT_FILE_MAX_SIZE", 10*1024*1024)),
		OutputTruncateRatio:  0.8,

		ActivityTailWindow:  getEnvInt("ACTIVITY_TAIL_WINDOW", 2048),
		ActivityIdleTimeout: getEnvDuration("ACTIVITY_IDLE_TIMEOUT", 10*time.Second),
		ActivityWindow:      getEnvDuration("ACTIVITY_ACTIVE_WINDOW", 1*time.Second),

		JobConcurrency:   getEnvInt("JOB_CONCURRENCY", 4),
		JobBackoffBase:   getEnvDuration("JOB_BACKOFF_BASE", 1*time.Second),
		JobBackoffCap:    getEnvDuration("JOB_BACKOFF_CAP", 5*time.Minute),
		JobPollInterval:  getEnvDuration("JOB_POLL_INTERVAL", 500*time.Millisecond),
		JobDefaultMaxTry: getEnvInt("JOB_DEFAULT_MAX_ATTEMPTS", 5),

		DefaultShell: getEnv("DEFAULT_SHELL", "/bin/bash"),
		DefaultRows:  getEnvInt("DEFAULT_ROWS", 24),
		DefaultCols:  getEnvInt("DEFAULT_COLS", 80),
		KillGrace:    getEnvDuration("KILL_GRACE_PERIOD", 3*time.Second),

		MaxMessageFiles:  getEnvInt("MAX_MESSAGE_FILES", 10),
		MaxTotalFileSize: int64(getEnvInt("MAX_TOTAL_FILE_SIZE", 25*1024*1024)),

		GitHubWebhookSecret: getEnv("GITHUB_WEBHOOK_SECRET", ""),
		GitHubToken:         getEnv("GITHUB_TOKEN", ""),
		SlackWebhookURL:     getEnv("SLACK_WEBHOOK_URL", ""),
		OutboundHTTPTimeout: getEnvDuration("OUTBOUND_HTTP_TIMEOUT", 15*time.Second),

		HTTPReadTimeout: getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout: getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		WSReadBufferSize:  getEnvInt("WS_READ_BUFFER_SIZE", 1024),
		WSWriteBufferSize: getEnvInt("WS_WRITE_BUFFER_SIZE", 1024),
		WSHistoryTimeout:  getEnvDuration("WS_HISTORY_TIMEOUT", 3*time.Second),
		WSSendQueueSize:   getEnvInt("WS_SEND_QUEUE_SIZE", 256),
	}

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("PORT must be between 1 and 65535, got %d", cfg.Port)
	}

	return cfg, nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
