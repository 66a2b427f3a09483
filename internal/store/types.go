package store

import "time"

// Repository is a registered local git checkout.
type Repository struct {
	ID              string
	Name            string
	Path            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SetupCommand    string
	CleanupCommand  string
	EnvVars         string // dotenv text
	Description     string
	DefaultAgentID  string
	DefaultBranch   string
}

// AgentType enumerates the built-in agent launch profiles.
type AgentType string

const (
	AgentTypeClaudeCode AgentType = "claude-code"
	AgentTypeCodex      AgentType = "codex"
	AgentTypeGeminiCLI  AgentType = "gemini-cli"
	AgentTypeShellScript AgentType = "shell-script"
	AgentTypeCustom     AgentType = "custom"
)

// AgentDefinition is a template for launching an agent worker.
type AgentDefinition struct {
	ID                string
	Name              string
	AgentType         AgentType
	CommandTemplate   string
	ContinueTemplate  string
	HeadlessTemplate  string
	Description       string
	IsBuiltIn         bool
	AskingPatterns    []string // compiled regex sources
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SessionType discriminates session variants.
type SessionType string

const (
	SessionTypeWorktree SessionType = "worktree"
	SessionTypeQuick    SessionType = "quick"
)

// Session is a working-directory context.
type Session struct {
	ID            string
	Type          SessionType
	RepositoryID  string // worktree sessions only
	WorktreeID    string // worktree sessions only
	LocationPath  string
	ServerPID     int // 0 means unset/orphaned
	Title         string
	InitialPrompt string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// WorkerType discriminates worker variants.
type WorkerType string

const (
	WorkerTypeAgent    WorkerType = "agent"
	WorkerTypeTerminal WorkerType = "terminal"
	WorkerTypeGitDiff  WorkerType = "git-diff"
)

// Worker is a compute endpoint inside a session.
type Worker struct {
	ID         string
	SessionID  string
	Type       WorkerType
	Name       string
	AgentID    string // agent workers only
	PID        int    // 0 when dead/virtual
	BaseCommit string // git-diff workers only
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// WorktreeRecord is a managed git worktree under a repository.
type WorktreeRecord struct {
	ID           string
	RepositoryID string
	Path         string
	Branch       string
	IndexNumber  int
	CreatedAt    time.Time
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobStalled    JobStatus = "stalled"
)

// Job is a persisted unit of background work.
type Job struct {
	ID          string
	Type        string
	Payload     string // JSON text
	Status      JobStatus
	Priority    int
	Attempts    int
	MaxAttempts int
	NextRetryAt int64 // epoch ms
	LastError   string
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// InboundEventNotification records idempotency for webhook-driven jobs.
type InboundEventNotification struct {
	ID        string
	JobID     string
	SessionID string
	WorkerID  string
	HandlerID string
	CreatedAt time.Time
}
