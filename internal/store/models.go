// Package store persists sessions, executions and events in the shared SQL
// store. Terminal transitions are serialized with conditional updates, never
// locks: a zero-row update means a concurrent mutator won.
package store

import "time"

// SessionStatus is the durable session lifecycle status.
type SessionStatus string

const (
	SessionIdle          SessionStatus = "idle"
	SessionActive        SessionStatus = "active"
	SessionAwaitingInput SessionStatus = "awaiting_input"
	SessionEnded         SessionStatus = "ended"
)

// PermissionMode controls how the agent CLI treats tool use.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
	PermissionPlan              PermissionMode = "plan"
	PermissionDontAsk           PermissionMode = "dontAsk"
)

// ValidPermissionMode reports whether mode is one of the enum values.
func ValidPermissionMode(mode PermissionMode) bool {
	switch mode {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypassPermissions,
		PermissionPlan, PermissionDontAsk:
		return true
	}
	return false
}

// Session is a durable conversation with a capability-selected agent. It
// survives process restarts via SessionRef, the adapter-owned handle used to
// resume the same conversation.
type Session struct {
	ID             string         `db:"id"`
	TaskID         string         `db:"task_id"`
	AgentID        string         `db:"agent_id"`
	CapabilityID   string         `db:"capability_id"`
	Status         SessionStatus  `db:"status"`
	PermissionMode PermissionMode `db:"permission_mode"`
	Model          string         `db:"model"`
	SessionRef     string         `db:"session_ref"`
	IdleTimeoutSec *int           `db:"idle_timeout_sec"`
	LastActiveAt   *time.Time     `db:"last_active_at"`
	CostUSD        float64        `db:"cost_usd"`
	Turns          int            `db:"turns"`
	DurationMs     int64          `db:"duration_ms"`
	CreatedAt      time.Time      `db:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at"`
}

// ExecutionStatus is the durable execution lifecycle status.
type ExecutionStatus string

const (
	ExecutionQueued     ExecutionStatus = "queued"
	ExecutionRunning    ExecutionStatus = "running"
	ExecutionCancelling ExecutionStatus = "cancelling"
	ExecutionCancelled  ExecutionStatus = "cancelled"
	ExecutionSucceeded  ExecutionStatus = "succeeded"
	ExecutionFailed     ExecutionStatus = "failed"
	ExecutionTimedOut   ExecutionStatus = "timed_out"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCancelled, ExecutionSucceeded, ExecutionFailed, ExecutionTimedOut:
		return true
	}
	return false
}

// Execution is one unit of queued work: a one-shot template run or one
// turn-cycle of an interactive session.
type Execution struct {
	ID             string          `db:"id"`
	SessionID      *string         `db:"session_id"`
	TaskID         string          `db:"task_id"`
	AgentID        string          `db:"agent_id"`
	CapabilityID   string          `db:"capability_id"`
	Status         ExecutionStatus `db:"status"`
	PID            *int            `db:"pid"`
	LogPath        string          `db:"log_path"`
	LogBytes       int64           `db:"log_bytes"`
	LogLines       int64           `db:"log_lines"`
	ExitCode       *int            `db:"exit_code"`
	PromptOverride *string         `db:"prompt_override"`
	CLIFlags       string          `db:"cli_flags"` // JSON object
	ErrorMessage   string          `db:"error_message"`
	WorkerID       string          `db:"worker_id"`
	StartedAt      *time.Time      `db:"started_at"`
	EndedAt        *time.Time      `db:"ended_at"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// EventRow is a persisted session event. Seq is gap-free and strictly
// increasing per session; ephemeral deltas are never stored.
type EventRow struct {
	SessionID string    `db:"session_id"`
	Seq       int64     `db:"seq"`
	Type      string    `db:"type"`
	Payload   string    `db:"payload"` // JSON
	CreatedAt time.Time `db:"created_at"`
}

// Agent describes an installed agent CLI and its declared allowances.
type Agent struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	BinaryPath    string `db:"binary_path"`
	EnvAllowlist  string `db:"env_allowlist"` // JSON array of variable names
	MaxConcurrent int    `db:"max_concurrent"`
}

// Capability is a configuration record on an agent: either a template
// command or a prompt mode, with schema, timeout and output cap.
type Capability struct {
	ID              string `db:"id"`
	AgentID         string `db:"agent_id"`
	Name            string `db:"name"`
	InteractionMode string `db:"interaction_mode"` // "prompt" or "template"
	PromptTemplate  string `db:"prompt_template"`
	CommandTokens   string `db:"command_tokens"` // JSON array of argv tokens
	ArgSchema       string `db:"arg_schema"`     // JSON array of safety.ArgSpec
	TimeoutSec      int    `db:"timeout_sec"`
	MaxOutputBytes  int64  `db:"max_output_bytes"`
	DangerLevel     string `db:"danger_level"`
}
