// Package adapter normalizes the three agent CLI protocols behind one
// contract. An Adapter owns the protocol; a ManagedProcess owns the child.
// Children always run detached in their own process group, and kill targets
// the group.
package adapter

import (
	"context"
	"errors"

	"github.com/agendo/agendo/internal/events"
)

// ErrNotAlive is returned by operations that need a live child process.
var ErrNotAlive = errors.New("agent process is not alive")

// Decision resolves a tool approval request.
type Decision struct {
	Allow        bool
	UpdatedInput map[string]any
	Message      string
}

// ApprovalHandler decides one tool approval. It blocks until a decision
// arrives on the control channel or the session ends; ending a session
// resolves pending approvals as deny.
type ApprovalHandler func(ctx context.Context, approvalID, toolName string, input map[string]any) Decision

// Message is an inbound user message for the agent.
type Message struct {
	Text string
	// Base64 image attachment; empty MediaType means text only.
	ImageMediaType string
	ImageData      string
}

// SpawnOptions parameterizes Spawn and Resume. The safety gate validates
// WorkingDir and builds Env before the adapter sees them.
type SpawnOptions struct {
	WorkingDir     string
	Env            []string
	Model          string
	PermissionMode string
	Prompt         string
	SessionRef     string // resume handle, Resume only
}

// ManagedProcess is the handle for a spawned agent child. For Codex the
// process is virtual: callbacks survive across the per-turn children behind
// it.
type ManagedProcess interface {
	PID() int
	// Kill sends SIGKILL to the process group.
	Kill() error
	// Terminate sends SIGTERM to the process group.
	Terminate() error
	// OnData registers a callback for raw stdout lines. Registration is
	// append-only; callbacks fire in registration order.
	OnData(func(line []byte))
	// OnExit registers a callback for process exit. A nil exit code means
	// the process was killed by a signal.
	OnExit(func(exitCode *int))
	// StderrTail returns the last captured stderr lines for error
	// reporting.
	StderrTail() string
}

// Adapter is the protocol contract every agent CLI integration implements.
// Spawn/Resume start the child; the event callback receives the uniform
// event stream mapped from protocol frames, in protocol order.
type Adapter interface {
	Spawn(ctx context.Context, opts SpawnOptions) (ManagedProcess, error)
	Resume(ctx context.Context, opts SpawnOptions) (ManagedProcess, error)

	SendMessage(ctx context.Context, msg Message) error
	SendToolResult(ctx context.Context, toolUseID, content string) error
	Interrupt(ctx context.Context) error
	SetModel(ctx context.Context, model string) error
	SetPermissionMode(ctx context.Context, mode string) error

	IsAlive() bool

	OnEvent(func(ev events.Event))
	OnThinkingChange(func(thinking bool))
	OnSessionRef(func(ref string))
	SetApprovalHandler(ApprovalHandler)
}
