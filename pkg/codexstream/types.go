// Package codexstream implements the Codex CLI exec JSONL protocol: one
// JSON event per stdout line describing thread, turn and item lifecycle.
// Codex holds no long-lived process; each turn is a fresh `codex exec`
// child resuming the same thread.
package codexstream

import (
	"encoding/json"
	"fmt"
)

// Event types on the stream.
const (
	EventThreadStarted = "thread.started"
	EventTurnStarted   = "turn.started"
	EventTurnCompleted = "turn.completed"
	EventTurnFailed    = "turn.failed"
	EventItemStarted   = "item.started"
	EventItemUpdated   = "item.updated"
	EventItemCompleted = "item.completed"
	EventError         = "error"
)

// Item types inside item.* events.
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
	ItemMCPToolCall      = "mcp_tool_call"
	ItemWebSearch        = "web_search"
	ItemTodoList         = "todo_list"
)

// Event is one JSONL frame from `codex exec --json`.
type Event struct {
	Type string `json:"type"`

	// thread.started
	ThreadID string `json:"thread_id,omitempty"`

	// turn.completed
	Usage *Usage `json:"usage,omitempty"`

	// turn.failed and error
	Error *StreamError `json:"error,omitempty"`
	// error frames put the message at the top level.
	Message string `json:"message,omitempty"`

	// item.* events
	Item *Item `json:"item,omitempty"`
}

// Usage is the token accounting reported at turn end.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens,omitempty"`
	OutputTokens      int64 `json:"output_tokens"`
}

// StreamError carries a turn failure reason.
type StreamError struct {
	Message string `json:"message"`
}

// Item is one unit of agent activity within a turn.
type Item struct {
	ID   string `json:"id"`
	Type string `json:"item_type"`

	// agent_message and reasoning
	Text string `json:"text,omitempty"`

	// command_execution
	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`
	Status           string `json:"status,omitempty"`

	// file_change
	Changes []FileChange `json:"changes,omitempty"`

	// mcp_tool_call
	Server string `json:"server,omitempty"`
	Tool   string `json:"tool,omitempty"`

	// web_search
	Query string `json:"query,omitempty"`

	// todo_list
	Items []TodoItem `json:"items,omitempty"`
}

// FileChange is one path touched by a file_change item.
type FileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind,omitempty"` // add, update, delete
}

// TodoItem is one entry of a todo_list item.
type TodoItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// ErrorMessage returns the failure text regardless of which frame shape
// carried it.
func (e *Event) ErrorMessage() string {
	if e.Error != nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return e.Message
}

// Parse decodes one JSONL frame.
func Parse(line []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, fmt.Errorf("failed to parse codex event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("codex event missing type")
	}
	return &ev, nil
}
