// Package events defines the uniform event taxonomy that all protocol
// adapters normalize to. The set of types is closed; adapter quirks live in
// the payloads, never in new types.
package events

import (
	"encoding/json"
	"time"
)

// Type identifies an event in the uniform taxonomy.
type Type string

const (
	TypeSessionInit   Type = "session:init"
	TypeSessionState  Type = "session:state"
	TypeUserMessage   Type = "user:message"
	TypeAgentText     Type = "agent:text"
	TypeAgentDelta    Type = "agent:text-delta"
	TypeAgentThinking Type = "agent:thinking"
	TypeToolStart     Type = "agent:tool-start"
	TypeToolEnd       Type = "agent:tool-end"
	TypeToolApproval  Type = "agent:tool-approval"
	TypeAgentResult   Type = "agent:result"
	TypeAgentActivity Type = "agent:activity"
	TypeSystemInfo    Type = "system:info"
	TypeSystemError   Type = "system:error"
	TypeTeamMessage   Type = "team:message"
)

// Ephemeral reports whether events of this type are published to the notify
// bus but never persisted. Streaming deltas are coalesced into the complete
// agent:text that follows, so replay does not need them.
func (t Type) Ephemeral() bool {
	return t == TypeAgentDelta
}

// Event is one observable occurrence within a session. Seq is the
// per-session monotonic sequence number; it is zero until the session owner
// assigns one, and stays zero for ephemeral events.
type Event struct {
	Seq       int64     `json:"id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Type      Type      `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// New creates an event of the given type with its payload. Session id,
// sequence and timestamp are stamped by the session process before publish.
func New(t Type, payload any) Event {
	return Event{Type: t, Payload: payload}
}

// InitPayload accompanies session:init. SlashCommands and McpServers are the
// agent-declared capability catalogue; adapters fill what their protocol
// reports.
type InitPayload struct {
	SessionRef    string   `json:"sessionRef,omitempty"`
	Model         string   `json:"model,omitempty"`
	SlashCommands []string `json:"slashCommands,omitempty"`
	McpServers    []string `json:"mcpServers,omitempty"`
}

// StatePayload accompanies session:state.
type StatePayload struct {
	Status string `json:"status"`
}

// MessagePayload accompanies user:message and team:message.
type MessagePayload struct {
	Text     string `json:"text"`
	HasImage bool   `json:"hasImage,omitempty"`
	From     string `json:"from,omitempty"`
}

// TextPayload accompanies agent:text, agent:text-delta and agent:thinking.
type TextPayload struct {
	Text string `json:"text"`
}

// ToolStartPayload accompanies agent:tool-start.
type ToolStartPayload struct {
	ToolUseID string         `json:"toolUseId"`
	ToolName  string         `json:"toolName"`
	Input     map[string]any `json:"input,omitempty"`
}

// ToolEndPayload accompanies agent:tool-end.
type ToolEndPayload struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"isError,omitempty"`
}

// ToolApprovalPayload accompanies agent:tool-approval.
type ToolApprovalPayload struct {
	ApprovalID  string         `json:"approvalId"`
	ToolName    string         `json:"toolName"`
	ToolInput   map[string]any `json:"toolInput,omitempty"`
	DangerLevel string         `json:"dangerLevel,omitempty"`
}

// ResultPayload accompanies agent:result.
type ResultPayload struct {
	Turns      int                `json:"turns,omitempty"`
	DurationMs int64              `json:"durationMs,omitempty"`
	CostUSD    float64            `json:"costUsd,omitempty"`
	ModelUsage map[string]Usage   `json:"modelUsage,omitempty"`
	IsError    bool               `json:"isError,omitempty"`
}

// Usage holds per-model token accounting reported at turn end.
type Usage struct {
	InputTokens  int64 `json:"inputTokens,omitempty"`
	OutputTokens int64 `json:"outputTokens,omitempty"`
}

// ActivityPayload accompanies agent:activity, a coarse "something happened"
// signal for protocols whose item types have no richer mapping.
type ActivityPayload struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail,omitempty"`
}

// SystemPayload accompanies system:info and system:error.
type SystemPayload struct {
	Message string `json:"message"`
}

// MarshalPayload encodes an event payload to JSON for persistence.
func MarshalPayload(ev Event) ([]byte, error) {
	if ev.Payload == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(ev.Payload)
}
