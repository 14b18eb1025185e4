// Package claudecode implements the Claude Code CLI stream-json protocol:
// newline-delimited JSON over stdin/stdout, with bidirectional control
// requests for permissions, interrupts and mode changes.
package claudecode

import "encoding/json"

// Message types on the wire.
const (
	MessageTypeSystem          = "system"
	MessageTypeAssistant       = "assistant"
	MessageTypeUser            = "user"
	MessageTypeResult          = "result"
	MessageTypeStreamEvent     = "stream_event"
	MessageTypeControlRequest  = "control_request"
	MessageTypeControlResponse = "control_response"
)

// Control request subtypes.
const (
	SubtypeInitialize        = "initialize"
	SubtypeCanUseTool        = "can_use_tool"
	SubtypeInterrupt         = "interrupt"
	SubtypeSetPermissionMode = "set_permission_mode"
	SubtypeSetModel          = "set_model"
)

// Permission behaviors in control responses.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// CLIMessage is one stdout line from the CLI. Type selects which fields are
// populated.
type CLIMessage struct {
	Type string `json:"type"`

	// control_request
	RequestID string          `json:"request_id,omitempty"`
	Request   *ControlRequest `json:"request,omitempty"`

	// control_response; the request id lives inside the response object.
	Response *IncomingControlResponse `json:"response,omitempty"`

	// system
	Subtype       string   `json:"subtype,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
	Model         string   `json:"model,omitempty"`
	SlashCommands []string `json:"slash_commands,omitempty"`
	MCPServers    []MCPServerInfo `json:"mcp_servers,omitempty"`

	// assistant
	Message *AssistantMessage `json:"message,omitempty"`

	// stream_event
	Event *StreamEvent `json:"event,omitempty"`

	// result; Result is a string for errors, an object otherwise.
	Result     json.RawMessage  `json:"result,omitempty"`
	CostUSD    float64          `json:"total_cost_usd,omitempty"`
	DurationMS int64            `json:"duration_ms,omitempty"`
	IsError    bool             `json:"is_error,omitempty"`
	NumTurns   int              `json:"num_turns,omitempty"`
	ModelUsage map[string]Usage `json:"modelUsage,omitempty"`
}

// MCPServerInfo names a connected MCP server in the system init message.
type MCPServerInfo struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// AssistantMessage carries the assistant's content blocks.
type AssistantMessage struct {
	Role       string         `json:"role"`
	Model      string         `json:"model,omitempty"`
	Content    []ContentBlock `json:"content,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
}

// ContentBlock is one block inside an assistant or user message.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`
}

// ImageSource is a base64 image attachment in a user message.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Usage holds token accounting.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// ResultString returns the result field when it is an error string.
func (m *CLIMessage) ResultString() string {
	if len(m.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(m.Result, &s); err != nil {
		return ""
	}
	return s
}

// StreamEvent is a partial content update inside a stream_event message.
type StreamEvent struct {
	Type  string      `json:"type"`
	Index int         `json:"index,omitempty"`
	Delta *EventDelta `json:"delta,omitempty"`
}

// EventDelta is the delta payload of a content_block_delta event.
type EventDelta struct {
	Type     string `json:"type"` // "text_delta" or "thinking_delta"
	Text     string `json:"text,omitempty"`
	Thinking string `json:"thinking,omitempty"`
}

// ControlRequest is a request the CLI sends us, most importantly the
// can_use_tool permission request.
type ControlRequest struct {
	Subtype string `json:"subtype"`

	// can_use_tool
	ToolName  string         `json:"tool_name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
}

// ControlResponseMessage answers a control request from the CLI.
type ControlResponseMessage struct {
	Type      string           `json:"type"` // "control_response"
	RequestID string           `json:"request_id"`
	Response  *ControlResponse `json:"response"`
}

// ControlResponse is the body of a control response.
type ControlResponse struct {
	Subtype string            `json:"subtype"` // "success" or "error"
	Result  *PermissionResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// PermissionResult decides a can_use_tool request.
type PermissionResult struct {
	Behavior     string `json:"behavior"`
	UpdatedInput any    `json:"updatedInput,omitempty"`
	Message      string `json:"message,omitempty"`
	Interrupt    *bool  `json:"interrupt,omitempty"`
}

// SDKControlRequest is a control request we send to the CLI.
type SDKControlRequest struct {
	Type      string                `json:"type"` // "control_request"
	RequestID string                `json:"request_id"`
	Request   SDKControlRequestBody `json:"request"`
}

// SDKControlRequestBody is the body of an outbound control request.
type SDKControlRequestBody struct {
	Subtype string `json:"subtype"`
	Mode    string `json:"mode,omitempty"`  // set_permission_mode
	Model   string `json:"model,omitempty"` // set_model
}

// IncomingControlResponse is the CLI's answer to one of our control
// requests.
type IncomingControlResponse struct {
	Subtype   string          `json:"subtype"` // "success" or "error"
	RequestID string          `json:"request_id"`
	Error     string          `json:"error,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

// UserMessage is an inbound prompt.
type UserMessage struct {
	Type    string          `json:"type"` // "user"
	Message UserMessageBody `json:"message"`
}

// UserMessageBody holds the prompt content: a plain string, or content
// blocks when an image is attached.
type UserMessageBody struct {
	Role    string `json:"role"` // "user"
	Content any    `json:"content"`
}
