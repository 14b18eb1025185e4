// Package jsonrpc implements JSON-RPC 2.0 over stdio for ACP, the Agent
// Client Protocol spoken by the Gemini CLI in --experimental-acp mode.
package jsonrpc

import "encoding/json"

// Message is a JSON-RPC 2.0 frame. A set Method marks a request or
// notification; a set ID with no Method marks a response.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard JSON-RPC error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// ACP methods.
const (
	// Client -> Agent
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionLoad   = "session/load"

	// Client -> Agent notifications
	NotificationSessionCancel = "session/cancel"
	NotificationCancelRequest = "$/cancelRequest"

	// Agent -> Client notifications
	NotificationSessionUpdate = "session/update"

	// Agent -> Client requests
	MethodRequestPermission = "session/request_permission"
	MethodFsReadText        = "fs/read_text_file"
	MethodFsWriteText       = "fs/write_text_file"
)

// InitializeParams for initialize.
type InitializeParams struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities,omitempty"`
}

// ClientCapabilities declares what the client side handles.
type ClientCapabilities struct {
	Fs FsCapabilities `json:"fs,omitempty"`
}

// FsCapabilities declares filesystem proxying support.
type FsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// InitializeResult from initialize.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities,omitempty"`
}

// AgentCapabilities declares what the agent supports.
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

// SessionNewParams for session/new. McpServers is required by the protocol
// even when empty.
type SessionNewParams struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// McpServer configures one MCP server for the session.
type McpServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
	Type    string   `json:"type,omitempty"`
}

// SessionNewResult from session/new.
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// SessionLoadParams for session/load.
type SessionLoadParams struct {
	SessionID  string      `json:"sessionId"`
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// ContentBlock is one prompt or update content element.
type ContentBlock struct {
	Type string `json:"type"` // "text", "image", "thought"
	Text string `json:"text,omitempty"`

	// image
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// SessionPromptParams for session/prompt.
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// SessionPromptResult from session/prompt; the turn's content arrives via
// session/update notifications before this returns.
type SessionPromptResult struct {
	StopReason string `json:"stopReason,omitempty"` // end_turn, cancelled, refusal
}

// SessionCancelParams for the session/cancel notification.
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// CancelRequestParams for the $/cancelRequest notification; ID names the
// in-flight request being abandoned.
type CancelRequestParams struct {
	ID int64 `json:"id"`
}

// SessionUpdateParams is the envelope of a session/update notification.
type SessionUpdateParams struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// Session update kinds.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// SessionUpdate is one streamed update; SessionUpdate selects the variant.
type SessionUpdate struct {
	SessionUpdate string `json:"sessionUpdate"`

	// agent_message_chunk and agent_thought_chunk
	Content *ContentBlock `json:"content,omitempty"`

	// tool_call and tool_call_update
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"` // pending, in_progress, completed, failed
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`

	// plan
	Entries []PlanEntry `json:"entries,omitempty"`
}

// PlanEntry is one step of a plan update.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// RequestPermissionParams is the agent's approval request.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// ToolCallRef identifies the tool call awaiting permission.
type ToolCallRef struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Kind       string          `json:"kind,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
}

// PermissionOption is one selectable decision.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"` // allow_once, allow_always, reject_once, reject_always
}

// RequestPermissionResult answers session/request_permission.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome is the decision: outcome "selected" carries an option
// id, "cancelled" means the request was abandoned.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}
