package session

// Control message types accepted on a session's control channel.
const (
	ControlMessageText       = "message"
	ControlToolResult        = "tool-result"
	ControlApprovalDecision  = "approval-decision"
	ControlInterrupt         = "interrupt"
	ControlSetPermissionMode = "set-permission-mode"
	ControlSetModel          = "set-model"
)

// ControlMessage is one inbound control payload; Type selects which fields
// are meaningful.
type ControlMessage struct {
	Type string `json:"type"`

	// message
	Text           string `json:"text,omitempty"`
	ImageMediaType string `json:"imageMediaType,omitempty"`
	ImageData      string `json:"imageData,omitempty"`

	// tool-result
	ID      string `json:"id,omitempty"`
	Content string `json:"content,omitempty"`

	// approval-decision
	ApprovalID          string         `json:"approvalId,omitempty"`
	Decision            string         `json:"decision,omitempty"` // "allow" or "deny"
	UpdatedInput        map[string]any `json:"updatedInput,omitempty"`
	Message             string         `json:"message,omitempty"`
	PostApprovalMode    string         `json:"postApprovalMode,omitempty"`
	PostApprovalCompact bool           `json:"postApprovalCompact,omitempty"`
	ClearContextRestart bool           `json:"clearContextRestart,omitempty"`

	// set-permission-mode
	Mode string `json:"mode,omitempty"`

	// set-model
	Model string `json:"model,omitempty"`
}
