package adapter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events"
	"github.com/agendo/agendo/pkg/claudecode"
)

// claudeInterruptTimeout is how long to wait for the CLI to acknowledge an
// interrupt before escalating to SIGTERM on the process group.
const claudeInterruptTimeout = 3 * time.Second

const claudeControlTimeout = 5 * time.Second

// claudeKnownCommands are the slash commands the CLI only accepts as raw
// terminal lines. Any other "/..." text is an ordinary user message.
var claudeKnownCommands = map[string]bool{
	"compact": true, "clear": true, "cost": true, "memory": true,
	"mcp": true, "permissions": true, "status": true, "doctor": true,
	"model": true, "review": true, "init": true, "bug": true,
	"help": true, "vim": true, "terminal": true, "login": true,
	"logout": true, "release-notes": true, "pr_comments": true, "exit": true,
}

// ClaudeAdapter speaks the stream-json protocol with a persistent Claude
// Code CLI process.
type ClaudeAdapter struct {
	binary string
	logger *logger.Logger

	mu         sync.Mutex
	proc       *Process
	client     *claudecode.Client
	clientStop context.CancelFunc

	eventCb      func(events.Event)
	thinkingCb   func(bool)
	sessionRefCb func(string)
	approval     ApprovalHandler

	turnActive bool
	refLatched bool
}

// NewClaudeAdapter creates an adapter for the given CLI binary.
func NewClaudeAdapter(binary string, log *logger.Logger) *ClaudeAdapter {
	return &ClaudeAdapter{
		binary: binary,
		logger: log.WithFields(zap.String("adapter", "claude")),
	}
}

// Spawn starts a persistent CLI process in streaming mode.
func (a *ClaudeAdapter) Spawn(ctx context.Context, opts SpawnOptions) (ManagedProcess, error) {
	return a.spawn(ctx, opts, "")
}

// Resume starts the CLI against an existing conversation.
func (a *ClaudeAdapter) Resume(ctx context.Context, opts SpawnOptions) (ManagedProcess, error) {
	if opts.SessionRef == "" {
		return nil, fmt.Errorf("resume requires a session ref")
	}
	return a.spawn(ctx, opts, opts.SessionRef)
}

func (a *ClaudeAdapter) spawn(ctx context.Context, opts SpawnOptions, resumeRef string) (ManagedProcess, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if resumeRef != "" {
		args = append(args, "--resume", resumeRef)
	}

	proc, err := SpawnProcess(ctx, CommandSpec{
		Binary: a.binary,
		Args:   args,
		Dir:    opts.WorkingDir,
		Env:    opts.Env,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	clientCtx, cancel := context.WithCancel(context.Background())
	client := claudecode.NewClient(proc.Stdin(), proc.Stdout(), a.logger)
	client.SetMessageHandler(a.handleMessage)
	client.SetRequestHandler(a.handleControlRequest)
	<-client.Start(clientCtx)

	a.mu.Lock()
	a.proc = proc
	a.client = client
	a.clientStop = cancel
	a.turnActive = false
	a.refLatched = resumeRef != ""
	a.mu.Unlock()

	proc.OnExit(func(_ *int) {
		cancel()
		client.Stop()
	})

	if opts.Prompt != "" {
		if err := a.SendMessage(ctx, Message{Text: opts.Prompt}); err != nil {
			_ = proc.Kill()
			return nil, fmt.Errorf("failed to send initial prompt: %w", err)
		}
	}
	return proc, nil
}

// SendMessage routes a user message: known slash commands go out as raw
// lines, everything else as stream-json.
func (a *ClaudeAdapter) SendMessage(ctx context.Context, msg Message) error {
	client := a.liveClient()
	if client == nil {
		return ErrNotAlive
	}

	if cmd, ok := slashCommand(msg.Text); ok && claudeKnownCommands[cmd] {
		return client.SendRawLine(msg.Text)
	}
	if msg.ImageMediaType != "" {
		return client.SendUserMessageWithImage(msg.Text, msg.ImageMediaType, msg.ImageData)
	}
	return client.SendUserMessage(msg.Text)
}

// SendToolResult returns a tool outcome as a tool_result content block.
func (a *ClaudeAdapter) SendToolResult(ctx context.Context, toolUseID, content string) error {
	client := a.liveClient()
	if client == nil {
		return ErrNotAlive
	}
	return client.SendToolResult(toolUseID, content)
}

// Interrupt asks the CLI to stop the current turn, escalating to SIGTERM on
// the group when the ack does not arrive in time.
func (a *ClaudeAdapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	client, proc := a.client, a.proc
	a.mu.Unlock()
	if client == nil || proc == nil || !proc.Alive() {
		return ErrNotAlive
	}

	if err := client.Interrupt(ctx, claudeInterruptTimeout); err != nil {
		a.logger.Warn("interrupt not acknowledged, escalating to SIGTERM", zap.Error(err))
		return proc.Terminate()
	}
	return nil
}

// SetModel switches models mid-session through a control request.
func (a *ClaudeAdapter) SetModel(ctx context.Context, model string) error {
	client := a.liveClient()
	if client == nil {
		return ErrNotAlive
	}
	return client.SetModel(ctx, model, claudeControlTimeout)
}

// SetPermissionMode changes the permission mode mid-session.
func (a *ClaudeAdapter) SetPermissionMode(ctx context.Context, mode string) error {
	client := a.liveClient()
	if client == nil {
		return ErrNotAlive
	}
	return client.SetPermissionMode(ctx, mode, claudeControlTimeout)
}

// IsAlive reports whether the CLI process is running.
func (a *ClaudeAdapter) IsAlive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.proc != nil && a.proc.Alive()
}

// OnEvent registers the uniform event callback.
func (a *ClaudeAdapter) OnEvent(cb func(events.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventCb = cb
}

// OnThinkingChange registers the thinking transition callback.
func (a *ClaudeAdapter) OnThinkingChange(cb func(bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thinkingCb = cb
}

// OnSessionRef registers the session ref capture callback. The ref is
// latched from the first system init frame.
func (a *ClaudeAdapter) OnSessionRef(cb func(string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionRefCb = cb
}

// SetApprovalHandler installs the tool approval decision source.
func (a *ClaudeAdapter) SetApprovalHandler(handler ApprovalHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approval = handler
}

func (a *ClaudeAdapter) liveClient() *claudecode.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.proc == nil || !a.proc.Alive() {
		return nil
	}
	return a.client
}

// handleMessage maps one protocol message and manages thinking transitions:
// true on the first frame of a turn, false on the result frame.
func (a *ClaudeAdapter) handleMessage(msg *claudecode.CLIMessage) {
	a.mu.Lock()
	eventCb, thinkingCb, refCb := a.eventCb, a.thinkingCb, a.sessionRefCb
	startTurn := !a.turnActive && msg.Type != claudecode.MessageTypeResult
	if startTurn {
		a.turnActive = true
	}
	endTurn := msg.Type == claudecode.MessageTypeResult
	if endTurn {
		a.turnActive = false
	}
	latchRef := ""
	if msg.Type == claudecode.MessageTypeSystem && msg.SessionID != "" && !a.refLatched {
		a.refLatched = true
		latchRef = msg.SessionID
	}
	a.mu.Unlock()

	if startTurn && thinkingCb != nil {
		thinkingCb(true)
	}
	if latchRef != "" && refCb != nil {
		refCb(latchRef)
	}
	if eventCb != nil {
		for _, ev := range a.mapMessage(msg) {
			eventCb(ev)
		}
	}
	if endTurn && thinkingCb != nil {
		thinkingCb(false)
	}
}

// mapMessage translates one CLI frame to uniform events, preserving block
// order.
func (a *ClaudeAdapter) mapMessage(msg *claudecode.CLIMessage) []events.Event {
	switch msg.Type {
	case claudecode.MessageTypeSystem:
		if msg.Subtype != "init" {
			return nil
		}
		servers := make([]string, 0, len(msg.MCPServers))
		for _, s := range msg.MCPServers {
			servers = append(servers, s.Name)
		}
		return []events.Event{events.New(events.TypeSessionInit, events.InitPayload{
			SessionRef:    msg.SessionID,
			Model:         msg.Model,
			SlashCommands: msg.SlashCommands,
			McpServers:    servers,
		})}

	case claudecode.MessageTypeAssistant:
		if msg.Message == nil {
			return nil
		}
		var out []events.Event
		for _, block := range msg.Message.Content {
			switch block.Type {
			case "text":
				out = append(out, events.New(events.TypeAgentText, events.TextPayload{Text: block.Text}))
			case "thinking":
				out = append(out, events.New(events.TypeAgentThinking, events.TextPayload{Text: block.Thinking}))
			case "tool_use":
				out = append(out, events.New(events.TypeToolStart, events.ToolStartPayload{
					ToolUseID: block.ID,
					ToolName:  block.Name,
					Input:     block.Input,
				}))
			}
		}
		return out

	case claudecode.MessageTypeUser:
		if msg.Message == nil {
			return nil
		}
		var out []events.Event
		for _, block := range msg.Message.Content {
			if block.Type != "tool_result" {
				continue
			}
			out = append(out, events.New(events.TypeToolEnd, events.ToolEndPayload{
				ToolUseID: block.ToolUseID,
				Content:   string(block.Content),
				IsError:   block.IsError,
			}))
		}
		return out

	case claudecode.MessageTypeStreamEvent:
		if msg.Event == nil || msg.Event.Delta == nil {
			return nil
		}
		switch msg.Event.Delta.Type {
		case "text_delta":
			return []events.Event{events.New(events.TypeAgentDelta, events.TextPayload{Text: msg.Event.Delta.Text})}
		case "thinking_delta":
			return []events.Event{events.New(events.TypeAgentThinking, events.TextPayload{Text: msg.Event.Delta.Thinking})}
		}
		return nil

	case claudecode.MessageTypeResult:
		usage := make(map[string]events.Usage, len(msg.ModelUsage))
		for model, u := range msg.ModelUsage {
			usage[model] = events.Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}
		}
		out := []events.Event{events.New(events.TypeAgentResult, events.ResultPayload{
			Turns:      msg.NumTurns,
			DurationMs: msg.DurationMS,
			CostUSD:    msg.CostUSD,
			ModelUsage: usage,
			IsError:    msg.IsError,
		})}
		if msg.IsError {
			if errText := msg.ResultString(); errText != "" {
				out = append(out, events.New(events.TypeSystemError, events.SystemPayload{Message: errText}))
			}
		}
		return out
	}
	return nil
}

// handleControlRequest answers can_use_tool through the approval handler;
// everything else is denied.
func (a *ClaudeAdapter) handleControlRequest(requestID string, req *claudecode.ControlRequest) {
	a.mu.Lock()
	client, handler := a.client, a.approval
	a.mu.Unlock()
	if client == nil {
		return
	}

	if req.Subtype != claudecode.SubtypeCanUseTool || handler == nil {
		a.respondControl(client, requestID, &claudecode.ControlResponse{
			Subtype: "error",
			Error:   "unsupported control request",
		})
		return
	}

	// The decision blocks on a human; never stall the read loop for it.
	go func() {
		decision := handler(context.Background(), requestID, req.ToolName, req.Input)
		result := &claudecode.PermissionResult{Behavior: claudecode.BehaviorDeny, Message: decision.Message}
		if decision.Allow {
			result.Behavior = claudecode.BehaviorAllow
			if decision.UpdatedInput != nil {
				result.UpdatedInput = decision.UpdatedInput
			}
		}
		a.respondControl(client, requestID, &claudecode.ControlResponse{
			Subtype: "success",
			Result:  result,
		})
	}()
}

func (a *ClaudeAdapter) respondControl(client *claudecode.Client, requestID string, resp *claudecode.ControlResponse) {
	if err := client.SendControlResponse(&claudecode.ControlResponseMessage{
		Type:      claudecode.MessageTypeControlResponse,
		RequestID: requestID,
		Response:  resp,
	}); err != nil {
		a.logger.Warn("failed to send control response", zap.Error(err))
	}
}

// slashCommand extracts the command name from "/cmd ..." text.
func slashCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	cmd := strings.TrimPrefix(text, "/")
	if i := strings.IndexByte(cmd, ' '); i >= 0 {
		cmd = cmd[:i]
	}
	return cmd, cmd != ""
}
