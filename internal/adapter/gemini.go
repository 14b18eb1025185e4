package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events"
	"github.com/agendo/agendo/pkg/acp/jsonrpc"
)

// geminiCancelGrace is how long a cancelled prompt gets before the process
// group is killed.
const geminiCancelGrace = 2 * time.Second

const geminiHandshakeTimeout = 30 * time.Second

// GeminiAdapter drives the Gemini CLI in ACP mode: JSON-RPC 2.0 over
// stdio, one persistent process, one prompt call per turn.
type GeminiAdapter struct {
	binary string
	logger *logger.Logger

	mu           sync.Mutex
	proc         *Process
	conn         *jsonrpc.Conn
	acpSessionID string

	eventCb      func(events.Event)
	thinkingCb   func(bool)
	sessionRefCb func(string)
	approval     ApprovalHandler

	promptActive bool
	turnText     string
}

// NewGeminiAdapter creates an adapter for the given CLI binary.
func NewGeminiAdapter(binary string, log *logger.Logger) *GeminiAdapter {
	return &GeminiAdapter{
		binary: binary,
		logger: log.WithFields(zap.String("adapter", "gemini")),
	}
}

// Spawn starts the process, performs the ACP handshake and sends the first
// prompt.
func (a *GeminiAdapter) Spawn(ctx context.Context, opts SpawnOptions) (ManagedProcess, error) {
	return a.spawn(ctx, opts, "")
}

// Resume restarts the process against an existing ACP session.
func (a *GeminiAdapter) Resume(ctx context.Context, opts SpawnOptions) (ManagedProcess, error) {
	if opts.SessionRef == "" {
		return nil, fmt.Errorf("resume requires an ACP session id")
	}
	return a.spawn(ctx, opts, opts.SessionRef)
}

func (a *GeminiAdapter) spawn(ctx context.Context, opts SpawnOptions, resumeRef string) (ManagedProcess, error) {
	proc, err := SpawnProcess(ctx, CommandSpec{
		Binary: a.binary,
		Args:   []string{"--experimental-acp"},
		Dir:    opts.WorkingDir,
		Env:    opts.Env,
	}, a.logger)
	if err != nil {
		return nil, err
	}

	connCtx, cancel := context.WithCancel(context.Background())
	conn := jsonrpc.NewConn(proc.Stdin(), proc.Stdout(), a.logger)
	conn.SetRequestHandler(a.handleRequest)
	conn.SetNotificationHandler(a.handleNotification)
	conn.Start(connCtx)

	proc.OnExit(func(_ *int) {
		cancel()
		conn.Close()
	})

	a.mu.Lock()
	a.proc = proc
	a.conn = conn
	a.mu.Unlock()

	sessionID, err := a.handshake(ctx, opts, resumeRef)
	if err != nil {
		_ = proc.Kill()
		return nil, err
	}

	a.mu.Lock()
	a.acpSessionID = sessionID
	refCb := a.sessionRefCb
	a.mu.Unlock()
	if refCb != nil {
		refCb(sessionID)
	}
	a.emit(events.New(events.TypeSessionInit, events.InitPayload{SessionRef: sessionID}))

	if opts.Prompt != "" {
		a.startPrompt(opts.Prompt)
	}
	return proc, nil
}

// handshake runs initialize then session/new (or session/load on resume).
func (a *GeminiAdapter) handshake(ctx context.Context, opts SpawnOptions, resumeRef string) (string, error) {
	hctx, cancel := context.WithTimeout(ctx, geminiHandshakeTimeout)
	defer cancel()

	var initResult jsonrpc.InitializeResult
	if err := a.conn.Call(hctx, jsonrpc.MethodInitialize, jsonrpc.InitializeParams{
		ProtocolVersion: 1,
	}, &initResult); err != nil {
		return "", fmt.Errorf("initialize failed: %w", err)
	}

	if resumeRef != "" && initResult.AgentCapabilities.LoadSession {
		if err := a.conn.Call(hctx, jsonrpc.MethodSessionLoad, jsonrpc.SessionLoadParams{
			SessionID:  resumeRef,
			Cwd:        opts.WorkingDir,
			McpServers: []jsonrpc.McpServer{},
		}, nil); err != nil {
			a.logger.Warn("session/load failed, creating a fresh session", zap.Error(err))
		} else {
			return resumeRef, nil
		}
	}

	var newResult jsonrpc.SessionNewResult
	if err := a.conn.Call(hctx, jsonrpc.MethodSessionNew, jsonrpc.SessionNewParams{
		Cwd:        opts.WorkingDir,
		McpServers: []jsonrpc.McpServer{},
	}, &newResult); err != nil {
		return "", fmt.Errorf("session/new failed: %w", err)
	}
	return newResult.SessionID, nil
}

// SendMessage runs one turn via session/prompt. The call blocks inside the
// agent until the turn ends, so it runs on its own goroutine.
func (a *GeminiAdapter) SendMessage(ctx context.Context, msg Message) error {
	a.mu.Lock()
	alive := a.proc != nil && a.proc.Alive()
	busy := a.promptActive
	a.mu.Unlock()
	if !alive {
		return ErrNotAlive
	}
	if busy {
		return fmt.Errorf("a prompt is already in flight")
	}
	a.startPromptWithImage(msg.Text, msg.ImageMediaType, msg.ImageData)
	return nil
}

func (a *GeminiAdapter) startPrompt(text string) {
	a.startPromptWithImage(text, "", "")
}

func (a *GeminiAdapter) startPromptWithImage(text, mediaType, data string) {
	a.mu.Lock()
	conn, sessionID := a.conn, a.acpSessionID
	thinkingCb := a.thinkingCb
	a.promptActive = true
	a.turnText = ""
	a.mu.Unlock()

	prompt := []jsonrpc.ContentBlock{{Type: "text", Text: text}}
	if mediaType != "" && data != "" {
		prompt = append(prompt, jsonrpc.ContentBlock{
			Type: "image", MimeType: mediaType, Data: data,
		})
	}

	if thinkingCb != nil {
		thinkingCb(true)
	}

	go func() {
		var result jsonrpc.SessionPromptResult
		err := conn.Call(context.Background(), jsonrpc.MethodSessionPrompt, jsonrpc.SessionPromptParams{
			SessionID: sessionID,
			Prompt:    prompt,
		}, &result)

		a.mu.Lock()
		a.promptActive = false
		turnText := a.turnText
		a.turnText = ""
		thinkingCb := a.thinkingCb
		a.mu.Unlock()

		if err != nil {
			a.emit(events.New(events.TypeSystemError, events.SystemPayload{Message: err.Error()}))
		} else {
			if turnText != "" {
				a.emit(events.New(events.TypeAgentText, events.TextPayload{Text: turnText}))
			}
			a.emit(events.New(events.TypeAgentResult, events.ResultPayload{
				Turns:   1,
				IsError: result.StopReason == "refusal",
			}))
		}
		if thinkingCb != nil {
			thinkingCb(false)
		}
	}()
}

// SendToolResult is unsupported: ACP tools execute agent-side and report
// through tool_call_update notifications.
func (a *GeminiAdapter) SendToolResult(ctx context.Context, toolUseID, content string) error {
	return fmt.Errorf("gemini adapter does not support tool results")
}

// Interrupt cancels every in-flight request plus the session, then kills
// the process group if the agent does not wind down in time.
func (a *GeminiAdapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	conn, proc, sessionID := a.conn, a.proc, a.acpSessionID
	a.mu.Unlock()
	if proc == nil || !proc.Alive() {
		return ErrNotAlive
	}

	a.cancelPending(conn)
	if err := conn.Notify(jsonrpc.NotificationSessionCancel, jsonrpc.SessionCancelParams{
		SessionID: sessionID,
	}); err != nil {
		a.logger.Warn("session/cancel failed, killing group", zap.Error(err))
		return proc.Kill()
	}

	go func() {
		time.Sleep(geminiCancelGrace)
		a.mu.Lock()
		stillBusy := a.promptActive
		a.mu.Unlock()
		if stillBusy && proc.Alive() {
			a.logger.Warn("gemini ignored cancel, killing group")
			_ = proc.Kill()
		}
	}()
	return nil
}

// cancelPending sends $/cancelRequest for every request still waiting on a
// response, covering prompts and anything else in flight.
func (a *GeminiAdapter) cancelPending(conn *jsonrpc.Conn) {
	for _, id := range conn.PendingIDs() {
		if err := conn.Notify(jsonrpc.NotificationCancelRequest, jsonrpc.CancelRequestParams{ID: id}); err != nil {
			a.logger.Warn("cancel notification failed", zap.Int64("request_id", id), zap.Error(err))
			return
		}
	}
}

// SetModel is stored for the next spawn; ACP has no hot model change.
func (a *GeminiAdapter) SetModel(ctx context.Context, model string) error {
	return nil
}

// SetPermissionMode is persisted by the caller; ACP decides per tool call
// through request_permission.
func (a *GeminiAdapter) SetPermissionMode(ctx context.Context, mode string) error {
	return nil
}

// IsAlive reports whether the process is running.
func (a *GeminiAdapter) IsAlive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.proc != nil && a.proc.Alive()
}

// OnEvent registers the uniform event callback.
func (a *GeminiAdapter) OnEvent(cb func(events.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventCb = cb
}

// OnThinkingChange registers the thinking transition callback.
func (a *GeminiAdapter) OnThinkingChange(cb func(bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thinkingCb = cb
}

// OnSessionRef registers the ACP session id capture callback.
func (a *GeminiAdapter) OnSessionRef(cb func(string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionRefCb = cb
}

// SetApprovalHandler installs the tool approval decision source.
func (a *GeminiAdapter) SetApprovalHandler(handler ApprovalHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.approval = handler
}

// handleRequest serves agent-initiated requests; only request_permission is
// supported.
func (a *GeminiAdapter) handleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	if method != jsonrpc.MethodRequestPermission {
		return nil, fmt.Errorf("unsupported method %s", method)
	}

	var p jsonrpc.RequestPermissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("bad request_permission params: %w", err)
	}

	a.mu.Lock()
	handler := a.approval
	a.mu.Unlock()
	if handler == nil {
		return jsonrpc.RequestPermissionResult{
			Outcome: jsonrpc.PermissionOutcome{Outcome: "cancelled"},
		}, nil
	}

	var input map[string]any
	if len(p.ToolCall.RawInput) > 0 {
		_ = json.Unmarshal(p.ToolCall.RawInput, &input)
	}

	decision := handler(ctx, p.ToolCall.ToolCallID, p.ToolCall.Title, input)
	optionID := selectPermissionOption(p.Options, decision.Allow)
	return jsonrpc.RequestPermissionResult{
		Outcome: jsonrpc.PermissionOutcome{Outcome: "selected", OptionID: optionID},
	}, nil
}

// selectPermissionOption picks the agent-offered option matching the
// decision, defaulting to the protocol's well-known ids.
func selectPermissionOption(options []jsonrpc.PermissionOption, allow bool) string {
	want := "allow_once"
	fallback := "proceed_once"
	if !allow {
		want = "reject_once"
		fallback = "decline"
	}
	for _, opt := range options {
		if opt.Kind == want {
			return opt.OptionID
		}
	}
	return fallback
}

// handleNotification maps session/update notifications to uniform events.
func (a *GeminiAdapter) handleNotification(method string, params json.RawMessage) {
	if method != jsonrpc.NotificationSessionUpdate {
		return
	}
	var p jsonrpc.SessionUpdateParams
	if err := json.Unmarshal(params, &p); err != nil {
		a.logger.Debug("bad session/update params", zap.Error(err))
		return
	}

	for _, ev := range a.mapUpdate(&p.Update) {
		a.emit(ev)
	}
}

// mapUpdate translates one session update. Message chunks stream as deltas
// and accumulate into the turn text emitted whole at prompt end.
func (a *GeminiAdapter) mapUpdate(u *jsonrpc.SessionUpdate) []events.Event {
	switch u.SessionUpdate {
	case jsonrpc.UpdateAgentMessageChunk:
		if u.Content == nil {
			return nil
		}
		a.mu.Lock()
		a.turnText += u.Content.Text
		a.mu.Unlock()
		return []events.Event{events.New(events.TypeAgentDelta, events.TextPayload{Text: u.Content.Text})}

	case jsonrpc.UpdateAgentThoughtChunk:
		if u.Content == nil {
			return nil
		}
		return []events.Event{events.New(events.TypeAgentThinking, events.TextPayload{Text: u.Content.Text})}

	case jsonrpc.UpdateToolCall:
		var input map[string]any
		if len(u.RawInput) > 0 {
			_ = json.Unmarshal(u.RawInput, &input)
		}
		return []events.Event{events.New(events.TypeToolStart, events.ToolStartPayload{
			ToolUseID: u.ToolCallID,
			ToolName:  u.Title,
			Input:     input,
		})}

	case jsonrpc.UpdateToolCallUpdate:
		if u.Status != "completed" && u.Status != "failed" {
			return nil
		}
		return []events.Event{events.New(events.TypeToolEnd, events.ToolEndPayload{
			ToolUseID: u.ToolCallID,
			Content:   string(u.RawOutput),
			IsError:   u.Status == "failed",
		})}

	case jsonrpc.UpdatePlan:
		return []events.Event{events.New(events.TypeAgentActivity, events.ActivityPayload{
			Kind:   "plan",
			Detail: fmt.Sprintf("%d steps", len(u.Entries)),
		})}
	}
	return nil
}

func (a *GeminiAdapter) emit(ev events.Event) {
	a.mu.Lock()
	cb := a.eventCb
	a.mu.Unlock()
	if cb != nil {
		cb(ev)
	}
}
