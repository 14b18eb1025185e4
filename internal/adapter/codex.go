package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events"
	"github.com/agendo/agendo/pkg/codexstream"
)

// codexInterruptGrace is how long an interrupted child gets to exit after
// SIGTERM before the group is killed.
const codexInterruptGrace = 5 * time.Second

// CodexAdapter drives the Codex CLI, which takes no messages on stdin:
// every turn is a fresh `codex exec` child resuming the same thread. The
// ManagedProcess returned from Spawn is virtual; its callbacks outlive the
// per-turn children.
type CodexAdapter struct {
	binary string
	logger *logger.Logger

	mu      sync.Mutex
	virtual *codexProcess
	child   *Process
	opts    SpawnOptions

	threadID string

	eventCb      func(events.Event)
	thinkingCb   func(bool)
	sessionRefCb func(string)

	turnDone bool
}

// NewCodexAdapter creates an adapter for the given CLI binary.
func NewCodexAdapter(binary string, log *logger.Logger) *CodexAdapter {
	return &CodexAdapter{
		binary: binary,
		logger: log.WithFields(zap.String("adapter", "codex")),
	}
}

// Spawn starts the first turn.
func (a *CodexAdapter) Spawn(ctx context.Context, opts SpawnOptions) (ManagedProcess, error) {
	a.mu.Lock()
	a.opts = opts
	a.virtual = newCodexProcess()
	a.mu.Unlock()

	if err := a.runTurn(ctx, opts.Prompt); err != nil {
		return nil, err
	}
	return a.virtual, nil
}

// Resume continues an existing thread.
func (a *CodexAdapter) Resume(ctx context.Context, opts SpawnOptions) (ManagedProcess, error) {
	if opts.SessionRef == "" {
		return nil, fmt.Errorf("resume requires a thread id")
	}
	a.mu.Lock()
	a.opts = opts
	a.threadID = opts.SessionRef
	a.virtual = newCodexProcess()
	a.mu.Unlock()

	if err := a.runTurn(ctx, opts.Prompt); err != nil {
		return nil, err
	}
	return a.virtual, nil
}

// SendMessage runs the next turn: any lingering child is killed first, then
// a fresh child resumes the thread with the message as its prompt.
func (a *CodexAdapter) SendMessage(ctx context.Context, msg Message) error {
	if !a.IsAlive() {
		return ErrNotAlive
	}
	if msg.ImageMediaType != "" {
		return fmt.Errorf("codex does not accept image attachments")
	}

	a.mu.Lock()
	child := a.child
	virtual := a.virtual
	a.mu.Unlock()
	if child != nil && child.Alive() {
		// The previous turn's child is being replaced, not the session; its
		// exit must not tear down the virtual process.
		virtual.supersede(child)
		_ = child.Kill()
	}
	return a.runTurn(ctx, msg.Text)
}

// SendToolResult is unsupported: the exec protocol has no tool-result
// channel, tools run inside the CLI's own sandbox.
func (a *CodexAdapter) SendToolResult(ctx context.Context, toolUseID, content string) error {
	return fmt.Errorf("codex adapter does not support tool results")
}

// Interrupt terminates the current child, escalating to a group kill after
// the grace period.
func (a *CodexAdapter) Interrupt(ctx context.Context) error {
	a.mu.Lock()
	child := a.child
	a.mu.Unlock()
	if child == nil || !child.Alive() {
		return nil
	}

	if err := child.Terminate(); err != nil {
		return child.Kill()
	}
	go func() {
		time.Sleep(codexInterruptGrace)
		if child.Alive() {
			a.logger.Warn("codex child ignored SIGTERM, killing group")
			_ = child.Kill()
		}
	}()
	return nil
}

// SetModel stores the model for the next turn's spawn; exec has no hot
// model change.
func (a *CodexAdapter) SetModel(ctx context.Context, model string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.Model = model
	return nil
}

// SetPermissionMode stores the mode for the next turn's spawn.
func (a *CodexAdapter) SetPermissionMode(ctx context.Context, mode string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.opts.PermissionMode = mode
	return nil
}

// IsAlive reports whether the virtual process has not ended. It stays true
// between turns while no child is running.
func (a *CodexAdapter) IsAlive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.virtual != nil && a.virtual.Alive()
}

// OnEvent registers the uniform event callback.
func (a *CodexAdapter) OnEvent(cb func(events.Event)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.eventCb = cb
}

// OnThinkingChange registers the thinking transition callback.
func (a *CodexAdapter) OnThinkingChange(cb func(bool)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.thinkingCb = cb
}

// OnSessionRef registers the thread id capture callback. The first parsed
// thread id is latched.
func (a *CodexAdapter) OnSessionRef(cb func(string)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionRefCb = cb
}

// SetApprovalHandler is a no-op: exec mode never asks for approval, the
// sandbox flags decide up front.
func (a *CodexAdapter) SetApprovalHandler(handler ApprovalHandler) {}

// runTurn spawns one `codex exec` child for the prompt.
func (a *CodexAdapter) runTurn(ctx context.Context, prompt string) error {
	a.mu.Lock()
	opts := a.opts
	threadID := a.threadID
	virtual := a.virtual
	a.turnDone = false
	a.mu.Unlock()

	args := buildCodexArgs(opts, threadID, prompt)

	child, err := SpawnProcess(ctx, CommandSpec{
		Binary:     a.binary,
		Args:       args,
		Dir:        opts.WorkingDir,
		Env:        opts.Env,
		ScanStdout: true,
	}, a.logger)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.child = child
	a.mu.Unlock()
	virtual.attach(child)

	child.OnData(a.handleLine)
	child.OnExit(func(code *int) {
		a.mu.Lock()
		turnDone := a.turnDone
		a.mu.Unlock()
		virtual.childExited(child, code, turnDone)
	})
	return nil
}

// buildCodexArgs assembles the exec argv. A resume invocation may only pass
// the approval flags; --cd and --sandbox belong to the thread and are fixed
// at creation.
func buildCodexArgs(opts SpawnOptions, threadID, prompt string) []string {
	args := []string{"exec"}
	resume := threadID != ""
	if resume {
		args = append(args, "resume", threadID)
	}
	args = append(args, "--json")

	switch opts.PermissionMode {
	case "bypassPermissions":
		args = append(args, "--dangerously-bypass-approvals-and-sandbox")
	case "acceptEdits", "dontAsk":
		args = append(args, "--full-auto")
	}

	if !resume {
		if opts.Model != "" {
			args = append(args, "--model", opts.Model)
		}
		if opts.WorkingDir != "" {
			args = append(args, "--cd", opts.WorkingDir)
		}
	}

	args = append(args, prompt)
	return args
}

// handleLine parses one JSONL frame and drives thinking, ref latching and
// event mapping.
func (a *CodexAdapter) handleLine(line []byte) {
	ev, err := codexstream.Parse(line)
	if err != nil {
		a.logger.Debug("unparseable codex frame", zap.Error(err))
		return
	}

	a.mu.Lock()
	eventCb, thinkingCb, refCb := a.eventCb, a.thinkingCb, a.sessionRefCb
	latchRef := ""
	if ev.Type == codexstream.EventThreadStarted && ev.ThreadID != "" && a.threadID == "" {
		a.threadID = ev.ThreadID
		latchRef = ev.ThreadID
	}
	if ev.Type == codexstream.EventTurnCompleted || ev.Type == codexstream.EventTurnFailed {
		a.turnDone = true
	}
	a.mu.Unlock()

	if latchRef != "" && refCb != nil {
		refCb(latchRef)
	}
	switch ev.Type {
	case codexstream.EventTurnStarted:
		if thinkingCb != nil {
			thinkingCb(true)
		}
	case codexstream.EventTurnCompleted, codexstream.EventTurnFailed:
		if thinkingCb != nil {
			thinkingCb(false)
		}
	}
	if eventCb != nil {
		for _, mapped := range a.mapEvent(ev) {
			eventCb(mapped)
		}
	}
}

// mapEvent translates one exec frame to uniform events.
func (a *CodexAdapter) mapEvent(ev *codexstream.Event) []events.Event {
	switch ev.Type {
	case codexstream.EventThreadStarted:
		return []events.Event{events.New(events.TypeSessionInit, events.InitPayload{
			SessionRef: ev.ThreadID,
		})}

	case codexstream.EventTurnCompleted:
		payload := events.ResultPayload{Turns: 1}
		if ev.Usage != nil {
			payload.ModelUsage = map[string]events.Usage{
				"codex": {InputTokens: ev.Usage.InputTokens, OutputTokens: ev.Usage.OutputTokens},
			}
		}
		return []events.Event{events.New(events.TypeAgentResult, payload)}

	case codexstream.EventTurnFailed, codexstream.EventError:
		out := []events.Event{events.New(events.TypeSystemError, events.SystemPayload{
			Message: ev.ErrorMessage(),
		})}
		if ev.Type == codexstream.EventTurnFailed {
			out = append(out, events.New(events.TypeAgentResult, events.ResultPayload{
				Turns:   1,
				IsError: true,
			}))
		}
		return out

	case codexstream.EventItemCompleted:
		return a.mapItem(ev.Item)
	}
	return nil
}

func (a *CodexAdapter) mapItem(item *codexstream.Item) []events.Event {
	if item == nil {
		return nil
	}
	switch item.Type {
	case codexstream.ItemAgentMessage:
		return []events.Event{events.New(events.TypeAgentText, events.TextPayload{Text: item.Text})}

	case codexstream.ItemReasoning:
		// Reasoning items carry their content in item.text like agent
		// messages do.
		return []events.Event{events.New(events.TypeAgentThinking, events.TextPayload{Text: item.Text})}

	case codexstream.ItemCommandExecution:
		isError := item.ExitCode != nil && *item.ExitCode != 0
		return []events.Event{
			events.New(events.TypeToolStart, events.ToolStartPayload{
				ToolUseID: item.ID,
				ToolName:  "command_execution",
				Input:     map[string]any{"command": item.Command},
			}),
			events.New(events.TypeToolEnd, events.ToolEndPayload{
				ToolUseID: item.ID,
				Content:   item.AggregatedOutput,
				IsError:   isError,
			}),
		}

	case codexstream.ItemFileChange:
		paths := make([]string, 0, len(item.Changes))
		for _, ch := range item.Changes {
			paths = append(paths, ch.Path)
		}
		return []events.Event{events.New(events.TypeAgentActivity, events.ActivityPayload{
			Kind:   "file_change",
			Detail: joinPaths(paths),
		})}

	case codexstream.ItemMCPToolCall:
		return []events.Event{events.New(events.TypeAgentActivity, events.ActivityPayload{
			Kind:   "mcp_tool_call",
			Detail: item.Server + "." + item.Tool,
		})}

	case codexstream.ItemWebSearch:
		return []events.Event{events.New(events.TypeAgentActivity, events.ActivityPayload{
			Kind:   "web_search",
			Detail: item.Query,
		})}

	case codexstream.ItemTodoList:
		return []events.Event{events.New(events.TypeAgentActivity, events.ActivityPayload{
			Kind:   "todo_list",
			Detail: fmt.Sprintf("%d items", len(item.Items)),
		})}
	}
	return nil
}

func joinPaths(paths []string) string {
	out := ""
	for i, p := range paths {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}

// codexProcess is the virtual ManagedProcess: one per session, surviving
// the per-turn children. Exit fires when the session is torn down or a
// child dies before completing its turn, never on a clean turn end.
type codexProcess struct {
	mu         sync.Mutex
	child      *Process
	dataCbs    []func([]byte)
	exitCbs    []func(*int)
	superseded map[*Process]bool
	ending     bool
	exited     bool
	exitCode   *int
}

func newCodexProcess() *codexProcess {
	return &codexProcess{superseded: make(map[*Process]bool)}
}

// attach points the virtual process at the current turn's child.
func (p *codexProcess) attach(child *Process) {
	p.mu.Lock()
	p.child = child
	cbs := p.dataCbs
	p.mu.Unlock()
	for _, cb := range cbs {
		child.OnData(cb)
	}
}

// PID returns the current child's pid, or 0 between turns.
func (p *codexProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.child == nil || !p.child.Alive() {
		return 0
	}
	return p.child.PID()
}

// Kill ends the session: the current child's group is killed and exit
// fires.
func (p *codexProcess) Kill() error {
	return p.end(func(child *Process) error { return child.Kill() })
}

// Terminate ends the session with SIGTERM.
func (p *codexProcess) Terminate() error {
	return p.end(func(child *Process) error { return child.Terminate() })
}

func (p *codexProcess) end(signal func(*Process) error) error {
	p.mu.Lock()
	p.ending = true
	child := p.child
	p.mu.Unlock()

	if child != nil && child.Alive() {
		return signal(child)
	}
	// No live child to signal; exit immediately.
	p.fireExit(nil)
	return nil
}

// OnData registers a line callback on the virtual process and every future
// child.
func (p *codexProcess) OnData(cb func(line []byte)) {
	p.mu.Lock()
	p.dataCbs = append(p.dataCbs, cb)
	child := p.child
	p.mu.Unlock()
	if child != nil {
		child.OnData(cb)
	}
}

// OnExit registers an exit callback.
func (p *codexProcess) OnExit(cb func(exitCode *int)) {
	p.mu.Lock()
	if p.exited {
		code := p.exitCode
		p.mu.Unlock()
		cb(code)
		return
	}
	p.exitCbs = append(p.exitCbs, cb)
	p.mu.Unlock()
}

// Alive reports whether the virtual process has not ended.
func (p *codexProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// StderrTail returns the current child's stderr tail.
func (p *codexProcess) StderrTail() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.child == nil {
		return ""
	}
	return p.child.StderrTail()
}

// supersede marks a child as replaced by the next turn. Its exit is
// swallowed no matter how it dies; the replacement child's exit carries the
// session's fate from then on.
func (p *codexProcess) supersede(child *Process) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.superseded[child] = true
}

// childExited handles a per-turn child exit. A superseded child's exit is
// ignored; a clean exit after a completed turn keeps the virtual process
// alive for the next message; anything else ends it.
func (p *codexProcess) childExited(from *Process, code *int, turnDone bool) {
	p.mu.Lock()
	if from != nil && p.superseded[from] {
		delete(p.superseded, from)
		p.mu.Unlock()
		return
	}
	ending := p.ending
	p.mu.Unlock()

	cleanTurn := turnDone && code != nil && *code == 0
	if !ending && cleanTurn {
		return
	}
	p.fireExit(code)
}

func (p *codexProcess) fireExit(code *int) {
	p.mu.Lock()
	if p.exited {
		p.mu.Unlock()
		return
	}
	p.exited = true
	p.exitCode = code
	cbs := p.exitCbs
	p.exitCbs = nil
	p.mu.Unlock()

	for _, cb := range cbs {
		cb(code)
	}
}
