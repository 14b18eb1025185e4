// Package session implements the session process: the single owner of one
// agent adapter. Adapter callbacks, control messages, timer fires and the
// exit notification all funnel into one serialized loop, so state
// transitions never race.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events"
	"github.com/agendo/agendo/internal/notify"
	"github.com/agendo/agendo/internal/store"
)

// deltaWindow is the batching window for ephemeral text deltas.
const deltaWindow = 200 * time.Millisecond

// idleEscalationGrace is how long an idle-fired interrupt gets before the
// process group is terminated.
const idleEscalationGrace = 5 * time.Second

// Options parameterizes a session process. The runner resolves prompt,
// working dir and env through the safety gate before constructing one.
type Options struct {
	Session     *store.Session
	ExecutionID string
	WorkingDir  string
	Env         []string
	Prompt      string
	DangerLevel string

	// Test seam; zero means idleEscalationGrace.
	EscalationGrace time.Duration
}

// Process owns one adapter and its durable session row.
type Process struct {
	id      string
	store   *store.Store
	bus     notify.Bus
	adapter adapter.Adapter
	logger  *logger.Logger
	opts    Options

	ctx    context.Context
	inputs chan func()
	done   chan struct{}

	proc    adapter.ManagedProcess
	ctrlSub notify.Subscription

	// Loop-owned state; only the serialized loop touches these.
	status        store.SessionStatus
	sessionRef    string
	idleTimeout   time.Duration
	idleTimer     *time.Timer
	queuedMessage *adapter.Message
	deltaBuf      string
	deltaPending  bool
	exitHandled   bool

	// Crossed by adapter goroutines; guarded separately.
	approvalsMu sync.Mutex
	approvals   map[string]chan adapter.Decision
	ended       bool

	exitMu   sync.Mutex
	exitCode *int
	exitCh   chan struct{}
}

// New constructs a session process around an already-built adapter.
func New(st *store.Store, bus notify.Bus, ad adapter.Adapter, opts Options, log *logger.Logger) *Process {
	p := &Process{
		id:      opts.Session.ID,
		store:   st,
		bus:     bus,
		adapter: ad,
		opts:    opts,
		logger:  log.WithFields(zap.String("session_id", opts.Session.ID)),

		inputs:    make(chan func(), 256),
		done:      make(chan struct{}),
		approvals: make(map[string]chan adapter.Decision),
		exitCh:    make(chan struct{}),

		status:     opts.Session.Status,
		sessionRef: opts.Session.SessionRef,
	}
	if opts.Session.IdleTimeoutSec != nil && *opts.Session.IdleTimeoutSec > 0 {
		p.idleTimeout = time.Duration(*opts.Session.IdleTimeoutSec) * time.Second
	}
	if p.opts.EscalationGrace == 0 {
		p.opts.EscalationGrace = idleEscalationGrace
	}
	return p
}

// Start spawns (or resumes) the adapter, subscribes to the control channel
// and enters the active state.
func (p *Process) Start(ctx context.Context) error {
	p.ctx = ctx

	p.adapter.OnEvent(func(ev events.Event) {
		p.enqueue(func() { p.handleEvent(ev) })
	})
	p.adapter.OnSessionRef(func(ref string) {
		p.enqueue(func() { p.captureRef(ref) })
	})
	p.adapter.OnThinkingChange(func(thinking bool) {
		p.enqueue(func() { p.handleThinking(thinking) })
	})
	p.adapter.SetApprovalHandler(p.approvalHandler)

	sub, err := p.bus.Subscribe(notify.ControlChannel(p.id), p.handleControl)
	if err != nil {
		return fmt.Errorf("failed to subscribe to control channel: %w", err)
	}
	p.ctrlSub = sub

	spawnOpts := adapter.SpawnOptions{
		WorkingDir:     p.opts.WorkingDir,
		Env:            p.opts.Env,
		Model:          p.opts.Session.Model,
		PermissionMode: string(p.opts.Session.PermissionMode),
		Prompt:         p.opts.Prompt,
		SessionRef:     p.sessionRef,
	}

	var proc adapter.ManagedProcess
	if p.sessionRef != "" {
		proc, err = p.adapter.Resume(ctx, spawnOpts)
	} else {
		proc, err = p.adapter.Spawn(ctx, spawnOpts)
	}
	if err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("failed to spawn agent: %w", err)
	}
	p.proc = proc
	proc.OnExit(func(code *int) {
		p.enqueue(func() { p.handleExit(code) })
	})

	go p.loop()
	p.enqueue(func() { p.setStatus(store.SessionActive) })
	return nil
}

// WaitForExit blocks until the adapter process exits. A nil code means the
// process died on a signal.
func (p *Process) WaitForExit(ctx context.Context) (*int, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.exitCh:
		p.exitMu.Lock()
		defer p.exitMu.Unlock()
		return p.exitCode, nil
	}
}

// Status returns the live status mirror. Safe to call concurrently; the
// value may lag the loop by one transition.
func (p *Process) Status() store.SessionStatus {
	result := make(chan store.SessionStatus, 1)
	select {
	case p.inputs <- func() { result <- p.status }:
	case <-p.done:
		// Loop is gone; status is final.
		return p.status
	}
	select {
	case s := <-result:
		return s
	case <-p.done:
		return p.status
	}
}

// SessionID returns the durable session id.
func (p *Process) SessionID() string { return p.id }

// PID returns the agent child's pid, or 0 before Start.
func (p *Process) PID() int {
	if p.proc == nil {
		return 0
	}
	return p.proc.PID()
}

// Terminate sends SIGTERM to the agent's process group.
func (p *Process) Terminate() {
	if p.proc != nil {
		_ = p.proc.Terminate()
	}
}

// Kill sends SIGKILL to the agent's process group.
func (p *Process) Kill() {
	if p.proc != nil {
		_ = p.proc.Kill()
	}
}

// Interrupt asks the adapter to stop the current turn.
func (p *Process) Interrupt(ctx context.Context) error {
	return p.adapter.Interrupt(ctx)
}

func (p *Process) enqueue(fn func()) {
	select {
	case <-p.done:
	case p.inputs <- fn:
	}
}

func (p *Process) loop() {
	for {
		select {
		case fn := <-p.inputs:
			fn()
		case <-p.done:
			return
		}
	}
}

// handleEvent processes one uniform event from the adapter, on the loop.
func (p *Process) handleEvent(ev events.Event) {
	if p.exitHandled {
		return
	}

	if p.status == store.SessionActive {
		if err := p.store.TouchSessionActivity(p.ctx, p.id, time.Now()); err != nil {
			p.logger.Warn("failed to touch activity", zap.Error(err))
		}
	}

	// Deltas batch locally; everything else flushes the batch first so
	// ordering on the bus matches the adapter stream.
	if ev.Type == events.TypeAgentDelta {
		p.bufferDelta(ev)
		return
	}
	p.flushDeltas()

	p.publish(ev)

	if ev.Type == events.TypeAgentResult {
		p.handleResult(ev)
	}
}

// handleThinking refreshes the activity clock when the agent starts working,
// so long tool-heavy turns with sparse mapped events do not look stale.
func (p *Process) handleThinking(thinking bool) {
	if p.exitHandled || !thinking {
		return
	}
	if err := p.store.TouchSessionActivity(p.ctx, p.id, time.Now()); err != nil {
		p.logger.Warn("failed to touch activity", zap.Error(err))
	}
}

// handleResult persists usage and transitions active -> awaiting_input. The
// idle timer rearms here and only here.
func (p *Process) handleResult(ev events.Event) {
	p.deltaBuf = ""

	if payload, ok := ev.Payload.(events.ResultPayload); ok {
		if err := p.store.AccumulateSessionUsage(p.ctx, p.id, payload.CostUSD, payload.Turns, payload.DurationMs); err != nil {
			p.logger.Warn("failed to accumulate usage", zap.Error(err))
		}
	}

	if p.status != store.SessionActive {
		return
	}
	p.setStatus(store.SessionAwaitingInput)

	if p.queuedMessage != nil {
		msg := *p.queuedMessage
		p.queuedMessage = nil
		p.sendMessage(msg)
		return
	}
	p.armIdleTimer()
}

// bufferDelta accumulates ephemeral delta text and schedules a flush.
func (p *Process) bufferDelta(ev events.Event) {
	if payload, ok := ev.Payload.(events.TextPayload); ok {
		p.deltaBuf += payload.Text
	}
	if p.deltaPending {
		return
	}
	p.deltaPending = true
	time.AfterFunc(deltaWindow, func() {
		p.enqueue(p.flushDeltas)
	})
}

func (p *Process) flushDeltas() {
	p.deltaPending = false
	if p.deltaBuf == "" {
		return
	}
	text := p.deltaBuf
	p.deltaBuf = ""

	ev := events.New(events.TypeAgentDelta, events.TextPayload{Text: text})
	ev.SessionID = p.id
	ev.Timestamp = time.Now().UTC()

	payload, _, err := notify.EncodeEvent(ev)
	if err != nil {
		// Oversize ephemeral payloads have no row to stub; the complete
		// agent:text that follows carries the content.
		p.logger.Debug("dropping oversize delta batch", zap.Int("bytes", len(text)))
		return
	}
	if err := p.bus.Publish(p.ctx, notify.EventsChannel(p.id), payload); err != nil {
		p.logger.Warn("failed to publish delta", zap.Error(err))
	}
}

// publish assigns the sequence id, persists and publishes one event.
func (p *Process) publish(ev events.Event) {
	ev.SessionID = p.id
	ev.Timestamp = time.Now().UTC()

	if !ev.Type.Ephemeral() {
		if err := p.store.AppendEvent(p.ctx, &ev); err != nil {
			p.logger.Error("failed to persist event", zap.String("type", string(ev.Type)), zap.Error(err))
			return
		}
	}

	payload, stubbed, err := notify.EncodeEvent(ev)
	if err != nil {
		p.logger.Warn("failed to encode event", zap.Error(err))
		return
	}
	if stubbed {
		p.logger.Debug("published ref stub", zap.String("type", string(ev.Type)), zap.Int64("seq", ev.Seq))
	}
	if err := p.bus.Publish(p.ctx, notify.EventsChannel(p.id), payload); err != nil {
		p.logger.Warn("failed to publish event", zap.Error(err))
	}
}

// captureRef persists the adapter's conversation handle. Write-once; the
// store ignores repeats.
func (p *Process) captureRef(ref string) {
	if ref == "" {
		return
	}
	if p.sessionRef == "" {
		p.sessionRef = ref
	}
	if err := p.store.SetSessionRef(p.ctx, p.id, ref); err != nil {
		p.logger.Warn("failed to persist session ref", zap.Error(err))
	}
}

// setStatus updates the durable row, the live mirror, and publishes
// session:state.
func (p *Process) setStatus(status store.SessionStatus) {
	p.status = status
	if err := p.store.UpdateSessionStatus(p.ctx, p.id, status); err != nil {
		p.logger.Error("failed to update session status", zap.Error(err))
	}
	p.publish(events.New(events.TypeSessionState, events.StatePayload{Status: string(status)}))
}

// armIdleTimer starts the idle countdown. Zero timeout means never.
func (p *Process) armIdleTimer() {
	p.stopIdleTimer()
	if p.idleTimeout <= 0 {
		return
	}
	p.idleTimer = time.AfterFunc(p.idleTimeout, func() {
		p.enqueue(p.idleFired)
	})
}

func (p *Process) stopIdleTimer() {
	if p.idleTimer != nil {
		p.idleTimer.Stop()
		p.idleTimer = nil
	}
}

// idleFired interrupts an idle-timed-out session, escalating to SIGTERM on
// the group after the grace period. The exit path then lands in idle. Stale
// fires after a hot message are ignored by the status guard.
func (p *Process) idleFired() {
	if p.status != store.SessionAwaitingInput || p.exitHandled {
		return
	}
	p.logger.Info("idle timeout reached, suspending session")
	if err := p.adapter.Interrupt(p.ctx); err != nil {
		p.logger.Warn("idle interrupt failed", zap.Error(err))
	}
	grace := p.opts.EscalationGrace
	time.AfterFunc(grace, func() {
		p.enqueue(func() {
			if !p.exitHandled {
				p.logger.Warn("agent ignored idle interrupt, terminating group")
				p.Terminate()
			}
		})
	})
}

// sendMessage forwards a user message to the adapter and flips to active.
func (p *Process) sendMessage(msg adapter.Message) {
	p.stopIdleTimer()
	p.setStatus(store.SessionActive)
	p.publish(events.New(events.TypeUserMessage, events.MessagePayload{
		Text:     msg.Text,
		HasImage: msg.ImageMediaType != "",
	}))
	if err := p.adapter.SendMessage(p.ctx, msg); err != nil {
		p.logger.Error("failed to send message", zap.Error(err))
		p.publish(events.New(events.TypeSystemError, events.SystemPayload{
			Message: "failed to deliver message: " + err.Error(),
		}))
	}
}

// sendDirective forwards a housekeeping command to the adapter. Directives
// are not user messages: no user:message event, no status change.
func (p *Process) sendDirective(text string) {
	if err := p.adapter.SendMessage(p.ctx, adapter.Message{Text: text}); err != nil {
		p.logger.Warn("failed to send directive", zap.String("directive", text), zap.Error(err))
	}
}

// handleExit is the terminal transition. exitHandled guards double fire
// across adapter retries.
func (p *Process) handleExit(code *int) {
	if p.exitHandled {
		return
	}
	p.exitHandled = true

	p.stopIdleTimer()
	p.flushDeltas()
	p.rejectApprovals()

	final := store.SessionEnded
	if p.sessionRef != "" {
		final = store.SessionIdle
	}
	if err := p.store.TouchSessionActivity(p.ctx, p.id, time.Now()); err != nil {
		p.logger.Warn("failed to touch activity", zap.Error(err))
	}
	p.setStatus(final)

	if p.ctrlSub != nil {
		_ = p.ctrlSub.Unsubscribe()
	}

	p.exitMu.Lock()
	p.exitCode = code
	p.exitMu.Unlock()
	close(p.exitCh)
	close(p.done)
}

// rejectApprovals resolves every pending approval as deny so the adapter's
// in-flight requests complete.
func (p *Process) rejectApprovals() {
	p.approvalsMu.Lock()
	defer p.approvalsMu.Unlock()
	p.ended = true
	for id, ch := range p.approvals {
		select {
		case ch <- adapter.Decision{Allow: false, Message: "session ended"}:
		default:
		}
		delete(p.approvals, id)
	}
}

// approvalHandler runs on an adapter goroutine. It publishes the approval
// request, registers a pending record, and blocks until a decision arrives
// on the control channel or the session ends.
func (p *Process) approvalHandler(ctx context.Context, approvalID, toolName string, input map[string]any) adapter.Decision {
	ch := make(chan adapter.Decision, 1)

	p.approvalsMu.Lock()
	if p.ended {
		p.approvalsMu.Unlock()
		return adapter.Decision{Allow: false, Message: "session ended"}
	}
	p.approvals[approvalID] = ch
	p.approvalsMu.Unlock()

	p.enqueue(func() {
		p.publish(events.New(events.TypeToolApproval, events.ToolApprovalPayload{
			ApprovalID:  approvalID,
			ToolName:    toolName,
			ToolInput:   input,
			DangerLevel: p.opts.DangerLevel,
		}))
	})

	select {
	case decision := <-ch:
		return decision
	case <-p.done:
		return adapter.Decision{Allow: false, Message: "session ended"}
	case <-ctx.Done():
		return adapter.Decision{Allow: false, Message: "approval abandoned"}
	}
}

// resolveApproval delivers a decision to the blocked approval handler.
func (p *Process) resolveApproval(approvalID string, decision adapter.Decision) {
	p.approvalsMu.Lock()
	ch, ok := p.approvals[approvalID]
	if ok {
		delete(p.approvals, approvalID)
	}
	p.approvalsMu.Unlock()
	if !ok {
		p.logger.Warn("decision for unknown approval", zap.String("approval_id", approvalID))
		return
	}
	select {
	case ch <- decision:
	default:
	}
}

// handleControl runs on the bus goroutine; it decodes the payload and hands
// it to the loop.
func (p *Process) handleControl(ctx context.Context, channel string, payload []byte) error {
	var msg ControlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("bad control payload: %w", err)
	}
	p.enqueue(func() { p.dispatchControl(&msg) })
	return nil
}

// dispatchControl runs one control message on the loop.
func (p *Process) dispatchControl(msg *ControlMessage) {
	if p.exitHandled {
		return
	}
	switch msg.Type {
	case ControlMessageText:
		m := adapter.Message{Text: msg.Text, ImageMediaType: msg.ImageMediaType, ImageData: msg.ImageData}
		switch p.status {
		case store.SessionAwaitingInput:
			p.sendMessage(m)
		case store.SessionActive:
			// Latest wins; flushed when the turn ends.
			p.queuedMessage = &m
		default:
			// Cold sessions are resumed by a fresh execution, not here.
		}

	case ControlToolResult:
		if err := p.adapter.SendToolResult(p.ctx, msg.ID, msg.Content); err != nil {
			p.logger.Warn("failed to send tool result", zap.Error(err))
		}

	case ControlApprovalDecision:
		// Mode changes ride along with the decision and apply first, so an
		// allow-and-widen takes effect for the approved call's successors.
		if msg.PostApprovalMode != "" {
			p.applyPermissionMode(msg.PostApprovalMode)
		}
		p.resolveApproval(msg.ApprovalID, adapter.Decision{
			Allow:        msg.Decision == "allow",
			UpdatedInput: msg.UpdatedInput,
			Message:      msg.Message,
		})
		if msg.PostApprovalCompact {
			p.sendDirective("/compact")
		}
		if msg.ClearContextRestart {
			p.sendDirective("/clear")
		}

	case ControlInterrupt:
		if err := p.adapter.Interrupt(p.ctx); err != nil {
			p.logger.Warn("interrupt failed", zap.Error(err))
		}

	case ControlSetPermissionMode:
		p.applyPermissionMode(msg.Mode)

	case ControlSetModel:
		if err := p.store.SetSessionModel(p.ctx, p.id, msg.Model); err != nil {
			p.logger.Warn("failed to persist model", zap.Error(err))
		}
		if err := p.adapter.SetModel(p.ctx, msg.Model); err != nil {
			p.logger.Warn("failed to apply model", zap.Error(err))
		}

	default:
		p.logger.Warn("unknown control type", zap.String("type", msg.Type))
	}
}

// applyPermissionMode persists the mode and pushes it to a live adapter.
func (p *Process) applyPermissionMode(mode string) {
	if err := p.store.SetPermissionMode(p.ctx, p.id, store.PermissionMode(mode)); err != nil {
		p.logger.Warn("failed to persist permission mode", zap.Error(err))
		return
	}
	if p.status == store.SessionActive || p.status == store.SessionAwaitingInput {
		if err := p.adapter.SetPermissionMode(p.ctx, mode); err != nil {
			p.logger.Warn("failed to apply permission mode", zap.Error(err))
		}
	}
}
