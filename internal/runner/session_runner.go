// Package runner contains the queue handlers: the session runner drives one
// interactive turn-cycle, the execution runner drives one-shot template
// capabilities.
package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/notify"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/safety"
	"github.com/agendo/agendo/internal/session"
	"github.com/agendo/agendo/internal/store"
)

// SessionRunPayload is the session:run job payload.
type SessionRunPayload struct {
	SessionID   string `json:"sessionId"`
	ExecutionID string `json:"executionId"`
	ResumeRef   string `json:"resumeRef,omitempty"`
}

// AdapterFactory builds the protocol adapter for an agent. Test seam;
// production uses adapter.New.
type AdapterFactory func(agentName, binaryPath string, log *logger.Logger) (adapter.Adapter, error)

// SessionRunner handles session:run jobs.
type SessionRunner struct {
	store    *store.Store
	bus      notify.Bus
	gate     *safety.Gate
	registry *session.Registry
	logger   *logger.Logger
	workerID string
	factory  AdapterFactory
}

// NewSessionRunner wires a session runner.
func NewSessionRunner(st *store.Store, bus notify.Bus, gate *safety.Gate, reg *session.Registry, workerID string, log *logger.Logger) *SessionRunner {
	return &SessionRunner{
		store:    st,
		bus:      bus,
		gate:     gate,
		registry: reg,
		workerID: workerID,
		logger:   log.WithFields(zap.String("component", "session-runner")),
		factory:  adapter.New,
	}
}

// SetAdapterFactory overrides the adapter factory.
func (r *SessionRunner) SetAdapterFactory(f AdapterFactory) { r.factory = f }

// HandleSessionRun runs one session turn-cycle: claim the execution, gate
// the spawn inputs, own the session process until its adapter exits, then
// finalize.
func (r *SessionRunner) HandleSessionRun(ctx context.Context, job *queue.Job) error {
	var payload SessionRunPayload
	if err := job.Bind(&payload); err != nil {
		return err
	}
	log := r.logger.WithFields(
		zap.String("session_id", payload.SessionID),
		zap.String("execution_id", payload.ExecutionID))

	// At-least-once delivery: a terminal execution means a previous delivery
	// already ran this.
	exec, err := r.store.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		log.Info("execution already terminal, skipping", zap.String("status", string(exec.Status)))
		return nil
	}

	claimed, err := r.store.MarkExecutionRunning(ctx, exec.ID, 0, "", r.workerID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("execution claimed elsewhere, skipping")
		return nil
	}

	sess, agent, cap, ferr := r.loadRows(ctx, payload.SessionID)
	if ferr != nil {
		return r.finalize(ctx, exec.ID, store.ExecutionFailed, nil, ferr.Error())
	}

	opts, ferr := r.gateInputs(ctx, exec, sess, agent, cap)
	if ferr != nil {
		// Validation failures are permanent; fail the execution instead of
		// letting the queue retry.
		log.Warn("safety gate rejected spawn", zap.Error(ferr))
		return r.finalize(ctx, exec.ID, store.ExecutionFailed, nil, ferr.Error())
	}

	ad, err := r.factory(agent.Name, agent.BinaryPath, r.logger)
	if err != nil {
		return r.finalize(ctx, exec.ID, store.ExecutionFailed, nil, err.Error())
	}

	proc := session.New(r.store, r.bus, ad, *opts, r.logger)
	if err := proc.Start(ctx); err != nil {
		return r.finalize(ctx, exec.ID, store.ExecutionFailed, nil, err.Error())
	}
	if err := r.store.UpdateExecutionPID(ctx, exec.ID, proc.PID()); err != nil {
		log.Warn("failed to record pid", zap.Error(err))
	}

	r.registry.Register(proc)
	defer r.registry.Unregister(sess.ID)

	code, err := proc.WaitForExit(ctx)
	if err != nil {
		// Shutdown cancelled the wait; the process keeps running until the
		// registry terminates it. Leave the execution running for the reaper.
		return err
	}

	status, message := finalSessionStatus(code, proc.Status())
	if status == store.ExecutionFailed && message == "" {
		message = "agent exited with an error"
	}
	log.Info("session turn-cycle finished",
		zap.String("status", string(status)),
		zap.String("post_status", string(proc.Status())))
	return r.finalize(ctx, exec.ID, status, code, message)
}

// finalSessionStatus derives the execution outcome. An idle-timeout kill is
// normal suspension, so a non-zero or signal exit still succeeds when the
// session landed in idle or awaiting_input.
func finalSessionStatus(code *int, post store.SessionStatus) (store.ExecutionStatus, string) {
	if code != nil && *code == 0 {
		return store.ExecutionSucceeded, ""
	}
	if post == store.SessionIdle || post == store.SessionAwaitingInput {
		return store.ExecutionSucceeded, ""
	}
	if code == nil {
		return store.ExecutionFailed, "agent process killed by signal"
	}
	return store.ExecutionFailed, fmt.Sprintf("agent exited with code %d", *code)
}

func (r *SessionRunner) loadRows(ctx context.Context, sessionID string) (*store.Session, *store.Agent, *store.Capability, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	agent, err := r.store.GetAgent(ctx, sess.AgentID)
	if err != nil {
		return nil, nil, nil, err
	}
	cap, err := r.store.GetCapability(ctx, sess.CapabilityID)
	if err != nil {
		return nil, nil, nil, err
	}
	return sess, agent, cap, nil
}

// gateInputs runs the safety gate and resolves the prompt.
func (r *SessionRunner) gateInputs(ctx context.Context, exec *store.Execution, sess *store.Session, agent *store.Agent, cap *store.Capability) (*session.Options, error) {
	flags, err := decodeFlags(exec.CLIFlags)
	if err != nil {
		return nil, err
	}

	cwd, _ := flags["cwd"].(string)
	canonical, err := r.gate.ValidateWorkingDir(ctx, cwd)
	if err != nil {
		return nil, err
	}
	if err := safety.ValidateBinary(agent.BinaryPath); err != nil {
		return nil, err
	}

	var allow []string
	if agent.EnvAllowlist != "" {
		if err := json.Unmarshal([]byte(agent.EnvAllowlist), &allow); err != nil {
			return nil, fmt.Errorf("bad agent env allowlist: %w", err)
		}
	}

	prompt := safety.InterpolatePrompt(cap.PromptTemplate, flags)
	if exec.PromptOverride != nil && *exec.PromptOverride != "" {
		prompt = *exec.PromptOverride
	}

	return &session.Options{
		Session:     sess,
		ExecutionID: exec.ID,
		WorkingDir:  canonical,
		Env:         safety.BuildChildEnv(allow),
		Prompt:      prompt,
		DangerLevel: cap.DangerLevel,
	}, nil
}

// finalize applies the terminal transition, honoring an external cancel that
// won the race.
func (r *SessionRunner) finalize(ctx context.Context, executionID string, status store.ExecutionStatus, code *int, message string) error {
	ok, err := r.store.FinalizeExecution(ctx, executionID, status, code, message)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status == store.ExecutionCancelling {
		if _, err := r.store.CompleteCancellation(ctx, executionID, code); err != nil {
			return err
		}
		return nil
	}
	// Someone else finalized; leave it alone.
	r.logger.Info("execution finalized externally",
		zap.String("execution_id", executionID),
		zap.String("status", string(exec.Status)))
	return nil
}

func decodeFlags(raw string) (map[string]any, error) {
	flags := map[string]any{}
	if raw == "" {
		return flags, nil
	}
	if err := json.Unmarshal([]byte(raw), &flags); err != nil {
		return nil, fmt.Errorf("bad cli_flags payload: %w", err)
	}
	return flags, nil
}

// EnqueueSessionRun creates the execution row for one turn-cycle and
// enqueues the job. Cold resume of an idle session goes through here with
// the user's message as the prompt override.
func EnqueueSessionRun(ctx context.Context, st *store.Store, q *queue.Queue, sess *store.Session, promptOverride, cwd string) (string, error) {
	flags, err := json.Marshal(map[string]any{"cwd": cwd})
	if err != nil {
		return "", err
	}
	exec := &store.Execution{
		ID:           uuid.NewString(),
		SessionID:    &sess.ID,
		TaskID:       sess.TaskID,
		AgentID:      sess.AgentID,
		CapabilityID: sess.CapabilityID,
		Status:       store.ExecutionQueued,
		CLIFlags:     string(flags),
	}
	if promptOverride != "" {
		exec.PromptOverride = &promptOverride
	}
	if err := st.CreateExecution(ctx, exec); err != nil {
		return "", err
	}
	if _, err := q.Enqueue(ctx, queue.QueueSessionRun, SessionRunPayload{
		SessionID:   sess.ID,
		ExecutionID: exec.ID,
		ResumeRef:   sess.SessionRef,
	}); err != nil {
		return "", err
	}
	return exec.ID, nil
}
