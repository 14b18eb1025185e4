package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/adapter"
	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/logwriter"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/safety"
	"github.com/agendo/agendo/internal/store"
)

// defaultTimeout applies when a capability declares no timeout_sec.
const defaultTimeout = 300 * time.Second

// killGrace is how long a SIGTERM'd child gets before SIGKILL.
const killGrace = 5 * time.Second

// resultKillGrace is the window between a Claude result frame and the
// forced SIGKILL that works around the CLI sometimes never closing stdout.
const resultKillGrace = 2 * time.Second

// logCountInterval is how often the execution row's log accounting is
// refreshed while the child runs. The update also feeds the reaper's
// staleness check.
const logCountInterval = 2 * time.Second

// ExecutePayload is the capability:execute job payload.
type ExecutePayload struct {
	ExecutionID string `json:"executionId"`
}

// ExecutionRunner handles capability:execute jobs: one-shot template
// commands whose output streams into the framed log.
type ExecutionRunner struct {
	store    *store.Store
	gate     *safety.Gate
	logger   *logger.Logger
	workerID string
	logDir   string
}

// NewExecutionRunner wires an execution runner.
func NewExecutionRunner(st *store.Store, gate *safety.Gate, workerID, logDir string, log *logger.Logger) *ExecutionRunner {
	return &ExecutionRunner{
		store:    st,
		gate:     gate,
		workerID: workerID,
		logDir:   logDir,
		logger:   log.WithFields(zap.String("component", "execution-runner")),
	}
}

// HandleExecute runs one template execution to completion.
func (r *ExecutionRunner) HandleExecute(ctx context.Context, job *queue.Job) error {
	var payload ExecutePayload
	if err := job.Bind(&payload); err != nil {
		return err
	}
	log := r.logger.WithFields(zap.String("execution_id", payload.ExecutionID))

	exec, err := r.store.GetExecution(ctx, payload.ExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		log.Info("execution already terminal, skipping", zap.String("status", string(exec.Status)))
		return nil
	}

	agent, err := r.store.GetAgent(ctx, exec.AgentID)
	if err != nil {
		return err
	}
	cap, err := r.store.GetCapability(ctx, exec.CapabilityID)
	if err != nil {
		return err
	}

	spec, ferr := r.buildSpec(ctx, exec, agent, cap)
	if ferr != nil {
		log.Warn("safety gate rejected execution", zap.Error(ferr))
		return r.failBeforeStart(ctx, exec.ID, ferr.Error())
	}

	writer, err := logwriter.Open(r.logDir, exec.ID)
	if err != nil {
		return r.failBeforeStart(ctx, exec.ID, err.Error())
	}
	defer writer.Close()

	claimed, err := r.store.MarkExecutionRunning(ctx, exec.ID, 0, writer.Path(), r.workerID)
	if err != nil {
		return err
	}
	if !claimed {
		log.Info("execution claimed elsewhere, skipping")
		return nil
	}

	return r.run(ctx, exec, cap, spec, writer, log)
}

// run spawns the child and supervises it: log streaming, timeout, output
// cap, and the result-sniff kill.
func (r *ExecutionRunner) run(ctx context.Context, exec *store.Execution, cap *store.Capability, spec *adapter.CommandSpec, writer *logwriter.Writer, log *logger.Logger) error {
	proc, err := adapter.SpawnProcess(ctx, *spec, log)
	if err != nil {
		_ = writer.WriteLine(logwriter.KindSystem, "spawn failed: "+err.Error())
		return r.finalize(ctx, exec.ID, store.ExecutionFailed, nil, err.Error())
	}
	if err := r.store.UpdateExecutionPID(ctx, exec.ID, proc.PID()); err != nil {
		log.Warn("failed to record pid", zap.Error(err))
	}

	var mu sync.Mutex
	var outputBytes int64
	timedOut := false
	outputCapped := false

	maxOutput := cap.MaxOutputBytes
	proc.OnData(func(line []byte) {
		if err := writer.WriteLine(logwriter.KindStdout, string(line)); err != nil {
			log.Warn("log write failed", zap.Error(err))
		}

		mu.Lock()
		outputBytes += int64(len(line)) + 1
		capped := maxOutput > 0 && outputBytes > maxOutput && !outputCapped
		if capped {
			outputCapped = true
		}
		mu.Unlock()
		if capped {
			log.Warn("output cap exceeded, terminating", zap.Int64("max_bytes", maxOutput))
			_ = proc.Terminate()
		}

		// A result frame means the CLI's work is done even if it never
		// closes stdout; force the exit after a grace window.
		if isResultFrame(line) {
			time.AfterFunc(resultKillGrace, func() {
				if proc.Alive() {
					log.Debug("result seen but process lingers, killing group")
					_ = proc.Kill()
				}
			})
		}
	})

	timeout := defaultTimeout
	if cap.TimeoutSec > 0 {
		timeout = time.Duration(cap.TimeoutSec) * time.Second
	}
	timeoutTimer := time.AfterFunc(timeout, func() {
		mu.Lock()
		timedOut = true
		mu.Unlock()
		log.Warn("execution timed out, terminating", zap.Duration("timeout", timeout))
		_ = proc.Terminate()
		time.AfterFunc(killGrace, func() {
			if proc.Alive() {
				_ = proc.Kill()
			}
		})
	})
	defer timeoutTimer.Stop()

	countTicker := time.NewTicker(logCountInterval)
	defer countTicker.Stop()
	exited := make(chan *int, 1)
	proc.OnExit(func(code *int) { exited <- code })

	var code *int
wait:
	for {
		select {
		case code = <-exited:
			break wait
		case <-countTicker.C:
			bytes, lines := writer.Counts()
			if err := r.store.UpdateExecutionLogCounts(ctx, exec.ID, bytes, lines); err != nil {
				log.Warn("failed to update log counts", zap.Error(err))
			}
		}
	}

	if tail := proc.StderrTail(); tail != "" {
		for _, line := range strings.Split(tail, "\n") {
			_ = writer.WriteLine(logwriter.KindStderr, line)
		}
	}
	bytes, lines := writer.Counts()
	if err := r.store.UpdateExecutionLogCounts(ctx, exec.ID, bytes, lines); err != nil {
		log.Warn("failed to update log counts", zap.Error(err))
	}

	mu.Lock()
	wasTimedOut, wasCapped := timedOut, outputCapped
	mu.Unlock()

	status, message := finalExecutionStatus(code, wasTimedOut, wasCapped)
	if message != "" {
		_ = writer.WriteLine(logwriter.KindSystem, message)
	}
	log.Info("execution finished", zap.String("status", string(status)))
	return r.finalize(ctx, exec.ID, status, code, message)
}

// finalExecutionStatus derives the outcome. A nil exit code after the
// timeout fired distinguishes timed_out from a plain failure.
func finalExecutionStatus(code *int, timedOut, outputCapped bool) (store.ExecutionStatus, string) {
	switch {
	case timedOut && code == nil:
		return store.ExecutionTimedOut, "execution exceeded its time limit"
	case outputCapped:
		return store.ExecutionFailed, "execution exceeded its output limit"
	case code == nil:
		return store.ExecutionFailed, "process killed by signal"
	case *code == 0:
		return store.ExecutionSucceeded, ""
	default:
		return store.ExecutionFailed, fmt.Sprintf("process exited with code %d", *code)
	}
}

// buildSpec runs the safety gate over the template capability's inputs.
func (r *ExecutionRunner) buildSpec(ctx context.Context, exec *store.Execution, agent *store.Agent, cap *store.Capability) (*adapter.CommandSpec, error) {
	flags, err := decodeFlags(exec.CLIFlags)
	if err != nil {
		return nil, err
	}
	args, _ := flags["args"].(map[string]any)

	var schema []safety.ArgSpec
	if cap.ArgSchema != "" {
		if err := json.Unmarshal([]byte(cap.ArgSchema), &schema); err != nil {
			return nil, fmt.Errorf("bad arg schema: %w", err)
		}
	}
	if err := safety.ValidateArgs(schema, args); err != nil {
		return nil, err
	}

	// Command tokens are the argv after the agent binary; the binary itself
	// always comes from the agent row so a capability cannot swap programs.
	var tokens []string
	if err := json.Unmarshal([]byte(cap.CommandTokens), &tokens); err != nil {
		return nil, fmt.Errorf("bad command tokens: %w", err)
	}
	argv, err := safety.BuildCommandArgs(tokens, args)
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

	return &adapter.CommandSpec{
		Binary:     agent.BinaryPath,
		Args:       argv,
		Dir:        canonical,
		Env:        safety.BuildChildEnv(allow),
		ScanStdout: true,
	}, nil
}

// failBeforeStart flips a still-queued execution to failed: claim it, then
// finalize.
func (r *ExecutionRunner) failBeforeStart(ctx context.Context, executionID, message string) error {
	if _, err := r.store.MarkExecutionRunning(ctx, executionID, 0, "", r.workerID); err != nil {
		return err
	}
	return r.finalize(ctx, executionID, store.ExecutionFailed, nil, message)
}

func (r *ExecutionRunner) finalize(ctx context.Context, executionID string, status store.ExecutionStatus, code *int, message string) error {
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
		_, err := r.store.CompleteCancellation(ctx, executionID, code)
		return err
	}
	return nil
}

// isResultFrame reports whether a stdout line is a Claude-style terminal
// result frame.
func isResultFrame(line []byte) bool {
	var frame struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(line, &frame); err != nil {
		return false
	}
	return frame.Type == "result"
}
