package adapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// stderrTailLines bounds the stderr ring buffer attached to errors.
const stderrTailLines = 50

// CommandSpec describes one child to spawn. When ScanStdout is set the
// process reads stdout line by line and fans lines out to OnData callbacks;
// otherwise the protocol client owns the stdout reader directly.
type CommandSpec struct {
	Binary     string
	Args       []string
	Dir        string
	Env        []string
	ScanStdout bool
}

// Process is a spawned agent child in its own process group.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	logger *logger.Logger

	mu       sync.Mutex
	dataCbs  []func([]byte)
	exitCbs  []func(*int)
	exited   bool
	exitCode *int

	tailMu sync.Mutex
	tail   []string
}

// SpawnProcess starts the child and begins the stderr and exit watchers.
func SpawnProcess(ctx context.Context, spec CommandSpec, log *logger.Logger) (*Process, error) {
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Binary, err)
	}

	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.Int("pid", cmd.Process.Pid)),
	}

	go p.watchStderr(stderr)
	if spec.ScanStdout {
		go p.scanStdout()
	}
	go p.wait()

	return p, nil
}

// PID returns the child pid.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Stdin returns the child's stdin writer.
func (p *Process) Stdin() io.WriteCloser { return p.stdin }

// Stdout returns the child's stdout reader, for protocol clients that own
// the stream (ScanStdout false).
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Kill sends SIGKILL to the process group.
func (p *Process) Kill() error {
	return killProcessGroup(p.cmd.Process.Pid)
}

// Terminate sends SIGTERM to the process group.
func (p *Process) Terminate() error {
	return terminateProcessGroup(p.cmd.Process.Pid)
}

// OnData registers a stdout line callback. Lines are delivered in order on
// a single goroutine.
func (p *Process) OnData(cb func(line []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataCbs = append(p.dataCbs, cb)
}

// OnExit registers an exit callback. If the process already exited the
// callback fires immediately.
func (p *Process) OnExit(cb func(exitCode *int)) {
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

// Alive reports whether the child has not exited yet.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

// StderrTail returns the last captured stderr lines joined by newlines.
func (p *Process) StderrTail() string {
	p.tailMu.Lock()
	defer p.tailMu.Unlock()
	return strings.Join(p.tail, "\n")
}

func (p *Process) scanStdout() {
	scanner := bufio.NewScanner(p.stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// Copy: the scanner reuses its buffer across lines.
		lineCopy := make([]byte, len(line))
		copy(lineCopy, line)

		p.mu.Lock()
		cbs := p.dataCbs
		p.mu.Unlock()
		for _, cb := range cbs {
			cb(lineCopy)
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Debug("stdout scan ended", zap.Error(err))
	}
}

func (p *Process) watchStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 16*1024), 1024*1024)
	for scanner.Scan() {
		p.tailMu.Lock()
		p.tail = append(p.tail, scanner.Text())
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.tailMu.Unlock()
	}
}

// wait reaps the child and fires exit callbacks exactly once. A signal
// death yields a nil exit code.
func (p *Process) wait() {
	err := p.cmd.Wait()

	var code *int
	if err == nil {
		zero := 0
		code = &zero
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if c := exitErr.ExitCode(); c >= 0 {
			code = &c
		}
	}

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
