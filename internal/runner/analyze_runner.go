package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/notify"
	"github.com/agendo/agendo/internal/queue"
	"github.com/agendo/agendo/internal/safety"
)

// AnalyzeChannel carries analysis results back to whoever enqueued the job.
const AnalyzeChannel = "agent_analyze_results"

const analyzeTimeout = 10 * time.Second

// AnalyzePayload is the agent:analyze job payload.
type AnalyzePayload struct {
	AgentID    string `json:"agentId"`
	BinaryPath string `json:"binaryPath"`
	ToolName   string `json:"toolName"`
}

// AnalyzeResult is published on AnalyzeChannel when an analysis completes.
type AnalyzeResult struct {
	AgentID     string   `json:"agentId"`
	ToolName    string   `json:"toolName"`
	Suggestions []string `json:"suggestions"`
}

// AnalyzeRunner handles agent:analyze jobs: probe an installed CLI's help
// output and suggest capability commands.
type AnalyzeRunner struct {
	bus    notify.Bus
	logger *logger.Logger
}

// NewAnalyzeRunner wires an analyze runner.
func NewAnalyzeRunner(bus notify.Bus, log *logger.Logger) *AnalyzeRunner {
	return &AnalyzeRunner{
		bus:    bus,
		logger: log.WithFields(zap.String("component", "analyze-runner")),
	}
}

// HandleAnalyze probes the binary and publishes suggestions.
func (r *AnalyzeRunner) HandleAnalyze(ctx context.Context, job *queue.Job) error {
	var payload AnalyzePayload
	if err := job.Bind(&payload); err != nil {
		return err
	}
	if err := safety.ValidateBinary(payload.BinaryPath); err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, analyzeTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, payload.BinaryPath, "--help")
	cmd.Env = safety.BuildChildEnv(nil)
	out, _ := cmd.CombinedOutput()

	result := AnalyzeResult{
		AgentID:     payload.AgentID,
		ToolName:    payload.ToolName,
		Suggestions: suggestCommands(out),
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	r.logger.Info("agent analysis complete",
		zap.String("agent_id", payload.AgentID),
		zap.Int("suggestions", len(result.Suggestions)))
	return r.bus.Publish(ctx, AnalyzeChannel, data)
}

// suggestCommands extracts likely subcommand names from a CLI's help text:
// indented single-word entries in the usual "  name  description" layout.
func suggestCommands(help []byte) []string {
	var out []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(bytes.NewReader(help))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "  ") || strings.HasPrefix(strings.TrimSpace(line), "-") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[0]
		if !isCommandWord(name) || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out
}

func isCommandWord(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && r != '-' {
			return false
		}
	}
	return len(s) > 1
}
