package adapter

import (
	"fmt"
	"strings"

	"github.com/agendo/agendo/internal/common/logger"
)

// Protocol names recognized by the factory.
const (
	ProtocolClaude = "claude"
	ProtocolCodex  = "codex"
	ProtocolGemini = "gemini"
)

// New creates the adapter for the named agent. The name selects the
// protocol; the binary path is what actually gets exec'd.
func New(agentName, binaryPath string, log *logger.Logger) (Adapter, error) {
	switch normalizeAgentName(agentName) {
	case ProtocolClaude:
		return NewClaudeAdapter(binaryPath, log), nil
	case ProtocolCodex:
		return NewCodexAdapter(binaryPath, log), nil
	case ProtocolGemini:
		return NewGeminiAdapter(binaryPath, log), nil
	default:
		return nil, fmt.Errorf("unknown agent %q", agentName)
	}
}

// normalizeAgentName maps agent names like "claude-code" or "Codex CLI" to
// their protocol.
func normalizeAgentName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	for _, proto := range []string{ProtocolClaude, ProtocolCodex, ProtocolGemini} {
		if strings.Contains(n, proto) {
			return proto
		}
	}
	return n
}
