package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events"
	"github.com/agendo/agendo/pkg/claudecode"
)

func newTestClaudeAdapter() *ClaudeAdapter {
	return NewClaudeAdapter("claude", logger.Default())
}

func TestClaudeMapMessage(t *testing.T) {
	a := newTestClaudeAdapter()

	t.Run("system init maps to session init", func(t *testing.T) {
		out := a.mapMessage(&claudecode.CLIMessage{
			Type:          claudecode.MessageTypeSystem,
			Subtype:       "init",
			SessionID:     "sess-abc",
			Model:         "opus",
			SlashCommands: []string{"compact", "clear"},
			MCPServers:    []claudecode.MCPServerInfo{{Name: "filesystem"}},
		})
		require.Len(t, out, 1)
		assert.Equal(t, events.TypeSessionInit, out[0].Type)
		payload := out[0].Payload.(events.InitPayload)
		assert.Equal(t, "sess-abc", payload.SessionRef)
		assert.Equal(t, "opus", payload.Model)
		assert.Equal(t, []string{"compact", "clear"}, payload.SlashCommands)
		assert.Equal(t, []string{"filesystem"}, payload.McpServers)
	})

	t.Run("non-init system frames are dropped", func(t *testing.T) {
		out := a.mapMessage(&claudecode.CLIMessage{
			Type:    claudecode.MessageTypeSystem,
			Subtype: "status",
		})
		assert.Empty(t, out)
	})

	t.Run("assistant blocks map in order", func(t *testing.T) {
		out := a.mapMessage(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeAssistant,
			Message: &claudecode.AssistantMessage{
				Content: []claudecode.ContentBlock{
					{Type: "thinking", Thinking: "hmm"},
					{Type: "text", Text: "hello"},
					{Type: "tool_use", ID: "tu-1", Name: "Bash", Input: map[string]any{"command": "ls"}},
				},
			},
		})
		require.Len(t, out, 3)
		assert.Equal(t, events.TypeAgentThinking, out[0].Type)
		assert.Equal(t, events.TypeAgentText, out[1].Type)
		assert.Equal(t, "hello", out[1].Payload.(events.TextPayload).Text)
		assert.Equal(t, events.TypeToolStart, out[2].Type)
		start := out[2].Payload.(events.ToolStartPayload)
		assert.Equal(t, "tu-1", start.ToolUseID)
		assert.Equal(t, "Bash", start.ToolName)
	})

	t.Run("tool result maps to tool end", func(t *testing.T) {
		out := a.mapMessage(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeUser,
			Message: &claudecode.AssistantMessage{
				Content: []claudecode.ContentBlock{
					{Type: "tool_result", ToolUseID: "tu-1", Content: json.RawMessage(`"ok"`), IsError: false},
				},
			},
		})
		require.Len(t, out, 1)
		end := out[0].Payload.(events.ToolEndPayload)
		assert.Equal(t, "tu-1", end.ToolUseID)
		assert.False(t, end.IsError)
	})

	t.Run("stream deltas map to ephemeral deltas", func(t *testing.T) {
		out := a.mapMessage(&claudecode.CLIMessage{
			Type: claudecode.MessageTypeStreamEvent,
			Event: &claudecode.StreamEvent{
				Delta: &claudecode.EventDelta{Type: "text_delta", Text: "he"},
			},
		})
		require.Len(t, out, 1)
		assert.Equal(t, events.TypeAgentDelta, out[0].Type)
		assert.True(t, out[0].Type.Ephemeral())
	})

	t.Run("result maps usage and errors", func(t *testing.T) {
		out := a.mapMessage(&claudecode.CLIMessage{
			Type:       claudecode.MessageTypeResult,
			IsError:    true,
			NumTurns:   2,
			DurationMS: 1500,
			CostUSD:    0.25,
			Result:     json.RawMessage(`"rate limited"`),
			ModelUsage: map[string]claudecode.Usage{
				"opus": {InputTokens: 100, OutputTokens: 50},
			},
		})
		require.Len(t, out, 2)
		result := out[0].Payload.(events.ResultPayload)
		assert.True(t, result.IsError)
		assert.Equal(t, 2, result.Turns)
		assert.Equal(t, int64(100), result.ModelUsage["opus"].InputTokens)
		assert.Equal(t, events.TypeSystemError, out[1].Type)
		assert.Equal(t, "rate limited", out[1].Payload.(events.SystemPayload).Message)
	})
}

func TestClaudeThinkingTransitions(t *testing.T) {
	a := newTestClaudeAdapter()

	var transitions []bool
	a.OnThinkingChange(func(thinking bool) {
		transitions = append(transitions, thinking)
	})

	a.handleMessage(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantMessage{
			Content: []claudecode.ContentBlock{{Type: "text", Text: "working"}},
		},
	})
	a.handleMessage(&claudecode.CLIMessage{
		Type: claudecode.MessageTypeAssistant,
		Message: &claudecode.AssistantMessage{
			Content: []claudecode.ContentBlock{{Type: "text", Text: "still working"}},
		},
	})
	a.handleMessage(&claudecode.CLIMessage{Type: claudecode.MessageTypeResult})

	// True once at turn start, false once at the result, no repeats between.
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestClaudeSessionRefLatch(t *testing.T) {
	a := newTestClaudeAdapter()

	var refs []string
	a.OnSessionRef(func(ref string) { refs = append(refs, ref) })

	a.handleMessage(&claudecode.CLIMessage{
		Type:      claudecode.MessageTypeSystem,
		Subtype:   "init",
		SessionID: "first",
	})
	a.handleMessage(&claudecode.CLIMessage{
		Type:      claudecode.MessageTypeSystem,
		Subtype:   "init",
		SessionID: "second",
	})

	assert.Equal(t, []string{"first"}, refs)
}

func TestSlashCommand(t *testing.T) {
	tests := []struct {
		text string
		cmd  string
		ok   bool
	}{
		{"/compact", "compact", true},
		{"/model opus", "model", true},
		{"plain text", "", false},
		{"/", "", false},
		{"/unknowncmd arg", "unknowncmd", true},
	}
	for _, tt := range tests {
		cmd, ok := slashCommand(tt.text)
		assert.Equal(t, tt.ok, ok, tt.text)
		assert.Equal(t, tt.cmd, cmd, tt.text)
	}
}

func TestClaudeSendMessageRouting(t *testing.T) {
	ctx := context.Background()
	proc, err := SpawnProcess(ctx, CommandSpec{Binary: "/bin/cat"}, logger.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = proc.Kill() })

	var stdin bytes.Buffer
	a := newTestClaudeAdapter()
	a.mu.Lock()
	a.proc = proc
	a.client = claudecode.NewClient(&stdin, strings.NewReader(""), logger.Default())
	a.mu.Unlock()

	require.NoError(t, a.SendMessage(ctx, Message{Text: "/compact"}))
	require.NoError(t, a.SendMessage(ctx, Message{Text: "/notacommand please"}))

	lines := strings.Split(strings.TrimRight(stdin.String(), "\n"), "\n")
	require.Len(t, lines, 2)

	// Known commands bypass framing and reach the CLI verbatim.
	assert.Equal(t, "/compact", lines[0])

	// Unknown slash text is an ordinary user message.
	var frame struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	}
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &frame))
	assert.Equal(t, "user", frame.Type)
	assert.Equal(t, "user", frame.Message.Role)
	assert.Equal(t, "/notacommand please", frame.Message.Content)
}
