package adapter

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events"
	"github.com/agendo/agendo/pkg/acp/jsonrpc"
)

func newTestGeminiAdapter() *GeminiAdapter {
	return NewGeminiAdapter("gemini", logger.Default())
}

func TestGeminiMapUpdate(t *testing.T) {
	t.Run("message chunks stream as deltas and accumulate", func(t *testing.T) {
		a := newTestGeminiAdapter()
		out := a.mapUpdate(&jsonrpc.SessionUpdate{
			SessionUpdate: jsonrpc.UpdateAgentMessageChunk,
			Content:       &jsonrpc.ContentBlock{Type: "text", Text: "hel"},
		})
		require.Len(t, out, 1)
		assert.Equal(t, events.TypeAgentDelta, out[0].Type)

		a.mapUpdate(&jsonrpc.SessionUpdate{
			SessionUpdate: jsonrpc.UpdateAgentMessageChunk,
			Content:       &jsonrpc.ContentBlock{Type: "text", Text: "lo"},
		})
		assert.Equal(t, "hello", a.turnText)
	})

	t.Run("thought chunks map to thinking", func(t *testing.T) {
		a := newTestGeminiAdapter()
		out := a.mapUpdate(&jsonrpc.SessionUpdate{
			SessionUpdate: jsonrpc.UpdateAgentThoughtChunk,
			Content:       &jsonrpc.ContentBlock{Type: "text", Text: "considering"},
		})
		require.Len(t, out, 1)
		assert.Equal(t, events.TypeAgentThinking, out[0].Type)
		assert.Equal(t, "considering", out[0].Payload.(events.TextPayload).Text)
	})

	t.Run("tool call maps to tool start with parsed input", func(t *testing.T) {
		a := newTestGeminiAdapter()
		out := a.mapUpdate(&jsonrpc.SessionUpdate{
			SessionUpdate: jsonrpc.UpdateToolCall,
			ToolCallID:    "tc-1",
			Title:         "Edit file",
			RawInput:      json.RawMessage(`{"path":"main.go"}`),
		})
		require.Len(t, out, 1)
		start := out[0].Payload.(events.ToolStartPayload)
		assert.Equal(t, "tc-1", start.ToolUseID)
		assert.Equal(t, "Edit file", start.ToolName)
		assert.Equal(t, "main.go", start.Input["path"])
	})

	t.Run("tool call update only terminal statuses map", func(t *testing.T) {
		a := newTestGeminiAdapter()
		assert.Empty(t, a.mapUpdate(&jsonrpc.SessionUpdate{
			SessionUpdate: jsonrpc.UpdateToolCallUpdate,
			ToolCallID:    "tc-1",
			Status:        "in_progress",
		}))

		out := a.mapUpdate(&jsonrpc.SessionUpdate{
			SessionUpdate: jsonrpc.UpdateToolCallUpdate,
			ToolCallID:    "tc-1",
			Status:        "failed",
			RawOutput:     json.RawMessage(`"permission denied"`),
		})
		require.Len(t, out, 1)
		end := out[0].Payload.(events.ToolEndPayload)
		assert.Equal(t, "tc-1", end.ToolUseID)
		assert.True(t, end.IsError)
	})

	t.Run("plan maps to activity", func(t *testing.T) {
		a := newTestGeminiAdapter()
		out := a.mapUpdate(&jsonrpc.SessionUpdate{
			SessionUpdate: jsonrpc.UpdatePlan,
			Entries:       []jsonrpc.PlanEntry{{Content: "step 1"}, {Content: "step 2"}},
		})
		require.Len(t, out, 1)
		activity := out[0].Payload.(events.ActivityPayload)
		assert.Equal(t, "plan", activity.Kind)
		assert.Equal(t, "2 steps", activity.Detail)
	})
}

func TestGeminiRequestPermission(t *testing.T) {
	params := jsonrpc.RequestPermissionParams{
		SessionID: "sess-1",
		ToolCall: jsonrpc.ToolCallRef{
			ToolCallID: "tc-1",
			Title:      "Run command",
			RawInput:   json.RawMessage(`{"command":"rm -rf tmp"}`),
		},
		Options: []jsonrpc.PermissionOption{
			{OptionID: "proceed_once", Kind: "allow_once"},
			{OptionID: "decline", Kind: "reject_once"},
		},
	}
	raw, err := json.Marshal(params)
	require.NoError(t, err)

	t.Run("no handler cancels", func(t *testing.T) {
		a := newTestGeminiAdapter()
		result, err := a.handleRequest(context.Background(), jsonrpc.MethodRequestPermission, raw)
		require.NoError(t, err)
		assert.Equal(t, "cancelled", result.(jsonrpc.RequestPermissionResult).Outcome.Outcome)
	})

	t.Run("allow selects the allow option", func(t *testing.T) {
		a := newTestGeminiAdapter()
		a.SetApprovalHandler(func(ctx context.Context, approvalID, toolName string, input map[string]any) Decision {
			assert.Equal(t, "tc-1", approvalID)
			assert.Equal(t, "Run command", toolName)
			assert.Equal(t, "rm -rf tmp", input["command"])
			return Decision{Allow: true}
		})

		result, err := a.handleRequest(context.Background(), jsonrpc.MethodRequestPermission, raw)
		require.NoError(t, err)
		outcome := result.(jsonrpc.RequestPermissionResult).Outcome
		assert.Equal(t, "selected", outcome.Outcome)
		assert.Equal(t, "proceed_once", outcome.OptionID)
	})

	t.Run("deny selects the reject option", func(t *testing.T) {
		a := newTestGeminiAdapter()
		a.SetApprovalHandler(func(ctx context.Context, approvalID, toolName string, input map[string]any) Decision {
			return Decision{Allow: false}
		})

		result, err := a.handleRequest(context.Background(), jsonrpc.MethodRequestPermission, raw)
		require.NoError(t, err)
		assert.Equal(t, "decline", result.(jsonrpc.RequestPermissionResult).Outcome.OptionID)
	})

	t.Run("unknown methods error", func(t *testing.T) {
		a := newTestGeminiAdapter()
		_, err := a.handleRequest(context.Background(), "fs/read_text_file", json.RawMessage(`{}`))
		assert.Error(t, err)
	})
}

func TestGeminiCancelPending(t *testing.T) {
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	conn := jsonrpc.NewConn(stdinW, stdoutR, logger.Default())
	ctx, cancel := context.WithCancel(context.Background())
	conn.Start(ctx)
	t.Cleanup(func() {
		cancel()
		conn.Close()
		stdoutW.Close()
		stdinR.Close()
	})

	reader := bufio.NewReader(stdinR)
	readFrame := func() *jsonrpc.Message {
		t.Helper()
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var msg jsonrpc.Message
		require.NoError(t, json.Unmarshal(line, &msg))
		return &msg
	}

	// A prompt the agent never answers leaves a pending request behind.
	go func() {
		_ = conn.Call(ctx, jsonrpc.MethodSessionPrompt,
			jsonrpc.SessionPromptParams{SessionID: "acp-1"}, nil)
	}()
	prompt := readFrame()
	require.Equal(t, jsonrpc.MethodSessionPrompt, prompt.Method)
	require.NotNil(t, prompt.ID)

	a := newTestGeminiAdapter()
	a.cancelPending(conn)

	frame := readFrame()
	assert.Equal(t, jsonrpc.NotificationCancelRequest, frame.Method)
	assert.Nil(t, frame.ID)
	var p jsonrpc.CancelRequestParams
	require.NoError(t, json.Unmarshal(frame.Params, &p))
	assert.Equal(t, *prompt.ID, p.ID)
}

func TestSelectPermissionOption(t *testing.T) {
	options := []jsonrpc.PermissionOption{
		{OptionID: "yes-once", Kind: "allow_once"},
		{OptionID: "no-once", Kind: "reject_once"},
	}
	assert.Equal(t, "yes-once", selectPermissionOption(options, true))
	assert.Equal(t, "no-once", selectPermissionOption(options, false))

	// Without offered options, fall back to the protocol's well-known ids.
	assert.Equal(t, "proceed_once", selectPermissionOption(nil, true))
	assert.Equal(t, "decline", selectPermissionOption(nil, false))
}

func TestAdapterFactory(t *testing.T) {
	log := logger.Default()

	tests := []struct {
		name string
		want any
	}{
		{"claude", &ClaudeAdapter{}},
		{"claude-code", &ClaudeAdapter{}},
		{"Codex CLI", &CodexAdapter{}},
		{"gemini", &GeminiAdapter{}},
	}
	for _, tt := range tests {
		a, err := New(tt.name, "/usr/local/bin/agent", log)
		require.NoError(t, err, tt.name)
		assert.IsType(t, tt.want, a, tt.name)
	}

	_, err := New("mystery-agent", "/bin/false", log)
	assert.Error(t, err)
}
