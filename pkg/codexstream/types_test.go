package codexstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("thread started carries the thread id", func(t *testing.T) {
		ev, err := Parse([]byte(`{"type":"thread.started","thread_id":"th_123"}`))
		require.NoError(t, err)
		assert.Equal(t, EventThreadStarted, ev.Type)
		assert.Equal(t, "th_123", ev.ThreadID)
	})

	t.Run("agent message item", func(t *testing.T) {
		ev, err := Parse([]byte(`{"type":"item.completed","item":{"id":"item_0","item_type":"agent_message","text":"done"}}`))
		require.NoError(t, err)
		require.NotNil(t, ev.Item)
		assert.Equal(t, ItemAgentMessage, ev.Item.Type)
		assert.Equal(t, "done", ev.Item.Text)
	})

	t.Run("command execution item", func(t *testing.T) {
		ev, err := Parse([]byte(`{"type":"item.completed","item":{"id":"item_1","item_type":"command_execution","command":"ls","aggregated_output":"a.txt\n","exit_code":0,"status":"completed"}}`))
		require.NoError(t, err)
		require.NotNil(t, ev.Item)
		assert.Equal(t, "ls", ev.Item.Command)
		require.NotNil(t, ev.Item.ExitCode)
		assert.Equal(t, 0, *ev.Item.ExitCode)
	})

	t.Run("turn completed usage", func(t *testing.T) {
		ev, err := Parse([]byte(`{"type":"turn.completed","usage":{"input_tokens":100,"cached_input_tokens":20,"output_tokens":50}}`))
		require.NoError(t, err)
		require.NotNil(t, ev.Usage)
		assert.Equal(t, int64(100), ev.Usage.InputTokens)
		assert.Equal(t, int64(50), ev.Usage.OutputTokens)
	})

	t.Run("failure messages from either shape", func(t *testing.T) {
		ev, err := Parse([]byte(`{"type":"turn.failed","error":{"message":"rate limited"}}`))
		require.NoError(t, err)
		assert.Equal(t, "rate limited", ev.ErrorMessage())

		ev, err = Parse([]byte(`{"type":"error","message":"bad flag"}`))
		require.NoError(t, err)
		assert.Equal(t, "bad flag", ev.ErrorMessage())
	})

	t.Run("rejects garbage and untyped frames", func(t *testing.T) {
		_, err := Parse([]byte(`not json`))
		assert.Error(t, err)
		_, err = Parse([]byte(`{"thread_id":"th"}`))
		assert.Error(t, err)
	})
}
