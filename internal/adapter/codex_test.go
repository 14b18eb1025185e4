package adapter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/events"
	"github.com/agendo/agendo/pkg/codexstream"
)

func TestBuildCodexArgs(t *testing.T) {
	t.Run("fresh spawn carries model and cwd", func(t *testing.T) {
		args := buildCodexArgs(SpawnOptions{
			WorkingDir: "/work",
			Model:      "o4-mini",
		}, "", "do the thing")
		assert.Equal(t, []string{
			"exec", "--json", "--model", "o4-mini", "--cd", "/work", "do the thing",
		}, args)
	})

	t.Run("resume never carries model or cwd", func(t *testing.T) {
		args := buildCodexArgs(SpawnOptions{
			WorkingDir: "/work",
			Model:      "o4-mini",
		}, "thread-1", "continue")
		assert.Equal(t, []string{
			"exec", "resume", "thread-1", "--json", "continue",
		}, args)
	})

	t.Run("bypass mode maps to the dangerous flag", func(t *testing.T) {
		args := buildCodexArgs(SpawnOptions{PermissionMode: "bypassPermissions"}, "thread-1", "go")
		assert.Contains(t, args, "--dangerously-bypass-approvals-and-sandbox")
		assert.NotContains(t, args, "--full-auto")
	})

	t.Run("accept edits maps to full auto", func(t *testing.T) {
		for _, mode := range []string{"acceptEdits", "dontAsk"} {
			args := buildCodexArgs(SpawnOptions{PermissionMode: mode}, "", "go")
			assert.Contains(t, args, "--full-auto", mode)
		}
	})

	t.Run("prompt is always the final argument", func(t *testing.T) {
		args := buildCodexArgs(SpawnOptions{Model: "m"}, "", "the prompt")
		assert.Equal(t, "the prompt", args[len(args)-1])
	})
}

func TestCodexMapEvent(t *testing.T) {
	a := NewCodexAdapter("codex", logger.Default())

	t.Run("thread started maps to session init", func(t *testing.T) {
		out := a.mapEvent(&codexstream.Event{
			Type:     codexstream.EventThreadStarted,
			ThreadID: "thread-9",
		})
		require.Len(t, out, 1)
		assert.Equal(t, events.TypeSessionInit, out[0].Type)
		assert.Equal(t, "thread-9", out[0].Payload.(events.InitPayload).SessionRef)
	})

	t.Run("turn completed maps usage", func(t *testing.T) {
		out := a.mapEvent(&codexstream.Event{
			Type:  codexstream.EventTurnCompleted,
			Usage: &codexstream.Usage{InputTokens: 10, OutputTokens: 5},
		})
		require.Len(t, out, 1)
		result := out[0].Payload.(events.ResultPayload)
		assert.Equal(t, 1, result.Turns)
		assert.Equal(t, int64(10), result.ModelUsage["codex"].InputTokens)
	})

	t.Run("turn failed maps error then result", func(t *testing.T) {
		out := a.mapEvent(&codexstream.Event{
			Type:  codexstream.EventTurnFailed,
			Error: &codexstream.StreamError{Message: "sandbox denied"},
		})
		require.Len(t, out, 2)
		assert.Equal(t, events.TypeSystemError, out[0].Type)
		assert.Equal(t, "sandbox denied", out[0].Payload.(events.SystemPayload).Message)
		assert.True(t, out[1].Payload.(events.ResultPayload).IsError)
	})

	t.Run("command execution maps to tool start and end", func(t *testing.T) {
		code := 1
		out := a.mapEvent(&codexstream.Event{
			Type: codexstream.EventItemCompleted,
			Item: &codexstream.Item{
				ID:               "item-1",
				Type:             codexstream.ItemCommandExecution,
				Command:          "make test",
				AggregatedOutput: "FAIL",
				ExitCode:         &code,
			},
		})
		require.Len(t, out, 2)
		assert.Equal(t, events.TypeToolStart, out[0].Type)
		end := out[1].Payload.(events.ToolEndPayload)
		assert.Equal(t, "item-1", end.ToolUseID)
		assert.True(t, end.IsError)
	})

	t.Run("agent message and reasoning map to text events", func(t *testing.T) {
		msg := a.mapEvent(&codexstream.Event{
			Type: codexstream.EventItemCompleted,
			Item: &codexstream.Item{Type: codexstream.ItemAgentMessage, Text: "done"},
		})
		require.Len(t, msg, 1)
		assert.Equal(t, events.TypeAgentText, msg[0].Type)

		thought := a.mapEvent(&codexstream.Event{
			Type: codexstream.EventItemCompleted,
			Item: &codexstream.Item{Type: codexstream.ItemReasoning, Text: "planning"},
		})
		require.Len(t, thought, 1)
		assert.Equal(t, events.TypeAgentThinking, thought[0].Type)
	})

	t.Run("other items map to activity", func(t *testing.T) {
		out := a.mapEvent(&codexstream.Event{
			Type: codexstream.EventItemCompleted,
			Item: &codexstream.Item{
				Type:    codexstream.ItemFileChange,
				Changes: []codexstream.FileChange{{Path: "a.go"}, {Path: "b.go"}},
			},
		})
		require.Len(t, out, 1)
		activity := out[0].Payload.(events.ActivityPayload)
		assert.Equal(t, "file_change", activity.Kind)
		assert.Equal(t, "a.go, b.go", activity.Detail)
	})

	t.Run("item started frames are dropped", func(t *testing.T) {
		out := a.mapEvent(&codexstream.Event{
			Type: codexstream.EventItemStarted,
			Item: &codexstream.Item{Type: codexstream.ItemAgentMessage, Text: "partial"},
		})
		assert.Empty(t, out)
	})
}

func TestCodexVirtualProcess(t *testing.T) {
	t.Run("clean turn exit keeps the session alive", func(t *testing.T) {
		p := newCodexProcess()
		exited := false
		p.OnExit(func(*int) { exited = true })

		zero := 0
		p.childExited(nil, &zero, true)

		assert.True(t, p.Alive())
		assert.False(t, exited)
	})

	t.Run("superseded child exit is swallowed", func(t *testing.T) {
		p := newCodexProcess()
		fired := false
		p.OnExit(func(*int) { fired = true })

		// A follow-up message replaces the lingering previous-turn child
		// before killing it; the killed child reports no exit code and an
		// unfinished turn, which must not end the session.
		old := &Process{}
		p.supersede(old)
		p.childExited(old, nil, false)

		assert.False(t, fired)
		assert.True(t, p.Alive())

		// The replacement child's dirty exit still ends the session.
		one := 1
		p.childExited(&Process{}, &one, false)
		assert.True(t, fired)
	})

	t.Run("dirty exit ends the session", func(t *testing.T) {
		p := newCodexProcess()
		var got *int
		fired := false
		p.OnExit(func(code *int) { fired, got = true, code })

		one := 1
		p.childExited(nil, &one, true)

		require.True(t, fired)
		require.NotNil(t, got)
		assert.Equal(t, 1, *got)
		assert.False(t, p.Alive())
	})

	t.Run("exit before turn completion ends the session", func(t *testing.T) {
		p := newCodexProcess()
		fired := false
		p.OnExit(func(*int) { fired = true })

		zero := 0
		p.childExited(nil, &zero, false)

		assert.True(t, fired)
	})

	t.Run("kill with no child fires exit immediately", func(t *testing.T) {
		p := newCodexProcess()
		var got *int
		fired := false
		p.OnExit(func(code *int) { fired, got = true, code })

		require.NoError(t, p.Kill())

		assert.True(t, fired)
		assert.Nil(t, got)
	})

	t.Run("late exit registration fires immediately", func(t *testing.T) {
		p := newCodexProcess()
		require.NoError(t, p.Kill())

		fired := false
		p.OnExit(func(*int) { fired = true })
		assert.True(t, fired)
	})

	t.Run("pid is zero between turns", func(t *testing.T) {
		p := newCodexProcess()
		assert.Equal(t, 0, p.PID())
	})
}
