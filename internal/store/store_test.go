package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/db"
	"github.com/agendo/agendo/internal/events"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	pool, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	s, err := New(pool, logger.Default())
	require.NoError(t, err)
	return s
}

func newTestSession(t *testing.T, s *Store) *Session {
	t.Helper()
	sess := &Session{
		ID:             uuid.NewString(),
		TaskID:         "task-1",
		AgentID:        "agent-1",
		CapabilityID:   "cap-1",
		Status:         SessionIdle,
		PermissionMode: PermissionDefault,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func newTestExecution(t *testing.T, s *Store, sessionID *string) *Execution {
	t.Helper()
	exec := &Execution{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		AgentID:      "agent-1",
		CapabilityID: "cap-1",
		Status:       ExecutionQueued,
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func TestSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	t.Run("create and get round-trips", func(t *testing.T) {
		sess := newTestSession(t, s)
		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, SessionIdle, got.Status)
		assert.Equal(t, PermissionDefault, got.PermissionMode)
		assert.Empty(t, got.SessionRef)
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		_, err := s.GetSession(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects invalid permission mode", func(t *testing.T) {
		err := s.CreateSession(ctx, &Session{ID: uuid.NewString(), PermissionMode: "yolo"})
		assert.Error(t, err)
	})

	t.Run("session ref is write-once", func(t *testing.T) {
		sess := newTestSession(t, s)
		require.NoError(t, s.SetSessionRef(ctx, sess.ID, "ref-a"))
		require.NoError(t, s.SetSessionRef(ctx, sess.ID, "ref-b"))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "ref-a", got.SessionRef)
	})

	t.Run("usage accumulates across turns", func(t *testing.T) {
		sess := newTestSession(t, s)
		require.NoError(t, s.AccumulateSessionUsage(ctx, sess.ID, 0.25, 1, 1200))
		require.NoError(t, s.AccumulateSessionUsage(ctx, sess.ID, 0.50, 2, 800))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.InDelta(t, 0.75, got.CostUSD, 1e-9)
		assert.Equal(t, 3, got.Turns)
		assert.Equal(t, int64(2000), got.DurationMs)
	})

	t.Run("idle timeout nil means never", func(t *testing.T) {
		sess := newTestSession(t, s)
		secs := 300
		require.NoError(t, s.SetIdleTimeout(ctx, sess.ID, &secs))
		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		require.NotNil(t, got.IdleTimeoutSec)
		assert.Equal(t, 300, *got.IdleTimeoutSec)

		require.NoError(t, s.SetIdleTimeout(ctx, sess.ID, nil))
		got, err = s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Nil(t, got.IdleTimeoutSec)
	})
}

func TestExecutions(t *testing.T) {
	ctx := context.Background()

	t.Run("queued to running claims exactly once", func(t *testing.T) {
		s := newTestStore(t)
		exec := newTestExecution(t, s, nil)

		ok, err := s.MarkExecutionRunning(ctx, exec.ID, 123, "/logs/a.log", "worker-1")
		require.NoError(t, err)
		assert.True(t, ok)

		// A second claim loses: the row is no longer queued.
		ok, err = s.MarkExecutionRunning(ctx, exec.ID, 456, "/logs/b.log", "worker-2")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, ExecutionRunning, got.Status)
		require.NotNil(t, got.PID)
		assert.Equal(t, 123, *got.PID)
		assert.Equal(t, "worker-1", got.WorkerID)
	})

	t.Run("finalize loses to concurrent cancel", func(t *testing.T) {
		s := newTestStore(t)
		exec := newTestExecution(t, s, nil)
		ok, err := s.MarkExecutionRunning(ctx, exec.ID, 1, "/logs/x.log", "worker-1")
		require.NoError(t, err)
		require.True(t, ok)

		// Cancel wins the race: status leaves running first.
		ok, err = s.RequestExecutionCancel(ctx, exec.ID)
		require.NoError(t, err)
		require.True(t, ok)

		exitCode := 0
		ok, err = s.FinalizeExecution(ctx, exec.ID, ExecutionSucceeded, &exitCode, "")
		require.NoError(t, err)
		assert.False(t, ok, "finalize must change zero rows after cancel")

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, ExecutionCancelling, got.Status)

		code := -1
		ok, err = s.CompleteCancellation(ctx, exec.ID, &code)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err = s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, ExecutionCancelled, got.Status)
		assert.NotNil(t, got.EndedAt)
	})

	t.Run("finalize rejects non-terminal status", func(t *testing.T) {
		s := newTestStore(t)
		exec := newTestExecution(t, s, nil)
		_, err := s.FinalizeExecution(ctx, exec.ID, ExecutionRunning, nil, "")
		assert.Error(t, err)
	})

	t.Run("cancel of terminal execution is a no-op", func(t *testing.T) {
		s := newTestStore(t)
		exec := newTestExecution(t, s, nil)
		ok, err := s.MarkExecutionRunning(ctx, exec.ID, 1, "/logs/y.log", "worker-1")
		require.NoError(t, err)
		require.True(t, ok)

		exitCode := 0
		ok, err = s.FinalizeExecution(ctx, exec.ID, ExecutionSucceeded, &exitCode, "")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.RequestExecutionCancel(ctx, exec.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("log counts update accounting", func(t *testing.T) {
		s := newTestStore(t)
		exec := newTestExecution(t, s, nil)
		require.NoError(t, s.UpdateExecutionLogCounts(ctx, exec.ID, 2048, 17))

		got, err := s.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(2048), got.LogBytes)
		assert.Equal(t, int64(17), got.LogLines)
	})
}

func TestAppendEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := newTestSession(t, s)

	t.Run("assigns gap-free increasing seq", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			ev := events.New(events.TypeAgentText, events.TextPayload{Text: "hi"})
			ev.SessionID = sess.ID
			require.NoError(t, s.AppendEvent(ctx, &ev))
			assert.Equal(t, int64(i+1), ev.Seq)
		}

		rows, err := s.ListEvents(ctx, sess.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, rows, 3)
		for i, row := range rows {
			assert.Equal(t, int64(i+1), row.Seq)
		}
	})

	t.Run("rejects ephemeral types", func(t *testing.T) {
		ev := events.New(events.TypeAgentDelta, events.TextPayload{Text: "d"})
		ev.SessionID = sess.ID
		assert.Error(t, s.AppendEvent(ctx, &ev))
	})

	t.Run("sessions sequence independently", func(t *testing.T) {
		other := newTestSession(t, s)
		ev := events.New(events.TypeSystemInfo, events.SystemPayload{Message: "first"})
		ev.SessionID = other.ID
		require.NoError(t, s.AppendEvent(ctx, &ev))
		assert.Equal(t, int64(1), ev.Seq)
	})

	t.Run("get resolves a single event", func(t *testing.T) {
		row, err := s.GetEvent(ctx, sess.ID, 2)
		require.NoError(t, err)
		assert.Equal(t, string(events.TypeAgentText), row.Type)

		_, err = s.GetEvent(ctx, sess.ID, 999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list respects after and limit", func(t *testing.T) {
		rows, err := s.ListEvents(ctx, sess.ID, 1, 1)
		require.NoError(t, err)
		require.Len(t, rows, 1)
		assert.Equal(t, int64(2), rows[0].Seq)
	})
}
