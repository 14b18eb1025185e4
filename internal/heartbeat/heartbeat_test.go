package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/db"
	"github.com/agendo/agendo/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	pool, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	st, err := store.New(pool, logger.Default())
	require.NoError(t, err)
	return st
}

func TestHeartbeatBeatsImmediately(t *testing.T) {
	st := newTestStore(t)
	hb := New(st, logger.Default(), "worker-hb", time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = hb.Run(ctx)
	}()

	// The first beat is synchronous with Run's start; give it a moment.
	require.Eventually(t, func() bool {
		var count int
		err := st.Pool().Reader().Get(&count,
			st.Pool().Reader().Rebind(`SELECT COUNT(*) FROM worker_heartbeats WHERE worker_id = ?`),
			"worker-hb")
		return err == nil && count == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestReaperMarksStaleRunning(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	exec := &store.Execution{
		ID:           uuid.NewString(),
		AgentID:      "agent-1",
		CapabilityID: "cap-1",
	}
	require.NoError(t, st.CreateExecution(ctx, exec))
	ok, err := st.MarkExecutionRunning(ctx, exec.ID, 1, "/logs/z.log", "worker-dead")
	require.NoError(t, err)
	require.True(t, ok)

	// Backdate the liveness column so the row looks abandoned.
	_, err = st.Pool().Writer().Exec(
		st.Pool().Writer().Rebind(`UPDATE executions SET updated_at = datetime('now', '-1 hour') WHERE id = ?`),
		exec.ID)
	require.NoError(t, err)

	ids, err := st.ReapStaleExecutions(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{exec.ID}, ids)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionTimedOut, got.Status)
	assert.Nil(t, got.ExitCode)
}

func TestReaperLeavesFreshRowsAlone(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	exec := &store.Execution{
		ID:           uuid.NewString(),
		AgentID:      "agent-1",
		CapabilityID: "cap-1",
	}
	require.NoError(t, st.CreateExecution(ctx, exec))
	ok, err := st.MarkExecutionRunning(ctx, exec.ID, 1, "/logs/z.log", "worker-live")
	require.NoError(t, err)
	require.True(t, ok)

	ids, err := st.ReapStaleExecutions(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	got, err := st.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecutionRunning, got.Status)
}
