package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/db"
	"github.com/agendo/agendo/internal/notify"
)

func newTestQueue(t *testing.T, maxInFlight int) *Queue {
	t.Helper()
	pool, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	bus := notify.NewMemoryBus(logger.Default())
	t.Cleanup(bus.Close)

	q, err := New(pool, bus, logger.Default(), "worker-test", maxInFlight)
	require.NoError(t, err)
	q.SetPollInterval(20 * time.Millisecond)
	return q
}

func runQueue(t *testing.T, q *Queue) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Run(ctx, time.Second)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met in time")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type sessionRunPayload struct {
	SessionID string `json:"session_id"`
}

func TestQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueued job reaches the handler", func(t *testing.T) {
		q := newTestQueue(t, 2)

		var mu sync.Mutex
		var got []string
		q.Register(QueueSessionRun, func(ctx context.Context, job *Job) error {
			var p sessionRunPayload
			if err := job.Bind(&p); err != nil {
				return err
			}
			mu.Lock()
			got = append(got, p.SessionID)
			mu.Unlock()
			return nil
		})
		runQueue(t, q)

		id, err := q.Enqueue(ctx, QueueSessionRun, sessionRunPayload{SessionID: "s-1"})
		require.NoError(t, err)

		waitFor(t, func() bool {
			job, err := q.GetJob(ctx, id)
			return err == nil && job.Status == StatusDone
		})
		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{"s-1"}, got)
	})

	t.Run("failing job retries then fails", func(t *testing.T) {
		q := newTestQueue(t, 1)

		var mu sync.Mutex
		attempts := 0
		q.Register(QueueCapabilityExecute, func(ctx context.Context, job *Job) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return errors.New("boom")
		})
		runQueue(t, q)

		id, err := q.Enqueue(ctx, QueueCapabilityExecute, map[string]string{"execution_id": "e-1"})
		require.NoError(t, err)

		waitFor(t, func() bool {
			job, err := q.GetJob(ctx, id)
			return err == nil && job.Status == StatusFailed
		})

		job, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, DefaultMaxAttempts, job.Attempts)
		assert.Equal(t, "boom", job.LastError)
		mu.Lock()
		assert.Equal(t, DefaultMaxAttempts, attempts)
		mu.Unlock()
	})

	t.Run("unregistered queues are left alone", func(t *testing.T) {
		q := newTestQueue(t, 1)
		q.Register(QueueSessionRun, func(ctx context.Context, job *Job) error { return nil })
		runQueue(t, q)

		id, err := q.Enqueue(ctx, QueueAgentAnalyze, map[string]string{"agent_id": "a-1"})
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)
		job, err := q.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusQueued, job.Status)
	})

	t.Run("claim is exactly-once per delivery", func(t *testing.T) {
		q := newTestQueue(t, 1)
		q.Register(QueueSessionRun, func(ctx context.Context, job *Job) error { return nil })

		id, err := q.Enqueue(ctx, QueueSessionRun, sessionRunPayload{SessionID: "s-2"})
		require.NoError(t, err)

		job, err := q.claimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, id, job.ID)
		assert.Equal(t, 1, job.Attempts)

		// The row is running now; a second claim finds nothing.
		job2, err := q.claimNext(ctx)
		require.NoError(t, err)
		assert.Nil(t, job2)
	})

	t.Run("in-flight limit bounds concurrency", func(t *testing.T) {
		q := newTestQueue(t, 1)

		var mu sync.Mutex
		running, peak := 0, 0
		q.Register(QueueSessionRun, func(ctx context.Context, job *Job) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			return nil
		})
		runQueue(t, q)

		var ids []string
		for i := 0; i < 4; i++ {
			id, err := q.Enqueue(ctx, QueueSessionRun, sessionRunPayload{SessionID: "s"})
			require.NoError(t, err)
			ids = append(ids, id)
		}

		waitFor(t, func() bool {
			for _, id := range ids {
				job, err := q.GetJob(ctx, id)
				if err != nil || job.Status != StatusDone {
					return false
				}
			}
			return true
		})

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, peak)
	})
}
