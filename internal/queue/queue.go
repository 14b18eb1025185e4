// Package queue implements the durable job queue the worker consumes. Jobs
// live in the shared SQL store; claiming is a conditional update, so a
// zero-row claim means another worker got there first. Delivery is
// at-least-once: handlers must tolerate duplicate delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/db"
	"github.com/agendo/agendo/internal/notify"
)

// Queue names for the job kinds the worker understands.
const (
	QueueSessionRun        = "session:run"
	QueueCapabilityExecute = "capability:execute"
	QueueAgentAnalyze      = "agent:analyze"
)

// WakeChannel is the notify channel that signals new work.
const WakeChannel = "agendo_jobs"

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// DefaultMaxAttempts bounds redelivery of a failing job.
const DefaultMaxAttempts = 3

// ErrNoHandler is returned by Enqueue for queues no worker handles.
var ErrNoHandler = errors.New("no handler registered for queue")

// Job is one row of durable work.
type Job struct {
	ID          string     `db:"id"`
	Queue       string     `db:"queue"`
	Payload     string     `db:"payload"` // JSON
	Status      string     `db:"status"`
	Attempts    int        `db:"attempts"`
	MaxAttempts int        `db:"max_attempts"`
	WorkerID    string     `db:"worker_id"`
	LastError   string     `db:"last_error"`
	ClaimedAt   *time.Time `db:"claimed_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// Bind unmarshals the job payload into v.
func (j *Job) Bind(v any) error {
	if err := json.Unmarshal([]byte(j.Payload), v); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	return nil
}

// Handler processes one claimed job. A nil return marks the job done; an
// error requeues it until MaxAttempts, then marks it failed.
type Handler func(ctx context.Context, job *Job) error

// Queue claims and dispatches jobs for one worker process.
type Queue struct {
	pool         *db.Pool
	bus          notify.Bus
	logger       *logger.Logger
	workerID     string
	maxInFlight  int
	pollInterval time.Duration

	mu       sync.RWMutex
	handlers map[string]Handler

	wake     chan struct{}
	sem      chan struct{}
	inflight sync.WaitGroup
}

// New creates a Queue and ensures the jobs table exists.
func New(pool *db.Pool, bus notify.Bus, log *logger.Logger, workerID string, maxInFlight int) (*Queue, error) {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	q := &Queue{
		pool:         pool,
		bus:          bus,
		logger:       log,
		workerID:     workerID,
		maxInFlight:  maxInFlight,
		pollInterval: 5 * time.Second,
		handlers:     make(map[string]Handler),
		wake:         make(chan struct{}, 1),
		sem:          make(chan struct{}, maxInFlight),
	}
	if err := q.initSchema(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) initSchema() error {
	stmt := `CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		queue TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'queued',
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		worker_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		claimed_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`
	if _, err := q.pool.Writer().Exec(stmt); err != nil {
		return fmt.Errorf("failed to create jobs table: %w", err)
	}
	idx := `CREATE INDEX IF NOT EXISTS idx_jobs_queue_status ON jobs(queue, status)`
	if _, err := q.pool.Writer().Exec(idx); err != nil {
		return fmt.Errorf("failed to create jobs index: %w", err)
	}
	return nil
}

// Register installs the handler for a queue name. Must be called before Run.
func (q *Queue) Register(queueName string, handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[queueName] = handler
}

// Enqueue inserts a job and pokes the wake channel. Safe to call from any
// process sharing the store.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job payload: %w", err)
	}

	id := uuid.NewString()
	query := q.pool.Writer().Rebind(`
		INSERT INTO jobs (id, queue, payload, status, max_attempts)
		VALUES (?, ?, ?, ?, ?)`)
	if _, err := q.pool.Writer().ExecContext(ctx, query,
		id, queueName, string(data), StatusQueued, DefaultMaxAttempts); err != nil {
		return "", fmt.Errorf("failed to enqueue job: %w", err)
	}

	// Wakeup is advisory; the poll loop catches anything the notify misses.
	if err := q.bus.Publish(ctx, WakeChannel, []byte(id)); err != nil {
		q.logger.Warn("job wakeup publish failed", zap.Error(err))
	}
	return id, nil
}

// Run claims and dispatches jobs until ctx is cancelled, then drains
// in-flight handlers for up to grace.
func (q *Queue) Run(ctx context.Context, grace time.Duration) error {
	sub, err := q.bus.Subscribe(WakeChannel, func(_ context.Context, _ string, _ []byte) error {
		select {
		case q.wake <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to wake channel: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		q.claimLoop(ctx)

		select {
		case <-ctx.Done():
			return q.drain(grace)
		case <-q.wake:
		case <-ticker.C:
		}
	}
}

// claimLoop claims jobs until the queue is empty or all slots are busy.
func (q *Queue) claimLoop(ctx context.Context) {
	for {
		select {
		case q.sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		job, err := q.claimNext(ctx)
		if err != nil {
			<-q.sem
			if ctx.Err() == nil {
				q.logger.Error("job claim failed", zap.Error(err))
			}
			return
		}
		if job == nil {
			<-q.sem
			return
		}

		q.inflight.Add(1)
		go func(job *Job) {
			defer q.inflight.Done()
			defer func() { <-q.sem }()
			q.dispatch(ctx, job)
		}(job)
	}
}

// claimNext picks the oldest queued job for a registered queue and flips it
// to running. Returns nil when there is nothing to claim.
func (q *Queue) claimNext(ctx context.Context) (*Job, error) {
	q.mu.RLock()
	names := make([]string, 0, len(q.handlers))
	for name := range q.handlers {
		names = append(names, name)
	}
	q.mu.RUnlock()
	if len(names) == 0 {
		return nil, nil
	}

	query, args, err := sqlxIn(`
		SELECT * FROM jobs WHERE status = 'queued' AND queue IN (?)
		ORDER BY created_at ASC LIMIT 1`, names)
	if err != nil {
		return nil, err
	}

	var job Job
	if err := q.pool.Writer().GetContext(ctx, &job, q.pool.Writer().Rebind(query), args...); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select queued job: %w", err)
	}

	claim := q.pool.Writer().Rebind(`
		UPDATE jobs
		SET status = ?, worker_id = ?, attempts = attempts + 1,
		    claimed_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`)
	res, err := q.pool.Writer().ExecContext(ctx, claim,
		StatusRunning, q.workerID, job.ID, StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows != 1 {
		// Another worker claimed it between select and update.
		return nil, nil
	}
	job.Status = StatusRunning
	job.Attempts++
	return &job, nil
}

func (q *Queue) dispatch(ctx context.Context, job *Job) {
	q.mu.RLock()
	handler := q.handlers[job.Queue]
	q.mu.RUnlock()

	log := q.logger.WithFields(zap.String("job_id", job.ID), zap.String("queue", job.Queue))

	if handler == nil {
		q.finish(job, StatusFailed, "no handler registered")
		return
	}

	if err := handler(ctx, job); err != nil {
		log.Warn("job handler failed",
			zap.Int("attempt", job.Attempts),
			zap.Error(err))
		if job.Attempts >= job.MaxAttempts {
			q.finish(job, StatusFailed, err.Error())
		} else {
			q.requeue(job, err.Error())
		}
		return
	}
	q.finish(job, StatusDone, "")
}

// finish and requeue use a background context so terminal bookkeeping
// survives worker shutdown.
func (q *Queue) finish(job *Job, status, lastError string) {
	query := q.pool.Writer().Rebind(`
		UPDATE jobs SET status = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`)
	if _, err := q.pool.Writer().ExecContext(context.Background(), query,
		status, lastError, job.ID, StatusRunning); err != nil {
		q.logger.Error("failed to finish job",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

func (q *Queue) requeue(job *Job, lastError string) {
	query := q.pool.Writer().Rebind(`
		UPDATE jobs SET status = ?, worker_id = '', last_error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`)
	if _, err := q.pool.Writer().ExecContext(context.Background(), query,
		StatusQueued, lastError, job.ID, StatusRunning); err != nil {
		q.logger.Error("failed to requeue job",
			zap.String("job_id", job.ID),
			zap.Error(err))
	}
}

// drain waits for in-flight handlers to finish, up to grace.
func (q *Queue) drain(grace time.Duration) error {
	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("shutdown grace elapsed with jobs still in flight")
	}
}

// GetJob loads a job by id.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	var job Job
	query := q.pool.Reader().Rebind(`SELECT * FROM jobs WHERE id = ?`)
	if err := q.pool.Reader().GetContext(ctx, &job, query, id); err != nil {
		if isNoRows(err) {
			return nil, fmt.Errorf("job %s not found", id)
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	return &job, nil
}

// SetPollInterval overrides the fallback poll cadence.
func (q *Queue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}
