// Package heartbeat keeps worker liveness visible in the store and reaps
// executions whose workers went silent.
package heartbeat

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
	"github.com/agendo/agendo/internal/store"
)

// Heartbeat periodically upserts the worker's liveness row.
type Heartbeat struct {
	store    *store.Store
	logger   *logger.Logger
	workerID string
	interval time.Duration
}

// New creates a Heartbeat.
func New(st *store.Store, log *logger.Logger, workerID string, interval time.Duration) *Heartbeat {
	return &Heartbeat{
		store:    st,
		logger:   log,
		workerID: workerID,
		interval: interval,
	}
}

// Run beats until ctx is cancelled. The first beat happens immediately so a
// freshly started worker is visible before its first interval elapses.
func (h *Heartbeat) Run(ctx context.Context) error {
	h.beat(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			h.beat(ctx)
		}
	}
}

func (h *Heartbeat) beat(ctx context.Context) {
	if err := h.store.UpsertHeartbeat(ctx, h.workerID); err != nil {
		h.logger.Warn("heartbeat upsert failed", zap.Error(err))
	}
}

// Reaper marks running executions that stopped refreshing updated_at as
// timed_out. It only repairs bookkeeping for dead workers; live processes
// keep their rows fresh through log streaming.
type Reaper struct {
	store     *store.Store
	logger    *logger.Logger
	threshold time.Duration
	interval  time.Duration
}

// NewReaper creates a Reaper that scans at half the staleness threshold.
func NewReaper(st *store.Store, log *logger.Logger, threshold time.Duration) *Reaper {
	interval := threshold / 2
	if interval < time.Second {
		interval = time.Second
	}
	return &Reaper{
		store:     st,
		logger:    log,
		threshold: threshold,
		interval:  interval,
	}
}

// Run scans until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ids, err := r.store.ReapStaleExecutions(ctx, r.threshold)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Error("stale execution reap failed", zap.Error(err))
				}
				continue
			}
			for _, id := range ids {
				r.logger.Warn("reaped stale execution", zap.String("execution_id", id))
			}
		}
	}
}
