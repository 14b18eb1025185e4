package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agendo/agendo/internal/db/dialect"
)

// CreateExecution inserts a new execution row in status queued.
func (s *Store) CreateExecution(ctx context.Context, exec *Execution) error {
	if exec.CLIFlags == "" {
		exec.CLIFlags = "{}"
	}
	query := s.pool.Writer().Rebind(`
		INSERT INTO executions (id, session_id, task_id, agent_id, capability_id, status, prompt_override, cli_flags, worker_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		exec.ID, exec.SessionID, exec.TaskID, exec.AgentID, exec.CapabilityID,
		ExecutionQueued, exec.PromptOverride, exec.CLIFlags, exec.WorkerID)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// GetExecution loads an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var exec Execution
	query := s.pool.Reader().Rebind(`SELECT * FROM executions WHERE id = ?`)
	if err := s.pool.Reader().GetContext(ctx, &exec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}
	return &exec, nil
}

// MarkExecutionRunning transitions queued → running and records pid, log
// path and owning worker. Returns false when the execution was no longer
// queued (duplicate delivery or concurrent cancel).
func (s *Store) MarkExecutionRunning(ctx context.Context, id string, pid int, logPath, workerID string) (bool, error) {
	query := s.pool.Writer().Rebind(`
		UPDATE executions
		SET status = ?, pid = ?, log_path = ?, worker_id = ?,
		    started_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query,
		ExecutionRunning, pid, logPath, workerID, id, ExecutionQueued)
	if err != nil {
		return false, fmt.Errorf("failed to mark execution running: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// UpdateExecutionPID records the child pid after a respawn (Codex spawns a
// fresh child per turn).
func (s *Store) UpdateExecutionPID(ctx context.Context, id string, pid int) error {
	query := s.pool.Writer().Rebind(`
		UPDATE executions SET pid = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, pid, id)
	if err != nil {
		return fmt.Errorf("failed to update execution pid: %w", err)
	}
	return nil
}

// UpdateExecutionLogCounts records byte and line accounting from the log
// writer and refreshes updated_at, which doubles as the liveness signal the
// stale reaper watches.
func (s *Store) UpdateExecutionLogCounts(ctx context.Context, id string, bytes, lines int64) error {
	query := s.pool.Writer().Rebind(`
		UPDATE executions SET log_bytes = ?, log_lines = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, bytes, lines, id)
	if err != nil {
		return fmt.Errorf("failed to update execution log counts: %w", err)
	}
	return nil
}

// FinalizeExecution transitions running → the given terminal status. The
// WHERE status='running' guard serializes against a concurrent cancel:
// returns false when zero rows changed, in which case the caller re-reads
// and handles the external transition.
func (s *Store) FinalizeExecution(ctx context.Context, id string, status ExecutionStatus, exitCode *int, errorMessage string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	query := s.pool.Writer().Rebind(`
		UPDATE executions
		SET status = ?, exit_code = ?, error_message = ?,
		    ended_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query,
		status, exitCode, errorMessage, id, ExecutionRunning)
	if err != nil {
		return false, fmt.Errorf("failed to finalize execution: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// RequestExecutionCancel flips a non-terminal execution to cancelling.
// Returns false when the execution was already terminal.
func (s *Store) RequestExecutionCancel(ctx context.Context, id string) (bool, error) {
	query := s.pool.Writer().Rebind(`
		UPDATE executions SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?)`)
	res, err := s.pool.Writer().ExecContext(ctx, query,
		ExecutionCancelling, id, ExecutionQueued, ExecutionRunning)
	if err != nil {
		return false, fmt.Errorf("failed to request cancel: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// CompleteCancellation transitions cancelling → cancelled once the process
// is confirmed gone.
func (s *Store) CompleteCancellation(ctx context.Context, id string, exitCode *int) (bool, error) {
	query := s.pool.Writer().Rebind(`
		UPDATE executions
		SET status = ?, exit_code = ?, ended_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query,
		ExecutionCancelled, exitCode, id, ExecutionCancelling)
	if err != nil {
		return false, fmt.Errorf("failed to complete cancellation: %w", err)
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

// ReapStaleExecutions marks running executions whose updated_at is older
// than the threshold as timed_out. The reaper surfaces stuck-looking rows;
// it never signals processes. Returns the ids it reaped.
func (s *Store) ReapStaleExecutions(ctx context.Context, threshold time.Duration) ([]string, error) {
	cutoff := dialect.NowMinusMillis(s.driver, "?")
	selectQuery := s.pool.Writer().Rebind(fmt.Sprintf(
		`SELECT id FROM executions WHERE status = ? AND updated_at < %s`, cutoff))

	var ids []string
	if err := s.pool.Writer().SelectContext(ctx, &ids, selectQuery,
		ExecutionRunning, threshold.Milliseconds()); err != nil {
		return nil, fmt.Errorf("failed to find stale executions: %w", err)
	}

	for _, id := range ids {
		updateQuery := s.pool.Writer().Rebind(`
			UPDATE executions
			SET status = ?, ended_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?`)
		if _, err := s.pool.Writer().ExecContext(ctx, updateQuery,
			ExecutionTimedOut, id, ExecutionRunning); err != nil {
			return ids, fmt.Errorf("failed to reap execution %s: %w", id, err)
		}
	}
	return ids, nil
}

// UpsertHeartbeat advertises worker liveness.
func (s *Store) UpsertHeartbeat(ctx context.Context, workerID string) error {
	var query string
	if dialect.IsPostgres(s.driver) {
		query = `INSERT INTO worker_heartbeats (worker_id, beat_at) VALUES ($1, NOW())
			ON CONFLICT (worker_id) DO UPDATE SET beat_at = NOW()`
	} else {
		query = `INSERT INTO worker_heartbeats (worker_id, beat_at) VALUES (?, datetime('now'))
			ON CONFLICT (worker_id) DO UPDATE SET beat_at = datetime('now')`
	}
	if _, err := s.pool.Writer().ExecContext(ctx, query, workerID); err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}
