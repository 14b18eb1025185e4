package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	if !ValidPermissionMode(sess.PermissionMode) {
		return fmt.Errorf("invalid permission mode %q", sess.PermissionMode)
	}
	query := s.pool.Writer().Rebind(`
		INSERT INTO sessions (id, task_id, agent_id, capability_id, status, permission_mode, model, session_ref, idle_timeout_sec)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.pool.Writer().ExecContext(ctx, query,
		sess.ID, sess.TaskID, sess.AgentID, sess.CapabilityID,
		sess.Status, sess.PermissionMode, sess.Model, sess.SessionRef, sess.IdleTimeoutSec)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession loads a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	var sess Session
	query := s.pool.Reader().Rebind(`SELECT * FROM sessions WHERE id = ?`)
	if err := s.pool.Reader().GetContext(ctx, &sess, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return &sess, nil
}

// UpdateSessionStatus sets the lifecycle status with a targeted column
// update. The caller is responsible for only requesting legal transitions.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	query := s.pool.Writer().Rebind(`
		UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, status, id)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	return nil
}

// SetSessionRef records the adapter-owned conversation handle. The ref is
// monotonic: once set it is never replaced or cleared, so a concurrent or
// repeated capture is a no-op.
func (s *Store) SetSessionRef(ctx context.Context, id, ref string) error {
	if ref == "" {
		return nil
	}
	query := s.pool.Writer().Rebind(`
		UPDATE sessions SET session_ref = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND session_ref = ''`)
	_, err := s.pool.Writer().ExecContext(ctx, query, ref, id)
	if err != nil {
		return fmt.Errorf("failed to set session ref: %w", err)
	}
	return nil
}

// TouchSessionActivity updates last_active_at.
func (s *Store) TouchSessionActivity(ctx context.Context, id string, at time.Time) error {
	query := s.pool.Writer().Rebind(`
		UPDATE sessions SET last_active_at = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch session activity: %w", err)
	}
	return nil
}

// AccumulateSessionUsage adds turn-end accounting to the session's running
// totals.
func (s *Store) AccumulateSessionUsage(ctx context.Context, id string, costUSD float64, turns int, durationMs int64) error {
	query := s.pool.Writer().Rebind(`
		UPDATE sessions
		SET cost_usd = cost_usd + ?, turns = turns + ?, duration_ms = duration_ms + ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, costUSD, turns, durationMs, id)
	if err != nil {
		return fmt.Errorf("failed to accumulate session usage: %w", err)
	}
	return nil
}

// SetPermissionMode persists the permission mode.
func (s *Store) SetPermissionMode(ctx context.Context, id string, mode PermissionMode) error {
	if !ValidPermissionMode(mode) {
		return fmt.Errorf("invalid permission mode %q", mode)
	}
	query := s.pool.Writer().Rebind(`
		UPDATE sessions SET permission_mode = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, mode, id)
	if err != nil {
		return fmt.Errorf("failed to set permission mode: %w", err)
	}
	return nil
}

// SetSessionModel persists the preferred model for subsequent spawns.
func (s *Store) SetSessionModel(ctx context.Context, id, model string) error {
	query := s.pool.Writer().Rebind(`
		UPDATE sessions SET model = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, model, id)
	if err != nil {
		return fmt.Errorf("failed to set session model: %w", err)
	}
	return nil
}

// SetIdleTimeout persists the idle timeout; nil means never.
func (s *Store) SetIdleTimeout(ctx context.Context, id string, seconds *int) error {
	query := s.pool.Writer().Rebind(`
		UPDATE sessions SET idle_timeout_sec = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`)
	_, err := s.pool.Writer().ExecContext(ctx, query, seconds, id)
	if err != nil {
		return fmt.Errorf("failed to set idle timeout: %w", err)
	}
	return nil
}

// ProjectRoots returns the root paths of known projects, used by the safety
// gate as a database-backed allowlist fallback.
func (s *Store) ProjectRoots(ctx context.Context) ([]string, error) {
	var roots []string
	if err := s.pool.Reader().SelectContext(ctx, &roots, `SELECT root_path FROM projects`); err != nil {
		return nil, fmt.Errorf("failed to load project roots: %w", err)
	}
	return roots, nil
}

// GetAgent loads an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	var agent Agent
	query := s.pool.Reader().Rebind(`SELECT * FROM agents WHERE id = ?`)
	if err := s.pool.Reader().GetContext(ctx, &agent, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load agent: %w", err)
	}
	return &agent, nil
}

// GetCapability loads a capability by id.
func (s *Store) GetCapability(ctx context.Context, id string) (*Capability, error) {
	var cap Capability
	query := s.pool.Reader().Rebind(`SELECT * FROM capabilities WHERE id = ?`)
	if err := s.pool.Reader().GetContext(ctx, &cap, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("capability %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load capability: %w", err)
	}
	return &cap, nil
}
