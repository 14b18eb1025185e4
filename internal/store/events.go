package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agendo/agendo/internal/events"
)

// AppendEvent persists the event and assigns the next per-session sequence
// number. Only the single session owner appends for a given session, so the
// MAX(seq)+1 read-then-insert is race-free without locking. Ephemeral event
// types are rejected.
func (s *Store) AppendEvent(ctx context.Context, ev *events.Event) error {
	if ev.Type.Ephemeral() {
		return fmt.Errorf("event type %q is ephemeral and cannot be persisted", ev.Type)
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}

	query := s.pool.Writer().Rebind(`
		INSERT INTO events (session_id, seq, type, payload)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ? FROM events WHERE session_id = ?`)
	res, err := s.pool.Writer().ExecContext(ctx, query,
		ev.SessionID, ev.Type, string(payload), ev.SessionID)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows != 1 {
		return fmt.Errorf("failed to append event: no row inserted")
	}

	// Read back the seq we just assigned. Safe for the same single-owner
	// reason the insert is.
	seqQuery := s.pool.Writer().Rebind(`
		SELECT COALESCE(MAX(seq), 0) FROM events WHERE session_id = ?`)
	if err := s.pool.Writer().GetContext(ctx, &ev.Seq, seqQuery, ev.SessionID); err != nil {
		return fmt.Errorf("failed to read back event seq: %w", err)
	}
	return nil
}

// GetEvent loads a single persisted event, used to resolve notification ref
// stubs.
func (s *Store) GetEvent(ctx context.Context, sessionID string, seq int64) (*EventRow, error) {
	var row EventRow
	query := s.pool.Reader().Rebind(`
		SELECT * FROM events WHERE session_id = ? AND seq = ?`)
	if err := s.pool.Reader().GetContext(ctx, &row, query, sessionID, seq); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("event %s/%d: %w", sessionID, seq, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load event: %w", err)
	}
	return &row, nil
}

// ListEvents returns the persisted events for a session with seq > after,
// oldest first, up to limit rows. limit <= 0 means no limit.
func (s *Store) ListEvents(ctx context.Context, sessionID string, after int64, limit int) ([]EventRow, error) {
	query := `SELECT * FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionID, after}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	var rows []EventRow
	if err := s.pool.Reader().SelectContext(ctx, &rows,
		s.pool.Reader().Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return rows, nil
}
