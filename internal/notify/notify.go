// Package notify fans session events and control messages out to listeners
// through a pluggable bus. Payloads larger than the notify limit are replaced
// on the wire by a ref stub pointing at the persisted event row.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agendo/agendo/internal/events"
)

// MaxPayloadBytes is the largest payload published verbatim. PostgreSQL
// caps NOTIFY payloads at 8000 bytes; the margin leaves room for envelope
// fields added by transports.
const MaxPayloadBytes = 7500

// Handler receives the raw payload published on a channel. Handlers for the
// same subscription are invoked in publish order.
type Handler func(ctx context.Context, channel string, payload []byte) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the transport the worker publishes on. Implementations: PostgreSQL
// LISTEN/NOTIFY, NATS, and an in-memory bus for tests and single-process
// deployments.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(channel string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}

// EventsChannel returns the notify channel carrying a session's event stream.
// Dashes are stripped so the name stays a valid identifier on every
// transport.
func EventsChannel(sessionID string) string {
	return "events_" + strings.ReplaceAll(sessionID, "-", "")
}

// ControlChannel returns the notify channel carrying inbound control
// messages for a session.
func ControlChannel(sessionID string) string {
	return "control_" + strings.ReplaceAll(sessionID, "-", "")
}

// RefStub replaces an oversize event payload on the wire. Subscribers fetch
// the full row from the events table by (session, id).
type RefStub struct {
	Type         string      `json:"type"` // always "ref"
	OriginalType events.Type `json:"originalType"`
	ID           int64       `json:"id"`
	SessionID    string      `json:"session_id,omitempty"`
}

// EncodeEvent marshals an event for publishing, substituting a ref stub when
// the encoding exceeds MaxPayloadBytes. Returns the wire bytes and whether a
// stub was substituted. Oversize ephemeral events cannot be stubbed (there
// is no persisted row to point at); callers skip publishing those and rely
// on the complete event that follows.
func EncodeEvent(ev events.Event) ([]byte, bool, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal event: %w", err)
	}
	if len(data) <= MaxPayloadBytes {
		return data, false, nil
	}
	if ev.Type.Ephemeral() || ev.Seq == 0 {
		return nil, false, fmt.Errorf("oversize payload for unpersisted event %q", ev.Type)
	}
	stub, err := json.Marshal(RefStub{
		Type:         "ref",
		OriginalType: ev.Type,
		ID:           ev.Seq,
		SessionID:    ev.SessionID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal ref stub: %w", err)
	}
	return stub, true, nil
}

// DecodeRef reports whether the payload is a ref stub and decodes it if so.
func DecodeRef(payload []byte) (*RefStub, bool) {
	var stub RefStub
	if err := json.Unmarshal(payload, &stub); err != nil {
		return nil, false
	}
	if stub.Type != "ref" {
		return nil, false
	}
	return &stub, true
}
