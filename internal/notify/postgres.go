package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// PostgresBus implements Bus over LISTEN/NOTIFY. Publishes go through a
// single shared connection; each subscription holds a dedicated connection
// because a listening connection cannot run other queries while waiting.
type PostgresBus struct {
	dsn    string
	conn   *pgx.Conn
	connMu sync.Mutex
	logger *logger.Logger

	mu     sync.Mutex
	closed bool
	subs   []*pgSubscription
}

type pgSubscription struct {
	bus     *PostgresBus
	channel string
	conn    *pgx.Conn
	cancel  context.CancelFunc
	active  bool
	mu      sync.Mutex
}

// NewPostgresBus connects the publish connection.
func NewPostgresBus(ctx context.Context, dsn string, log *logger.Logger) (*PostgresBus, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect notify publisher: %w", err)
	}
	return &PostgresBus{dsn: dsn, conn: conn, logger: log}, nil
}

// Publish sends the payload with pg_notify. The payload must already be
// within MaxPayloadBytes; EncodeEvent guarantees that for events.
func (b *PostgresBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.conn == nil || b.conn.IsClosed() {
		return fmt.Errorf("notify bus is closed")
	}
	if _, err := b.conn.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("failed to notify %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a dedicated listening connection for the channel and
// dispatches notifications to the handler in arrival order.
func (b *PostgresBus) Subscribe(channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("notify bus is closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := pgx.Connect(ctx, b.dsn)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect listener: %w", err)
	}
	// Channel names are generated identifiers, safe to inline.
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		cancel()
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	sub := &pgSubscription{
		bus:     b,
		channel: channel,
		conn:    conn,
		cancel:  cancel,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	go sub.run(ctx, handler)
	return sub, nil
}

func (s *pgSubscription) run(ctx context.Context, handler Handler) {
	for {
		n, err := s.conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.bus.logger.Error("notify listener failed",
					zap.String("channel", s.channel),
					zap.Error(err))
			}
			s.mu.Lock()
			s.active = false
			s.mu.Unlock()
			return
		}
		if err := handler(ctx, n.Channel, []byte(n.Payload)); err != nil {
			s.bus.logger.Error("notify handler failed",
				zap.String("channel", s.channel),
				zap.Error(err))
		}
	}
}

func (s *pgSubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.cancel()
	return s.conn.Close(context.Background())
}

func (s *pgSubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close tears down the publish connection and every listener.
func (b *PostgresBus) Close() {
	b.mu.Lock()
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil {
		_ = b.conn.Close(context.Background())
		b.conn = nil
	}
}

// IsConnected reports whether the publish connection is open.
func (b *PostgresBus) IsConnected() bool {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	return b.conn != nil && !b.conn.IsClosed()
}
