package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agendo/agendo/internal/common/logger"
)

// MemoryBus implements Bus with in-process dispatch. Delivery is synchronous
// so subscribers observe payloads in publish order, matching the ordering
// the SQL transports provide per channel.
type MemoryBus struct {
	subscriptions map[string][]*memorySubscription
	mu            sync.RWMutex
	logger        *logger.Logger
	closed        bool
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	handler Handler
	active  bool
	mu      sync.Mutex
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subscriptions: make(map[string][]*memorySubscription),
		logger:        log,
	}
}

// Publish delivers the payload to every active subscriber of the channel.
func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("notify bus is closed")
	}
	subs := make([]*memorySubscription, len(b.subscriptions[channel]))
	copy(subs, b.subscriptions[channel])
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()
		if !active {
			continue
		}
		if err := sub.handler(ctx, channel, payload); err != nil {
			b.logger.Error("notify handler failed",
				zap.String("channel", channel),
				zap.Error(err))
		}
	}
	return nil
}

// Subscribe registers a handler for a channel.
func (b *MemoryBus) Subscribe(channel string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("notify bus is closed")
	}

	sub := &memorySubscription{
		bus:     b,
		channel: channel,
		handler: handler,
		active:  true,
	}
	b.subscriptions[channel] = append(b.subscriptions[channel], sub)
	return sub, nil
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	subs := s.bus.subscriptions[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.bus.subscriptions[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Close deactivates all subscriptions.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
		}
	}
	b.subscriptions = make(map[string][]*memorySubscription)
}

// IsConnected returns true until Close.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}
