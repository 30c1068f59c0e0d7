// Package pubsub provides the change-event bus implementations: an
// in-process hub for single-node deployments and a Redis-backed bus for
// running several gateways against one feed.
package pubsub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"chatwire/internal/domain"
)

// MemoryBus fans encoded change events out to in-process subscribers.
// Slow subscribers do not block publishers: when a subscriber's channel
// is full the event is dropped for that subscriber and logged.
type MemoryBus struct {
	buffer int
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*memorySub
	closed bool

	nextID  atomic.Uint64
	dropped atomic.Uint64
}

type memorySub struct {
	ch   chan []byte
	stop chan struct{}
	once sync.Once
}

var _ domain.Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-process bus. buffer is the per-subscriber
// channel depth.
func NewMemoryBus(buffer int, logger *slog.Logger) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{
		buffer: buffer,
		logger: logger,
		subs:   make(map[uint64]*memorySub),
	}
}

// Publish delivers payload to every active subscriber without blocking.
func (b *MemoryBus) Publish(ctx context.Context, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return domain.ErrBusClosed
	}

	for id, sub := range b.subs {
		select {
		case sub.ch <- payload:
		default:
			b.dropped.Add(1)
			b.logger.Warn("dropping change event for slow subscriber",
				"subscriber", id, "buffer", b.buffer)
		}
	}
	return nil
}

// Subscribe registers a new subscriber. The returned channel closes when
// cancel is called, ctx is done, or the bus shuts down.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan []byte, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, domain.ErrBusClosed
	}

	id := b.nextID.Add(1)
	sub := &memorySub{
		ch:   make(chan []byte, b.buffer),
		stop: make(chan struct{}),
	}
	b.subs[id] = sub
	b.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			close(sub.stop)
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			// Publishers send under RLock, so once the write lock above
			// has been held no send into this channel can be in flight.
			close(sub.ch)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-sub.stop:
		}
	}()

	return sub.ch, cancel, nil
}

// Dropped returns the number of events discarded for slow subscribers.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close shuts the bus down and closes all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	snapshot := make([]*memorySub, 0, len(b.subs))
	for _, sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()

	for _, sub := range snapshot {
		sub.once.Do(func() {
			close(sub.stop)
			close(sub.ch)
		})
	}
	return nil
}
