package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"chatwire/internal/domain"
	"chatwire/internal/infra/config"
)

// busChannel is the Redis channel all gateways publish change events on.
const busChannel = "chatwire:changes"

// RedisBus distributes change events through Redis pub/sub so multiple
// gateway processes see the same feed.
type RedisBus struct {
	client *redis.Client
	buffer int
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*redisSub
	nextID uint64
	closed bool
}

type redisSub struct {
	ps   *redis.PubSub
	once sync.Once
}

var _ domain.Bus = (*RedisBus)(nil)

// NewRedisBus connects to Redis and verifies the connection with a ping.
func NewRedisBus(ctx context.Context, cfg config.RedisConfig, buffer int, logger *slog.Logger) (*RedisBus, error) {
	if buffer <= 0 {
		buffer = 64
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, domain.NewSubSystemError("pubsub", "NewRedisBus", domain.ErrUnavailable,
			fmt.Sprintf("ping %s: %v", cfg.Addr, err))
	}
	return &RedisBus{
		client: client,
		buffer: buffer,
		logger: logger,
		subs:   make(map[uint64]*redisSub),
	}, nil
}

// Publish sends payload to the shared channel.
func (b *RedisBus) Publish(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return domain.ErrBusClosed
	}

	if err := b.client.Publish(ctx, busChannel, payload).Err(); err != nil {
		return domain.NewSubSystemError("pubsub", "Publish", domain.ErrUnavailable, err.Error())
	}
	return nil
}

// Subscribe opens a dedicated Redis subscription and forwards its messages.
// The returned channel closes when cancel is called, ctx is done, or the
// bus shuts down.
func (b *RedisBus) Subscribe(ctx context.Context) (<-chan []byte, func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, nil, domain.ErrBusClosed
	}
	b.nextID++
	id := b.nextID
	sub := &redisSub{ps: b.client.Subscribe(ctx, busChannel)}
	b.subs[id] = sub
	b.mu.Unlock()

	out := make(chan []byte, b.buffer)
	cancel := func() {
		sub.once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.ps.Close()
		})
	}

	go func() {
		defer close(out)
		msgs := sub.ps.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				default:
					b.logger.Warn("dropping change event for slow subscriber",
						"subscriber", id, "buffer", b.buffer)
				}
			case <-ctx.Done():
				cancel()
				return
			}
		}
	}()

	return out, cancel, nil
}

// Close shuts all subscriptions down and releases the Redis connection.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	snapshot := make([]*redisSub, 0, len(b.subs))
	for _, sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.subs = make(map[uint64]*redisSub)
	b.mu.Unlock()

	for _, sub := range snapshot {
		sub.once.Do(func() {
			sub.ps.Close()
		})
	}
	return b.client.Close()
}
