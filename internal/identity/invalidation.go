package identity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Invalidator carries rotation and revocation signals between replicas.
type Invalidator interface {
	Publish(ctx context.Context, agentID string) error
	// Listen calls fn for every published agent id until ctx is done.
	Listen(ctx context.Context, fn func(agentID string)) error
}

// LocalBus delivers invalidations within one process.
type LocalBus struct {
	mu       sync.RWMutex
	handlers map[int]func(string)
	next     int
}

// NewLocalBus creates an in-process invalidation bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[int]func(string))}
}

func (b *LocalBus) Publish(_ context.Context, agentID string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.handlers {
		fn(agentID)
	}
	return nil
}

func (b *LocalBus) Listen(ctx context.Context, fn func(agentID string)) error {
	b.mu.Lock()
	id := b.next
	b.next++
	b.handlers[id] = fn
	b.mu.Unlock()

	<-ctx.Done()

	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
	return nil
}

// RedisBus fans invalidations out to every replica over a pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus connects to the Redis instance at url.
func NewRedisBus(url, channel string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &RedisBus{client: redis.NewClient(opts), channel: channel}, nil
}

// Ping checks connectivity.
func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Publish(ctx context.Context, agentID string) error {
	if err := b.client.Publish(ctx, b.channel, agentID).Err(); err != nil {
		return fmt.Errorf("publishing invalidation: %w", err)
	}
	return nil
}

func (b *RedisBus) Listen(ctx context.Context, fn func(agentID string)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribing to %s: %w", b.channel, err)
	}
	slog.Info("listening for identity invalidations", "channel", b.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			fn(msg.Payload)
		}
	}
}

// Close releases the Redis connection pool.
func (b *RedisBus) Close() error {
	return b.client.Close()
}
