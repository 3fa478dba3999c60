package identity

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusDeliversToListeners(t *testing.T) {
	bus := NewLocalBus()
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var got []string
	listening := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(listening)
		_ = bus.Listen(ctx, func(agentID string) {
			mu.Lock()
			got = append(got, agentID)
			mu.Unlock()
		})
	}()
	<-listening

	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.handlers) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), "a1"))
	require.NoError(t, bus.Publish(context.Background(), "a2"))

	cancel()
	<-done

	mu.Lock()
	assert.Equal(t, []string{"a1", "a2"}, got)
	mu.Unlock()

	// Unsubscribed after ctx is done.
	require.NoError(t, bus.Publish(context.Background(), "a3"))
	mu.Lock()
	assert.Len(t, got, 2)
	mu.Unlock()
}

func TestLocalBusInvalidatesResolver(t *testing.T) {
	src := newFakeSource(activeRecord("a1", "u1", "k1"))
	r := NewResolver(src, 10, time.Minute)
	bus := NewLocalBus()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bus.Listen(ctx, r.Invalidate) }()
	require.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.handlers) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := r.Resolve(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, 1, r.Len())

	require.NoError(t, bus.Publish(context.Background(), "a1"))
	assert.Equal(t, 0, r.Len())
}

// Runs against a real Redis when TITHE_TEST_REDIS_URL is set.
func TestRedisBusRoundtrip(t *testing.T) {
	url := os.Getenv("TITHE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TITHE_TEST_REDIS_URL not set")
	}

	bus, err := NewRedisBus(url, "tithe:test:invalidate")
	require.NoError(t, err)
	defer bus.Close()
	require.NoError(t, bus.Ping(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan string, 1)
	go func() { _ = bus.Listen(ctx, func(id string) { got <- id }) }()

	// Publish until the subscription is live.
	require.Eventually(t, func() bool {
		_ = bus.Publish(context.Background(), "a1")
		select {
		case id := <-got:
			return id == "a1"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNewRedisBusRejectsBadURL(t *testing.T) {
	_, err := NewRedisBus("not a url", "c")
	assert.Error(t, err)
}
