package identity

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu      sync.Mutex
	records map[string]*Record
	lookups atomic.Int32
	// gate, when set, blocks every Lookup until it is closed.
	gate    chan struct{}
	entered chan struct{}
}

func newFakeSource(records ...*Record) *fakeSource {
	f := &fakeSource{records: make(map[string]*Record)}
	for _, r := range records {
		f.records[r.AgentID] = r
	}
	return f
}

func (f *fakeSource) Lookup(ctx context.Context, agentID string) (*Record, error) {
	f.lookups.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeSource) Open(r *Record) (Credential, error) {
	return Credential(r.CredentialRef), nil
}

func (f *fakeSource) set(agentID, credential string, status Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.records[agentID]
	r.CredentialRef = credential
	r.Status = status
}

type fakeResolverMetrics struct {
	mu            sync.Mutex
	cache         map[string]int
	lookups       map[string]int
	invalidations int
}

func (m *fakeResolverMetrics) IncResolverCache(result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache == nil {
		m.cache = map[string]int{}
	}
	m.cache[result]++
}

func (m *fakeResolverMetrics) IncResolverLookup(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookups == nil {
		m.lookups = map[string]int{}
	}
	m.lookups[outcome]++
}

func (m *fakeResolverMetrics) IncResolverInvalidation() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidations++
}

func activeRecord(agentID, principalID, credential string) *Record {
	return &Record{AgentID: agentID, PrincipalID: principalID, CredentialRef: credential, Status: StatusActive}
}

func TestResolveServesFreshEntryFromCache(t *testing.T) {
	src := newFakeSource(activeRecord("a1", "u1", "k1"))
	m := &fakeResolverMetrics{}
	r := NewResolver(src, 100, time.Minute)
	r.SetMetrics(m)

	for i := 0; i < 5; i++ {
		id, err := r.Resolve(context.Background(), "a1")
		require.NoError(t, err)
		assert.Equal(t, "u1", id.PrincipalID)
		assert.Equal(t, "k1", id.Credential.Reveal())
	}

	assert.EqualValues(t, 1, src.lookups.Load())
	assert.Equal(t, 4, m.cache["hit"])
	assert.Equal(t, 1, m.cache["miss"])
	assert.Equal(t, 1, r.Len())
}

func TestResolveReflectsRotationAfterInvalidate(t *testing.T) {
	src := newFakeSource(activeRecord("a1", "u1", "k1"))
	r := NewResolver(src, 100, time.Minute)

	id, err := r.Resolve(context.Background(), "a1")
	require.NoError(t, err)
	require.Equal(t, "k1", id.Credential.Reveal())

	src.set("a1", "k2", StatusActive)

	// Still cached until invalidated.
	id, _ = r.Resolve(context.Background(), "a1")
	assert.Equal(t, "k1", id.Credential.Reveal())

	r.Invalidate("a1")
	id, err = r.Resolve(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "k2", id.Credential.Reveal())
}

func TestResolveNeverServesPastTTL(t *testing.T) {
	src := newFakeSource(activeRecord("a1", "u1", "k1"))
	r := NewResolver(src, 100, 50*time.Millisecond)

	_, err := r.Resolve(context.Background(), "a1")
	require.NoError(t, err)
	src.set("a1", "k2", StatusActive)

	time.Sleep(120 * time.Millisecond)

	id, err := r.Resolve(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "k2", id.Credential.Reveal())
	assert.EqualValues(t, 2, src.lookups.Load())
}

func TestResolveSingleFlight(t *testing.T) {
	src := newFakeSource(activeRecord("a1", "u1", "k1"))
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 1)
	r := NewResolver(src, 100, time.Minute)

	const n = 50
	var wg sync.WaitGroup
	results := make([]Identity, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), "a1")
		}(i)
	}

	<-src.entered
	// Give the remaining callers time to join the in-flight lookup.
	time.Sleep(50 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.EqualValues(t, 1, src.lookups.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "u1", results[i].PrincipalID)
	}
}

func TestResolveUnknownAndInactive(t *testing.T) {
	src := newFakeSource(
		&Record{AgentID: "s1", PrincipalID: "u1", CredentialRef: "k", Status: StatusSuspended},
		&Record{AgentID: "r1", PrincipalID: "u1", CredentialRef: "k", Status: StatusRevoked},
		&Record{AgentID: "p1", PrincipalID: "u1", CredentialRef: "k", Status: StatusProvisioning},
	)
	r := NewResolver(src, 100, time.Minute)

	_, err := r.Resolve(context.Background(), "a404")
	assert.ErrorIs(t, err, ErrNotFound)

	for _, id := range []string{"s1", "r1", "p1"} {
		_, err := r.Resolve(context.Background(), id)
		assert.ErrorIs(t, err, ErrSuspended, id)
	}

	// Failures are not cached.
	_, _ = r.Resolve(context.Background(), "s1")
	assert.Equal(t, 0, r.Len())
	assert.EqualValues(t, 5, src.lookups.Load())
}

func TestReactivatedAgentResolvesAfterInvalidate(t *testing.T) {
	src := newFakeSource(&Record{AgentID: "a1", PrincipalID: "u1", CredentialRef: "k1", Status: StatusSuspended})
	r := NewResolver(src, 100, time.Minute)

	_, err := r.Resolve(context.Background(), "a1")
	require.ErrorIs(t, err, ErrSuspended)

	src.set("a1", "k1", StatusActive)
	r.Invalidate("a1")
	_, err = r.Resolve(context.Background(), "a1")
	require.NoError(t, err)
}

func TestInvalidateDuringLookupDoesNotRepopulate(t *testing.T) {
	src := newFakeSource(activeRecord("a1", "u1", "k1"))
	src.gate = make(chan struct{})
	src.entered = make(chan struct{}, 2)
	m := &fakeResolverMetrics{}
	r := NewResolver(src, 100, time.Minute)
	r.SetMetrics(m)

	done := make(chan Identity)
	go func() {
		id, _ := r.Resolve(context.Background(), "a1")
		done <- id
	}()

	<-src.entered
	src.set("a1", "k2", StatusActive)
	r.Invalidate("a1")
	close(src.gate)

	stale := <-done
	assert.Equal(t, "k1", stale.Credential.Reveal(), "in-flight waiter gets the answer it asked for")
	assert.Equal(t, 0, r.Len(), "stale lookup must not repopulate the cache")

	id, err := r.Resolve(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "k2", id.Credential.Reveal())
	assert.Equal(t, 1, m.invalidations)
	assert.Equal(t, 0, r.inflightLen())
}

func (r *Resolver) inflightLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func TestResolverKeepsNoStateForUnknownAgents(t *testing.T) {
	src := newFakeSource(activeRecord("a1", "u1", "k1"))
	r := NewResolver(src, 100, time.Minute)

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("missing-%d", i)
		_, err := r.Resolve(context.Background(), id)
		require.ErrorIs(t, err, ErrNotFound)
		r.Invalidate(id)
	}
	_, err := r.Resolve(context.Background(), "a1")
	require.NoError(t, err)

	assert.Equal(t, 0, r.inflightLen())
	assert.Equal(t, 1, r.Len())
}

func TestResolveHonoursCallerContext(t *testing.T) {
	src := newFakeSource(activeRecord("a1", "u1", "k1"))
	src.gate = make(chan struct{})
	r := NewResolver(src, 100, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := r.Resolve(ctx, "a1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The shared lookup keeps going and a later caller gets its result.
	close(src.gate)
	id, err := r.Resolve(context.Background(), "a1")
	require.NoError(t, err)
	assert.Equal(t, "u1", id.PrincipalID)
}
