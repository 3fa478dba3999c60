package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// Source is the identity store as seen by the Resolver.
type Source interface {
	Lookup(ctx context.Context, agentID string) (*Record, error)
	Open(r *Record) (Credential, error)
}

// ResolverMetrics is an optional interface for recording resolver metrics.
type ResolverMetrics interface {
	IncResolverCache(result string)
	IncResolverLookup(outcome string)
	IncResolverInvalidation()
}

const defaultLookupTimeout = 5 * time.Second

// Resolver serves agent identities from a ttl-bounded cache and coalesces
// concurrent misses for the same agent into one store lookup.
type Resolver struct {
	source        Source
	cache         *expirable.LRU[string, Identity]
	group         singleflight.Group
	lookupTimeout time.Duration

	mu sync.Mutex
	// inflight holds an entry per agent only while a lookup for it runs.
	inflight map[string]*pending
	metrics       ResolverMetrics
}

// NewResolver creates a Resolver holding at most size entries, each for at most ttl.
func NewResolver(source Source, size int, ttl time.Duration) *Resolver {
	return &Resolver{
		source:        source,
		cache:         expirable.NewLRU[string, Identity](size, nil, ttl),
		lookupTimeout: defaultLookupTimeout,
		inflight:      make(map[string]*pending),
	}
}

// pending tracks the lookups running for one agent. Invalidate bumps gen so
// that lookups started before it do not cache their answer.
type pending struct {
	lookups int
	gen     uint64
}

// SetMetrics sets the optional metrics recorder.
func (r *Resolver) SetMetrics(m ResolverMetrics) {
	r.metrics = m
}

// Resolve returns the active identity for agentID, or ErrNotFound / ErrSuspended.
func (r *Resolver) Resolve(ctx context.Context, agentID string) (Identity, error) {
	if id, ok := r.cache.Get(agentID); ok {
		r.countCache("hit")
		return id, nil
	}
	r.countCache("miss")

	// The lookup is shared, so it must not die with whichever caller started it.
	ch := r.group.DoChan(agentID, func() (any, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.lookupTimeout)
		defer cancel()
		return r.load(lctx, agentID)
	})

	select {
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Identity{}, res.Err
		}
		return res.Val.(Identity), nil
	}
}

func (r *Resolver) load(ctx context.Context, agentID string) (Identity, error) {
	start := r.begin(agentID)
	var id Identity
	defer func() { r.end(agentID, start, id) }()

	rec, err := r.source.Lookup(ctx, agentID)
	if err != nil {
		r.countLookup(outcomeOf(err))
		return Identity{}, err
	}
	if rec.Status != StatusActive {
		r.countLookup("suspended")
		return Identity{}, ErrSuspended
	}

	cred, err := r.source.Open(rec)
	if err != nil {
		r.countLookup("error")
		return Identity{}, fmt.Errorf("opening credential for agent %s: %w", agentID, err)
	}
	r.countLookup("ok")

	id = Identity{AgentID: rec.AgentID, PrincipalID: rec.PrincipalID, Credential: cred}
	return id, nil
}

func (r *Resolver) begin(agentID string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.inflight[agentID]
	if !ok {
		p = &pending{}
		r.inflight[agentID] = p
	}
	p.lookups++
	return p.gen
}

// end caches id unless the agent was invalidated since begin. A zero id
// (failed lookup) is never cached.
func (r *Resolver) end(agentID string, start uint64, id Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.inflight[agentID]
	if id.AgentID != "" && p.gen == start {
		r.cache.Add(agentID, id)
	}
	p.lookups--
	if p.lookups == 0 {
		delete(r.inflight, agentID)
	}
}

// Invalidate drops agentID from the cache. A lookup already in flight still
// answers its waiters but cannot repopulate the cache.
func (r *Resolver) Invalidate(agentID string) {
	r.mu.Lock()
	if p, ok := r.inflight[agentID]; ok {
		p.gen++
	}
	r.cache.Remove(agentID)
	r.mu.Unlock()
	r.group.Forget(agentID)
	if r.metrics != nil {
		r.metrics.IncResolverInvalidation()
	}
}

// Len returns the number of cached identities.
func (r *Resolver) Len() int {
	return r.cache.Len()
}

func (r *Resolver) countCache(result string) {
	if r.metrics != nil {
		r.metrics.IncResolverCache(result)
	}
}

func (r *Resolver) countLookup(outcome string) {
	if r.metrics != nil {
		r.metrics.IncResolverLookup(outcome)
	}
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrSuspended):
		return "suspended"
	}
	return "error"
}
