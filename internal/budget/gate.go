package budget

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SnapshotSource loads a fresh snapshot for a principal.
type SnapshotSource interface {
	Snapshot(ctx context.Context, principalID string, now time.Time) (*Snapshot, error)
}

// GateMetrics is an optional interface for recording gate metrics.
type GateMetrics interface {
	IncBudgetRejection(reason string)
}

// Gate answers budget checks from per-principal snapshots held in memory.
// The billing gateway stays the authoritative enforcer; a stale snapshot can
// only let a call through that the gateway will then refuse.
type Gate struct {
	source  SnapshotSource
	refresh time.Duration
	now     func() time.Time
	metrics GateMetrics

	mu    sync.RWMutex
	slots map[string]*slot
}

// slot serialises loads for one principal without blocking others.
type slot struct {
	mu   sync.Mutex
	snap *Snapshot
}

// NewGate creates a Gate whose snapshots are refreshed every refresh interval by Run.
func NewGate(source SnapshotSource, refresh time.Duration) *Gate {
	return &Gate{
		source:  source,
		refresh: refresh,
		now:     time.Now,
		slots:   make(map[string]*slot),
	}
}

// SetMetrics sets the optional metrics recorder.
func (g *Gate) SetMetrics(m GateMetrics) {
	g.metrics = m
}

// Check returns ErrExceeded if principalID has no budget remaining.
func (g *Gate) Check(ctx context.Context, principalID string) error {
	s := g.slot(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := g.now()
	if s.snap == nil || !now.Before(s.snap.PeriodEnd) {
		// With no snapshot for the current period, a failed load admits the
		// call; a previous period's spend never carries over.
		if err := g.load(ctx, s, principalID, now); err != nil {
			slog.Warn("budget snapshot unavailable, allowing request",
				"principal_id", principalID, "error", err)
			return nil
		}
	}

	if s.snap.Exhausted() {
		if g.metrics != nil {
			g.metrics.IncBudgetRejection("principal")
		}
		return ErrExceeded
	}
	return nil
}

// Refresh reloads the snapshot of a principal the gate has already seen.
func (g *Gate) Refresh(ctx context.Context, principalID string) {
	g.mu.RLock()
	s, ok := g.slots[principalID]
	g.mu.RUnlock()
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := g.load(ctx, s, principalID, g.now()); err != nil {
		slog.Warn("refreshing budget snapshot failed", "principal_id", principalID, "error", err)
	}
}

// Snapshot returns a copy of the cached snapshot, if any.
func (g *Gate) Snapshot(principalID string) (Snapshot, bool) {
	g.mu.RLock()
	s, ok := g.slots[principalID]
	g.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return Snapshot{}, false
	}
	return *s.snap, true
}

// Run refreshes every known snapshot until ctx is done.
func (g *Gate) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			g.mu.RLock()
			ids := make([]string, 0, len(g.slots))
			for id := range g.slots {
				ids = append(ids, id)
			}
			g.mu.RUnlock()

			for _, id := range ids {
				g.Refresh(ctx, id)
			}
		}
	}
}

func (g *Gate) slot(principalID string) *slot {
	g.mu.RLock()
	s, ok := g.slots[principalID]
	g.mu.RUnlock()
	if ok {
		return s
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.slots[principalID]; ok {
		return s
	}
	s = &slot{}
	g.slots[principalID] = s
	return s
}

// load must be called with s.mu held.
func (g *Gate) load(ctx context.Context, s *slot, principalID string, now time.Time) error {
	fresh, err := g.source.Snapshot(ctx, principalID, now)
	if err != nil {
		return err
	}
	// Within one period the consumed figure only moves up, even if a read
	// races a slower write.
	if old := s.snap; old != nil && old.PeriodStart.Equal(fresh.PeriodStart) && old.Consumed.GreaterThan(fresh.Consumed) {
		fresh.Consumed = old.Consumed
	}
	s.snap = fresh
	return nil
}
