package budget

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSnapshots struct {
	mu       sync.Mutex
	budgets  map[string]Budget
	consumed map[string]decimal.Decimal
	err      error
	loads    int
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{budgets: map[string]Budget{}, consumed: map[string]decimal.Decimal{}}
}

func (f *fakeSnapshots) Snapshot(_ context.Context, principalID string, now time.Time) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	b, ok := f.budgets[principalID]
	if !ok {
		start, end := PeriodDaily.Bounds(now)
		return &Snapshot{PrincipalID: principalID, Unlimited: true, PeriodStart: start, PeriodEnd: end}, nil
	}
	start, end := b.Period.Bounds(now)
	return &Snapshot{
		PrincipalID: principalID,
		Limit:       b.Limit,
		Period:      b.Period,
		PeriodStart: start,
		PeriodEnd:   end,
		Consumed:    f.consumed[principalID],
	}, nil
}

func (f *fakeSnapshots) set(principalID, limit, consumed string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budgets[principalID] = Budget{PrincipalID: principalID, Limit: decimal.RequireFromString(limit), Period: PeriodDaily}
	f.consumed[principalID] = decimal.RequireFromString(consumed)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type rejectionCounter struct{ n int }

func (r *rejectionCounter) IncBudgetRejection(string) { r.n++ }

func TestPeriodBounds(t *testing.T) {
	at := time.Date(2026, 3, 15, 17, 45, 0, 0, time.UTC)

	start, end := PeriodDaily.Bounds(at)
	assert.Equal(t, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), end)

	start, end = PeriodMonthly.Bounds(at)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), end)

	_, err := ParsePeriod("weekly")
	assert.Error(t, err)
}

func TestCheckUnlimitedWithoutBudget(t *testing.T) {
	g := NewGate(newFakeSnapshots(), time.Minute)
	assert.NoError(t, g.Check(context.Background(), "u1"))
}

func TestCheckZeroRemainingRejects(t *testing.T) {
	src := newFakeSnapshots()
	src.set("u1", "5.00", "5.00")
	m := &rejectionCounter{}
	g := NewGate(src, time.Minute)
	g.SetMetrics(m)

	err := g.Check(context.Background(), "u1")
	assert.ErrorIs(t, err, ErrExceeded)
	assert.Equal(t, 1, m.n)

	src.set("u2", "0", "0")
	assert.ErrorIs(t, g.Check(context.Background(), "u2"), ErrExceeded)
}

func TestCheckServesFromSnapshot(t *testing.T) {
	src := newFakeSnapshots()
	src.set("u1", "10", "2.5")
	g := NewGate(src, time.Minute)

	for i := 0; i < 10; i++ {
		require.NoError(t, g.Check(context.Background(), "u1"))
	}
	assert.Equal(t, 1, src.loads)

	snap, ok := g.Snapshot("u1")
	require.True(t, ok)
	assert.True(t, snap.Remaining().Equal(decimal.RequireFromString("7.5")))
}

func TestRefreshPicksUpSpend(t *testing.T) {
	src := newFakeSnapshots()
	src.set("u1", "1", "0.2")
	g := NewGate(src, time.Minute)
	require.NoError(t, g.Check(context.Background(), "u1"))

	src.set("u1", "1", "1.0")
	g.Refresh(context.Background(), "u1")
	assert.ErrorIs(t, g.Check(context.Background(), "u1"), ErrExceeded)
}

func TestRefreshIgnoresUnknownPrincipal(t *testing.T) {
	src := newFakeSnapshots()
	g := NewGate(src, time.Minute)
	g.Refresh(context.Background(), "nobody")
	assert.Equal(t, 0, src.loads)
}

func TestConsumedIsMonotonicWithinPeriod(t *testing.T) {
	src := newFakeSnapshots()
	src.set("u1", "10", "4")
	g := NewGate(src, time.Minute)
	require.NoError(t, g.Check(context.Background(), "u1"))

	// A lagging read must not lower the figure.
	src.set("u1", "10", "3")
	g.Refresh(context.Background(), "u1")
	snap, _ := g.Snapshot("u1")
	assert.True(t, snap.Consumed.Equal(decimal.NewFromInt(4)), "got %s", snap.Consumed)
}

func TestPeriodRolloverResets(t *testing.T) {
	src := newFakeSnapshots()
	src.set("u1", "1", "1")
	clock := &fakeClock{now: time.Date(2026, 3, 15, 23, 59, 0, 0, time.UTC)}
	g := NewGate(src, time.Minute)
	g.now = clock.Now

	require.ErrorIs(t, g.Check(context.Background(), "u1"), ErrExceeded)

	src.set("u1", "1", "0")
	clock.Advance(2 * time.Minute)
	assert.NoError(t, g.Check(context.Background(), "u1"))
	assert.Equal(t, 2, src.loads)
}

func TestRolloverWithStoreDownFailsOpen(t *testing.T) {
	src := newFakeSnapshots()
	src.set("u1", "1", "1")
	clock := &fakeClock{now: time.Date(2026, 3, 15, 23, 59, 0, 0, time.UTC)}
	g := NewGate(src, time.Minute)
	g.now = clock.Now

	require.ErrorIs(t, g.Check(context.Background(), "u1"), ErrExceeded)

	src.mu.Lock()
	src.err = errors.New("db down")
	src.mu.Unlock()
	clock.Advance(2 * time.Minute)
	assert.NoError(t, g.Check(context.Background(), "u1"), "last period's spend must not block the new one")

	// Once the store is back, the new period's snapshot is loaded.
	src.mu.Lock()
	src.err = nil
	src.mu.Unlock()
	src.set("u1", "1", "0")
	assert.NoError(t, g.Check(context.Background(), "u1"))
	snap, ok := g.Snapshot("u1")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC), snap.PeriodStart)
}

func TestFirstLoadFailureFailsOpen(t *testing.T) {
	src := newFakeSnapshots()
	src.err = errors.New("db down")
	g := NewGate(src, time.Minute)

	assert.NoError(t, g.Check(context.Background(), "u1"))
}

func TestLoadFailureKeepsLastSnapshot(t *testing.T) {
	src := newFakeSnapshots()
	src.set("u1", "1", "1")
	g := NewGate(src, time.Minute)
	require.ErrorIs(t, g.Check(context.Background(), "u1"), ErrExceeded)

	src.err = errors.New("db down")
	g.Refresh(context.Background(), "u1")
	assert.ErrorIs(t, g.Check(context.Background(), "u1"), ErrExceeded)
}

func TestRunRefreshesKnownPrincipals(t *testing.T) {
	src := newFakeSnapshots()
	src.set("u1", "1", "0")
	g := NewGate(src, 10*time.Millisecond)
	require.NoError(t, g.Check(context.Background(), "u1"))

	src.set("u1", "1", "2")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = g.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return errors.Is(g.Check(context.Background(), "u1"), ErrExceeded)
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestConcurrentChecksDoNotRace(t *testing.T) {
	src := newFakeSnapshots()
	src.set("u1", "100", "1")
	g := NewGate(src, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = g.Check(context.Background(), "u1")
		}()
		go func() {
			defer wg.Done()
			g.Refresh(context.Background(), "u1")
		}()
	}
	wg.Wait()
	assert.NoError(t, g.Check(context.Background(), "u1"))
}
