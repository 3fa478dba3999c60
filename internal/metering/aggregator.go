package metering

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DailyUpserter persists merged daily deltas. It exists to allow testing
// without a real database.
type DailyUpserter interface {
	UpsertDaily(ctx context.Context, deltas []Delta) error
}

// AggregatorMetrics is an optional interface for recording flush results.
type AggregatorMetrics interface {
	IncAggregateFlush(result string)
}

type dayKey struct {
	principalID string
	day         time.Time
}

// Aggregator buffers daily-total deltas in memory, merged per principal and
// day, and periodically flushes them to the store. It is safe for concurrent use.
type Aggregator struct {
	store         DailyUpserter
	pending       map[dayKey]*Delta
	mu            sync.Mutex
	flushMu       sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopOnce      sync.Once
	metrics       AggregatorMetrics
}

// NewAggregator creates an Aggregator that flushes when batchSize distinct
// (principal, day) keys are pending or every flushInterval, whichever comes first.
func NewAggregator(store DailyUpserter, batchSize int, flushInterval time.Duration) *Aggregator {
	return &Aggregator{
		store:         store,
		pending:       make(map[dayKey]*Delta),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (a *Aggregator) SetMetrics(m AggregatorMetrics) {
	a.metrics = m
}

// Start flushes on a timer until Stop is called or ctx is cancelled, then
// performs a final flush.
func (a *Aggregator) Start(ctx context.Context) {
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-ctx.Done():
			a.flush()
			return
		case <-a.done:
			a.flush()
			return
		}
	}
}

// Add merges d into the pending totals.
func (a *Aggregator) Add(d Delta) {
	if d.PrincipalID == "" {
		return
	}
	if d.Day.IsZero() {
		d.Day = DayOf(time.Now())
	}
	a.mu.Lock()
	a.mergeLocked(d)
	shouldFlush := len(a.pending) >= a.batchSize
	a.mu.Unlock()

	if shouldFlush {
		a.flush()
	}
}

func (a *Aggregator) mergeLocked(d Delta) {
	k := dayKey{principalID: d.PrincipalID, day: DayOf(d.Day)}
	cur, ok := a.pending[k]
	if !ok {
		d.Day = k.day
		a.pending[k] = &d
		return
	}
	cur.Messages += d.Messages
	cur.Requests += d.Requests
	cur.Tokens += d.Tokens
	cur.Cost = cur.Cost.Add(d.Cost)
}

// Pending returns the number of (principal, day) keys awaiting a flush.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// flush writes all pending deltas. A failed batch is merged back so the next
// flush retries it together with anything added since.
func (a *Aggregator) flush() {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	batch := make([]Delta, 0, len(a.pending))
	for _, d := range a.pending {
		batch = append(batch, *d)
	}
	a.pending = make(map[dayKey]*Delta, a.batchSize)
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.store.UpsertDaily(ctx, batch); err != nil {
		slog.Error("failed to flush daily usage totals", "count", len(batch), "error", err)
		a.mu.Lock()
		for _, d := range batch {
			a.mergeLocked(d)
		}
		a.mu.Unlock()
		a.observe("error")
		return
	}
	a.observe("ok")
}

func (a *Aggregator) observe(result string) {
	if a.metrics != nil {
		a.metrics.IncAggregateFlush(result)
	}
}

// Stop signals the background goroutine to exit after a final flush.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.done) })
}
