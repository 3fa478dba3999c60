package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const recordTimeout = 10 * time.Second

// errSourceFailed wraps failures of the usage source, as opposed to the store.
var errSourceFailed = errors.New("usage source failed")

// RecordStore persists usage records idempotently.
type RecordStore interface {
	InsertRecord(ctx context.Context, r *Record) (InsertResult, error)
}

// BudgetRefresher is told when a principal's spend changed.
type BudgetRefresher interface {
	Refresh(ctx context.Context, principalID string)
}

// DeltaSink receives daily-total increments.
type DeltaSink interface {
	Add(d Delta)
}

// RecorderMetrics is an optional interface for recording usage results.
type RecorderMetrics interface {
	IncUsageRecord(result string)
}

// RecorderOptions tunes the Recorder's queue and retries.
type RecorderOptions struct {
	QueueSize     int
	Workers       int
	RetryInterval time.Duration
	MaxAttempts   int
}

type retryItem struct {
	outcome  Outcome
	attempts int
	due      time.Time
}

// Recorder turns finished proxy sessions into usage records. Submissions
// are processed by a worker pool; failures are retried out of band and are
// never reported back to the proxy.
type Recorder struct {
	store   RecordStore
	source  UsageSource
	opts    RecorderOptions
	queue   chan Outcome
	budget  BudgetRefresher
	deltas  DeltaSink
	metrics RecorderMetrics
	now     func() time.Time

	mu      sync.Mutex
	retries []retryItem
}

// NewRecorder creates a Recorder. Zero options get defaults.
func NewRecorder(store RecordStore, source UsageSource, opts RecorderOptions) *Recorder {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Recorder{
		store:  store,
		source: source,
		opts:   opts,
		queue:  make(chan Outcome, opts.QueueSize),
		now:    time.Now,
	}
}

// SetBudget sets the gate refreshed after each new record.
func (r *Recorder) SetBudget(b BudgetRefresher) { r.budget = b }

// SetAggregator sets the sink for daily totals.
func (r *Recorder) SetAggregator(d DeltaSink) { r.deltas = d }

// SetMetrics sets the optional metrics recorder.
func (r *Recorder) SetMetrics(m RecorderMetrics) { r.metrics = m }

// Submit hands an outcome to the worker pool. If the queue is full the
// outcome goes straight to the retry queue.
func (r *Recorder) Submit(o Outcome) {
	select {
	case r.queue <- o:
	default:
		slog.Warn("usage queue full, deferring record", "request_id", o.RequestID)
		r.postpone(o, 0)
	}
}

// Record resolves usage for o and inserts it. A request id that already
// holds a record yields (nil, nil), unless that record is replaceable: a
// retry that the gateway billed takes over from an attempt it did not.
func (r *Recorder) Record(ctx context.Context, o Outcome) (*Record, error) {
	if o.RequestID == "" {
		return nil, errors.New("outcome has no request id")
	}
	usage, err := r.source.Resolve(ctx, o)
	if err != nil {
		if errors.Is(err, ErrUsageNotReady) {
			r.observe("not_ready")
		} else {
			r.observe("error")
		}
		return nil, fmt.Errorf("%w: %w", errSourceFailed, err)
	}
	return r.persist(ctx, o, usage, r.source.Name())
}

func (r *Recorder) persist(ctx context.Context, o Outcome, usage Usage, source string) (*Record, error) {
	createdAt := o.FinishedAt
	if createdAt.IsZero() {
		createdAt = r.now()
	}
	rec := &Record{
		RequestID:    o.RequestID,
		PrincipalID:  o.PrincipalID,
		AgentID:      o.AgentID,
		SessionID:    o.SessionID,
		Model:        o.Model,
		Endpoint:     o.Endpoint,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		Cost:         usage.Cost,
		Source:       source,
		Outcome:      o.State,
		StatusCode:   o.StatusCode,
		CreatedAt:    createdAt.UTC(),
	}

	result, err := r.store.InsertRecord(ctx, rec)
	if err != nil {
		r.observe("error")
		return nil, err
	}
	if result == InsertDuplicate {
		r.observe("duplicate")
		slog.Debug("usage already recorded", "request_id", o.RequestID)
		return nil, nil
	}
	r.observe("recorded")

	// The replaced attempt was already counted as a request, and it
	// carried no tokens or cost.
	requests := int64(1)
	if result == InsertReplaced {
		requests = 0
		slog.Info("usage record replaced an unbilled attempt", "request_id", o.RequestID, "outcome", rec.Outcome)
	}
	if r.deltas != nil {
		r.deltas.Add(Delta{
			PrincipalID: rec.PrincipalID,
			Day:         DayOf(rec.CreatedAt),
			Requests:    requests,
			Tokens:      rec.TotalTokens,
			Cost:        rec.Cost,
		})
	}
	if r.budget != nil {
		r.budget.Refresh(ctx, rec.PrincipalID)
	}
	return rec, nil
}

// Run starts the workers and the retry loop. It blocks until ctx is
// cancelled, then records whatever is still queued before returning.
func (r *Recorder) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work(ctx)
		}()
	}

	ticker := time.NewTicker(r.opts.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.retryDue(ctx, false)
		case <-ctx.Done():
			wg.Wait()
			r.drain(ctx)
			return nil
		}
	}
}

// Pending returns the number of outcomes waiting for a retry.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.retries)
}

func (r *Recorder) work(ctx context.Context) {
	for {
		select {
		case o := <-r.queue:
			r.process(ctx, o, 0)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Recorder) drain(ctx context.Context) {
	for {
		select {
		case o := <-r.queue:
			r.process(ctx, o, 0)
		default:
			r.retryDue(ctx, true)
			if n := r.Pending(); n > 0 {
				slog.Error("usage records lost at shutdown", "count", n)
			}
			return
		}
	}
}

func (r *Recorder) process(ctx context.Context, o Outcome, attempts int) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if _, err := r.Record(rctx, o); err != nil {
		attempts++
		if attempts >= r.opts.MaxAttempts {
			// The source never answered: keep the request id and the
			// request count with zero usage, replaceable by a later attempt.
			if errors.Is(err, errSourceFailed) {
				_, perr := r.persist(rctx, o, Usage{}, SourceUnresolved)
				if perr == nil {
					slog.Warn("usage unresolved, recorded without usage", "request_id", o.RequestID, "attempts", attempts, "error", err)
					r.observe("unresolved")
					return
				}
				err = perr
			}
			slog.Error("dropping usage record", "request_id", o.RequestID, "attempts", attempts, "error", err)
			r.observe("dropped")
			return
		}
		slog.Warn("usage record failed, will retry", "request_id", o.RequestID, "attempts", attempts, "error", err)
		r.postpone(o, attempts)
	}
}

func (r *Recorder) postpone(o Outcome, attempts int) {
	r.mu.Lock()
	r.retries = append(r.retries, retryItem{outcome: o, attempts: attempts, due: r.now().Add(r.opts.RetryInterval)})
	r.mu.Unlock()
}

// retryDue reprocesses due retries, or all of them when force is set.
func (r *Recorder) retryDue(ctx context.Context, force bool) {
	now := r.now()
	r.mu.Lock()
	var due []retryItem
	kept := r.retries[:0]
	for _, it := range r.retries {
		if force || !it.due.After(now) {
			due = append(due, it)
		} else {
			kept = append(kept, it)
		}
	}
	r.retries = kept
	r.mu.Unlock()

	for _, it := range due {
		r.process(ctx, it.outcome, it.attempts)
	}
}

func (r *Recorder) observe(result string) {
	if r.metrics != nil {
		r.metrics.IncUsageRecord(result)
	}
}
