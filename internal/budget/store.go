package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store provides database operations for principal budgets.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new budget store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Set upserts the budget for a principal.
func (s *Store) Set(ctx context.Context, b Budget) error {
	if b.Limit.IsNegative() {
		return fmt.Errorf("budget limit must not be negative")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO principal_budgets (principal_id, limit_amount, period)
		 VALUES ($1, $2::numeric, $3)
		 ON CONFLICT (principal_id)
		 DO UPDATE SET limit_amount = EXCLUDED.limit_amount, period = EXCLUDED.period, updated_at = now()`,
		b.PrincipalID, b.Limit.String(), b.Period,
	)
	if err != nil {
		return fmt.Errorf("upserting budget: %w", err)
	}
	return nil
}

// Delete removes a principal's budget, making it unlimited.
func (s *Store) Delete(ctx context.Context, principalID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM principal_budgets WHERE principal_id = $1`, principalID); err != nil {
		return fmt.Errorf("deleting budget: %w", err)
	}
	return nil
}

// Snapshot sums the principal's recorded cost in the period containing now.
// A principal without a budget row is unlimited.
func (s *Store) Snapshot(ctx context.Context, principalID string, now time.Time) (*Snapshot, error) {
	var limitText, periodText string
	err := s.pool.QueryRow(ctx,
		`SELECT limit_amount::text, period FROM principal_budgets WHERE principal_id = $1`,
		principalID,
	).Scan(&limitText, &periodText)
	if errors.Is(err, pgx.ErrNoRows) {
		start, end := PeriodDaily.Bounds(now)
		return &Snapshot{PrincipalID: principalID, Unlimited: true, Period: PeriodDaily, PeriodStart: start, PeriodEnd: end}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting budget: %w", err)
	}

	period, err := ParsePeriod(periodText)
	if err != nil {
		return nil, err
	}
	limit, err := decimal.NewFromString(limitText)
	if err != nil {
		return nil, fmt.Errorf("parsing budget limit: %w", err)
	}

	start, end := period.Bounds(now)
	var consumedText string
	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0)::text
		 FROM usage_records
		 WHERE principal_id = $1 AND created_at >= $2 AND created_at < $3`,
		principalID, start, end,
	).Scan(&consumedText)
	if err != nil {
		return nil, fmt.Errorf("summing period spend: %w", err)
	}
	consumed, err := decimal.NewFromString(consumedText)
	if err != nil {
		return nil, fmt.Errorf("parsing period spend: %w", err)
	}

	return &Snapshot{
		PrincipalID: principalID,
		Limit:       limit,
		Period:      period,
		PeriodStart: start,
		PeriodEnd:   end,
		Consumed:    consumed,
	}, nil
}
