// Package budget keeps a per-principal spend snapshot so over-budget calls
// are rejected before they reach the billing gateway.
package budget

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrExceeded is returned when a principal has no budget left in the current period.
var ErrExceeded = errors.New("budget exceeded")

// Period is the window a budget limit applies to.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod validates a period name.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case PeriodDaily, PeriodMonthly:
		return p, nil
	}
	return "", fmt.Errorf("invalid budget period %q", s)
}

// Bounds returns the UTC start (inclusive) and end (exclusive) of the period containing t.
func (p Period) Bounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	if p == PeriodMonthly {
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// Snapshot is a principal's spend against its limit for one period.
type Snapshot struct {
	PrincipalID string          `json:"principal_id"`
	Unlimited   bool            `json:"unlimited"`
	Limit       decimal.Decimal `json:"limit"`
	Period      Period          `json:"period"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	Consumed    decimal.Decimal `json:"consumed"`
}

// Remaining returns limit minus consumed. Meaningless when Unlimited.
func (s *Snapshot) Remaining() decimal.Decimal {
	return s.Limit.Sub(s.Consumed)
}

// Exhausted reports whether no budget is left.
func (s *Snapshot) Exhausted() bool {
	return !s.Unlimited && !s.Remaining().IsPositive()
}

// Budget is a row of principal_budgets.
type Budget struct {
	PrincipalID string          `json:"principal_id"`
	Limit       decimal.Decimal `json:"limit"`
	Period      Period          `json:"period"`
}
