package metering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store provides database operations for usage records and daily totals.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InsertRecord writes r. When the request id is taken, r only overwrites a
// row that Record.Replaceable would accept; otherwise the call is a no-op.
func (s *Store) InsertRecord(ctx context.Context, r *Record) (InsertResult, error) {
	var created bool
	err := s.pool.QueryRow(ctx,
		`INSERT INTO usage_records
			(request_id, principal_id, agent_id, session_id, model, endpoint,
			 input_tokens, output_tokens, total_tokens, cost, source, outcome, status_code, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13, $14)
		 ON CONFLICT (request_id) DO UPDATE SET
			principal_id = EXCLUDED.principal_id,
			agent_id = EXCLUDED.agent_id,
			session_id = EXCLUDED.session_id,
			model = EXCLUDED.model,
			endpoint = EXCLUDED.endpoint,
			input_tokens = EXCLUDED.input_tokens,
			output_tokens = EXCLUDED.output_tokens,
			total_tokens = EXCLUDED.total_tokens,
			cost = EXCLUDED.cost,
			source = EXCLUDED.source,
			outcome = EXCLUDED.outcome,
			status_code = EXCLUDED.status_code,
			created_at = EXCLUDED.created_at
		 WHERE usage_records.source = $15
			OR usage_records.outcome = $16
			OR (usage_records.outcome = $17 AND usage_records.total_tokens = 0 AND usage_records.cost = 0)
		 RETURNING (xmax = 0)`,
		r.RequestID, r.PrincipalID, r.AgentID, r.SessionID, r.Model, r.Endpoint,
		r.InputTokens, r.OutputTokens, r.TotalTokens, r.Cost.String(), r.Source, r.Outcome,
		r.StatusCode, r.CreatedAt,
		SourceUnresolved, OutcomeFailed, OutcomeUpstreamError,
	).Scan(&created)
	if errors.Is(err, pgx.ErrNoRows) {
		return InsertDuplicate, nil
	}
	if err != nil {
		return InsertDuplicate, fmt.Errorf("inserting usage record: %w", err)
	}
	if created {
		return InsertCreated, nil
	}
	return InsertReplaced, nil
}

// GetRecord returns the usage record for a request id.
func (s *Store) GetRecord(ctx context.Context, requestID string) (*Record, error) {
	var (
		r        Record
		costText string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT request_id, principal_id, agent_id, session_id, model, endpoint,
			input_tokens, output_tokens, total_tokens, cost::text, source, outcome, status_code, created_at
		 FROM usage_records WHERE request_id = $1`,
		requestID,
	).Scan(
		&r.RequestID, &r.PrincipalID, &r.AgentID, &r.SessionID, &r.Model, &r.Endpoint,
		&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &costText, &r.Source, &r.Outcome,
		&r.StatusCode, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting usage record: %w", err)
	}
	if r.Cost, err = decimal.NewFromString(costText); err != nil {
		return nil, fmt.Errorf("parsing usage cost: %w", err)
	}
	return &r, nil
}

// UpsertDaily adds deltas to usage_daily in a single multi-row statement.
// Deltas must be unique per (principal, day).
func (s *Store) UpsertDaily(ctx context.Context, deltas []Delta) error {
	if len(deltas) == 0 {
		return nil
	}

	const cols = 6
	args := make([]any, 0, len(deltas)*cols)
	rows := make([]string, 0, len(deltas))
	for i, d := range deltas {
		base := i * cols
		rows = append(rows, fmt.Sprintf("($%d, $%d::date, $%d, $%d, $%d, $%d::numeric)",
			base+1, base+2, base+3, base+4, base+5, base+6))
		args = append(args, d.PrincipalID, DayOf(d.Day), d.Messages, d.Requests, d.Tokens, d.Cost.String())
	}

	query := `INSERT INTO usage_daily
		(principal_id, day, total_messages, total_requests, total_tokens, total_cost)
		VALUES ` + strings.Join(rows, ", ") + `
		ON CONFLICT (principal_id, day) DO UPDATE SET
			total_messages = usage_daily.total_messages + EXCLUDED.total_messages,
			total_requests = usage_daily.total_requests + EXCLUDED.total_requests,
			total_tokens = usage_daily.total_tokens + EXCLUDED.total_tokens,
			total_cost = usage_daily.total_cost + EXCLUDED.total_cost`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting daily totals: %w", err)
	}
	return nil
}

// ListDaily returns a principal's daily totals between from and to inclusive,
// newest first.
func (s *Store) ListDaily(ctx context.Context, principalID string, from, to time.Time) ([]DailyTotals, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT principal_id, day, total_messages, total_requests, total_tokens, total_cost::text
		 FROM usage_daily
		 WHERE principal_id = $1 AND day >= $2::date AND day <= $3::date
		 ORDER BY day DESC`,
		principalID, DayOf(from), DayOf(to),
	)
	if err != nil {
		return nil, fmt.Errorf("listing daily totals: %w", err)
	}
	defer rows.Close()

	var out []DailyTotals
	for rows.Next() {
		var (
			d        DailyTotals
			costText string
		)
		if err := rows.Scan(&d.PrincipalID, &d.Day, &d.TotalMessages, &d.TotalRequests, &d.TotalTokens, &costText); err != nil {
			return nil, fmt.Errorf("scanning daily totals: %w", err)
		}
		if d.TotalCost, err = decimal.NewFromString(costText); err != nil {
			return nil, fmt.Errorf("parsing daily cost: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating daily totals: %w", err)
	}
	return out, nil
}
