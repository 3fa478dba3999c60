package chat

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists chat messages.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// SaveMessage inserts m and fills in its generated id and timestamp.
func (s *Store) SaveMessage(ctx context.Context, m *Message) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO messages (principal_id, turn_id, role, content, tokens_used, cost, status, error)
		 VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8)
		 RETURNING id::text, created_at`,
		m.PrincipalID, m.TurnID, m.Role, m.Content, m.TokensUsed, m.Cost.String(), m.Status, m.Error,
	).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving %s message: %w", m.Role, err)
	}
	return nil
}
