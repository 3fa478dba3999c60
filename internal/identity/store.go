package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alecgard/tithe/internal/crypto"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for agent identities.
type Store struct {
	pool   *pgxpool.Pool
	cipher *crypto.Cipher
	bus    Invalidator
}

// NewStore creates a new identity store. Status changes and rotations are
// announced on bus after commit; bus may be nil.
func NewStore(pool *pgxpool.Pool, cipher *crypto.Cipher, bus Invalidator) *Store {
	return &Store{pool: pool, cipher: cipher, bus: bus}
}

const recordColumns = `agent_id, principal_id, credential_ref, status, created_at, updated_at`

func scanRecord(row pgx.Row) (*Record, error) {
	r := &Record{}
	err := row.Scan(&r.AgentID, &r.PrincipalID, &r.CredentialRef, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup retrieves an identity record by agent id.
func (s *Store) Lookup(ctx context.Context, agentID string) (*Record, error) {
	r, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM agent_identities WHERE agent_id = $1`,
		agentID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up agent identity: %w", err)
	}
	return r, nil
}

// Create provisions a new identity with a sealed credential.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Record, error) {
	if in.Status == "" {
		in.Status = StatusProvisioning
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	ref, err := s.cipher.Seal(in.AgentID, in.Credential)
	if err != nil {
		return nil, fmt.Errorf("sealing credential: %w", err)
	}

	r, err := scanRecord(s.pool.QueryRow(ctx,
		`INSERT INTO agent_identities (agent_id, principal_id, credential_ref, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (agent_id) DO NOTHING
		 RETURNING `+recordColumns,
		in.AgentID, in.PrincipalID, ref, in.Status,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyExists
	}
	if err != nil {
		return nil, fmt.Errorf("creating agent identity: %w", err)
	}
	return r, nil
}

// SetStatus moves an identity to a new status. Only the transitions allowed
// by CanTransition succeed; the principal is never touched.
func (s *Store) SetStatus(ctx context.Context, agentID string, to Status) (*Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var from Status
	err = tx.QueryRow(ctx,
		`SELECT status FROM agent_identities WHERE agent_id = $1 FOR UPDATE`,
		agentID,
	).Scan(&from)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking agent identity: %w", err)
	}
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}

	r, err := scanRecord(tx.QueryRow(ctx,
		`UPDATE agent_identities SET status = $2, updated_at = now()
		 WHERE agent_id = $1
		 RETURNING `+recordColumns,
		agentID, to,
	))
	if err != nil {
		return nil, fmt.Errorf("updating agent status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing status change: %w", err)
	}

	s.announce(ctx, agentID)
	return r, nil
}

// RotateCredential replaces the credential of an existing identity.
func (s *Store) RotateCredential(ctx context.Context, agentID, credential string) (*Record, error) {
	if credential == "" {
		return nil, fmt.Errorf("credential is required")
	}
	ref, err := s.cipher.Seal(agentID, credential)
	if err != nil {
		return nil, fmt.Errorf("sealing credential: %w", err)
	}

	r, err := scanRecord(s.pool.QueryRow(ctx,
		`UPDATE agent_identities SET credential_ref = $2, updated_at = now()
		 WHERE agent_id = $1 AND status <> 'revoked'
		 RETURNING `+recordColumns,
		agentID, ref,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("rotating credential: %w", err)
	}

	s.announce(ctx, agentID)
	return r, nil
}

// AgentForPrincipal returns the active agent owned by principalID.
func (s *Store) AgentForPrincipal(ctx context.Context, principalID string) (string, error) {
	var agentID string
	err := s.pool.QueryRow(ctx,
		`SELECT agent_id FROM agent_identities
		 WHERE principal_id = $1 AND status = 'active'
		 ORDER BY created_at
		 LIMIT 1`,
		principalID,
	).Scan(&agentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("finding agent for principal: %w", err)
	}
	return agentID, nil
}

// Open decrypts the credential of a record.
func (s *Store) Open(r *Record) (Credential, error) {
	plain, err := s.cipher.Open(r.AgentID, r.CredentialRef)
	if err != nil {
		return "", err
	}
	return Credential(plain), nil
}

func (s *Store) announce(ctx context.Context, agentID string) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, agentID); err != nil {
		// Entries still expire on their ttl.
		slog.Warn("publishing identity invalidation failed", "agent_id", agentID, "error", err)
	}
}
