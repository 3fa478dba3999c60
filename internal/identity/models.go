// Package identity maps agent ids to the principal that owns them and the
// private gateway credential their model calls are billed under.
package identity

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var (
	ErrNotFound      = errors.New("agent not found")
	ErrSuspended     = errors.New("agent is not active")
	ErrAlreadyExists = errors.New("agent already exists")
	ErrBadTransition = errors.New("invalid status transition")
)

// Status is the lifecycle state of an agent identity.
type Status string

const (
	StatusProvisioning Status = "provisioning"
	StatusActive       Status = "active"
	StatusSuspended    Status = "suspended"
	StatusRevoked      Status = "revoked"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusProvisioning, StatusActive, StatusSuspended, StatusRevoked:
		return true
	}
	return false
}

// CanTransition reports whether an identity may move from one status to another.
// Revoked is final.
func CanTransition(from, to Status) bool {
	if !to.Valid() || from == to {
		return false
	}
	switch from {
	case StatusProvisioning:
		return to == StatusActive || to == StatusRevoked
	case StatusActive:
		return to == StatusSuspended || to == StatusRevoked
	case StatusSuspended:
		return to == StatusActive || to == StatusRevoked
	}
	return false
}

const redacted = "[REDACTED]"

// Credential is a principal's private gateway key. It prints as [REDACTED]
// under fmt and slog; Reveal is the only way to read it.
type Credential string

func (Credential) String() string { return redacted }

func (Credential) GoString() string { return redacted }

func (Credential) LogValue() slog.Value { return slog.StringValue(redacted) }

func (Credential) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Reveal returns the raw credential for the outbound Authorization header.
func (c Credential) Reveal() string { return string(c) }

// Record is a row of agent_identities.
type Record struct {
	AgentID       string    `json:"agent_id"`
	PrincipalID   string    `json:"principal_id"`
	CredentialRef string    `json:"-"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Identity is a resolved, active agent.
type Identity struct {
	AgentID     string
	PrincipalID string
	Credential  Credential
}

// CreateInput holds the fields required to provision an agent identity.
type CreateInput struct {
	AgentID     string
	PrincipalID string
	Credential  string
	Status      Status
}

func (in CreateInput) validate() error {
	if in.AgentID == "" || in.PrincipalID == "" || in.Credential == "" {
		return fmt.Errorf("agent_id, principal_id and credential are required")
	}
	if !in.Status.Valid() {
		return fmt.Errorf("invalid status %q", in.Status)
	}
	return nil
}
