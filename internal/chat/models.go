// Package chat runs one user turn against the principal's agent: the user
// message is stored, sent to the agent runtime, the reply is relayed as it
// streams and the assistant message is stored with its final status.
package chat

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/tithe/internal/metering"
)

var (
	ErrNoAgent      = errors.New("principal has no active agent")
	ErrEmptyMessage = errors.New("message content is required")
)

// TurnState is the lifecycle of a chat turn.
type TurnState string

const (
	TurnReceived   TurnState = "RECEIVED"
	TurnPersisted  TurnState = "PERSISTED"
	TurnDispatched TurnState = "DISPATCHED"
	TurnStreaming  TurnState = "STREAMING"
	TurnCompleted  TurnState = "COMPLETED"
	TurnErrored    TurnState = "ERRORED"
)

var turnTransitions = map[TurnState][]TurnState{
	TurnReceived:   {TurnPersisted, TurnErrored},
	TurnPersisted:  {TurnDispatched, TurnErrored},
	TurnDispatched: {TurnStreaming, TurnErrored},
	TurnStreaming:  {TurnCompleted, TurnErrored},
}

// Terminal reports whether no further transition is possible.
func (s TurnState) Terminal() bool {
	return s == TurnCompleted || s == TurnErrored
}

// CanTransition reports whether a turn may move from s to next.
func (s TurnState) CanTransition(next TurnState) bool {
	for _, allowed := range turnTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Turn tracks one message exchange.
type Turn struct {
	ID          string
	PrincipalID string
	AgentID     string
	State       TurnState
	StartedAt   time.Time
}

func (t *Turn) advance(next TurnState) error {
	if !t.State.CanTransition(next) {
		return fmt.Errorf("chat turn %s: invalid transition %s -> %s", t.ID, t.State, next)
	}
	t.State = next
	return nil
}

// Message roles and statuses.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	StatusComplete = "complete"
	StatusError    = "error"
)

// Message is a row of the messages table.
type Message struct {
	ID          string          `json:"id"`
	PrincipalID string          `json:"principal_id"`
	TurnID      string          `json:"turn_id"`
	Role        string          `json:"role"`
	Content     string          `json:"content"`
	TokensUsed  int64           `json:"tokens_used"`
	Cost        decimal.Decimal `json:"cost"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Result is what a finished turn reports back to the caller.
type Result struct {
	TurnID   string          `json:"turn_id"`
	State    TurnState       `json:"state"`
	Message  *Message        `json:"message"`
	Response string          `json:"agent_response"`
	Usage    *metering.Usage `json:"usage_stats,omitempty"`
	Error    string          `json:"error,omitempty"`
}
