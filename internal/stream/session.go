// Package stream relays server-sent-event responses from the billing gateway
// to the agent runtime and tracks the sessions doing so.
package stream

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a proxied session.
type State string

const (
	StateCreated    State = "CREATED"
	StateForwarding State = "FORWARDING"
	StateCompleted  State = "COMPLETED"
	StateErrored    State = "ERRORED"
	StateCancelled  State = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateErrored || s == StateCancelled
}

var ErrInvalidTransition = errors.New("invalid session transition")

func allowed(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateForwarding || to == StateErrored || to == StateCancelled
	case StateForwarding:
		return to.Terminal()
	}
	return false
}

// Session is one proxied exchange with the gateway.
type Session struct {
	ID        string
	AgentID   string
	RequestID string
	StartedAt time.Time

	mu         sync.Mutex
	state      State
	bytes      int64
	onTerminal func(*Session)
}

// NewSession creates a session in the CREATED state.
func NewSession(agentID, requestID string) *Session {
	return &Session{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		RequestID: requestID,
		StartedAt: time.Now(),
		state:     StateCreated,
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bytes returns the number of upstream bytes forwarded downstream.
func (s *Session) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytes
}

// Transition moves the session to a new state. Terminal states are final.
func (s *Session) Transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !allowed(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	hook := s.onTerminal
	s.mu.Unlock()

	if to.Terminal() && hook != nil {
		hook(s)
	}
	return nil
}

func (s *Session) addBytes(n int) {
	s.mu.Lock()
	s.bytes += int64(n)
	s.mu.Unlock()
}

// TrackerMetrics is an optional interface for recording session metrics.
type TrackerMetrics interface {
	SetActiveSessions(n int)
	IncSessionOutcome(state string)
}

// Tracker holds the sessions that have not reached a terminal state.
type Tracker struct {
	mu      sync.Mutex
	live    map[string]*Session
	metrics TrackerMetrics
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{live: make(map[string]*Session)}
}

// SetMetrics sets the optional metrics recorder.
func (t *Tracker) SetMetrics(m TrackerMetrics) {
	t.metrics = m
}

// Start creates a session and tracks it until it turns terminal.
func (t *Tracker) Start(agentID, requestID string) *Session {
	s := NewSession(agentID, requestID)
	s.onTerminal = t.finish

	t.mu.Lock()
	t.live[s.ID] = s
	n := len(t.live)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SetActiveSessions(n)
	}
	return s
}

// Active returns the number of live sessions.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

func (t *Tracker) finish(s *Session) {
	t.mu.Lock()
	delete(t.live, s.ID)
	n := len(t.live)
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.SetActiveSessions(n)
		t.metrics.IncSessionOutcome(string(s.State()))
	}
}
