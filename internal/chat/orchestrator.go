package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alecgard/tithe/internal/agentrt"
	"github.com/alecgard/tithe/internal/identity"
	"github.com/alecgard/tithe/internal/metering"
)

// AgentLookup finds the agent a principal talks to.
type AgentLookup interface {
	AgentForPrincipal(ctx context.Context, principalID string) (string, error)
}

// MessageStore persists chat messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *Message) error
}

// Runtime sends one message to an agent and streams the reply.
type Runtime interface {
	SendMessage(ctx context.Context, agentID, content string) (*agentrt.Stream, error)
}

// DeltaSink receives daily message counts.
type DeltaSink interface {
	Add(d metering.Delta)
}

// MetricsRecorder counts finished turns by final state.
type MetricsRecorder interface {
	IncChatTurn(state string)
}

// EmitFunc relays one event to the client. An error ends the turn.
type EmitFunc func(agentrt.Event) error

const persistTimeout = 10 * time.Second

// Orchestrator drives chat turns.
type Orchestrator struct {
	agents   AgentLookup
	messages MessageStore
	runtime  Runtime
	daily    DeltaSink
	metrics  MetricsRecorder
	now      func() time.Time
}

// NewOrchestrator creates an Orchestrator. daily may be nil.
func NewOrchestrator(agents AgentLookup, messages MessageStore, runtime Runtime, daily DeltaSink) *Orchestrator {
	return &Orchestrator{
		agents:   agents,
		messages: messages,
		runtime:  runtime,
		daily:    daily,
		now:      time.Now,
	}
}

// SetMetrics sets an optional metrics recorder.
func (o *Orchestrator) SetMetrics(m MetricsRecorder) {
	o.metrics = m
}

// Run executes one turn for principalID. Validation, agent lookup and storing
// the user message fail with an error before anything is sent to the agent.
// Once the message is dispatched the turn always yields a Result; an ERRORED
// result carries whatever content streamed before the failure.
func (o *Orchestrator) Run(ctx context.Context, principalID, content string, emit EmitFunc) (*Result, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	agentID, err := o.agents.AgentForPrincipal(ctx, principalID)
	if errors.Is(err, identity.ErrNotFound) {
		return nil, ErrNoAgent
	}
	if err != nil {
		return nil, fmt.Errorf("finding agent: %w", err)
	}

	turn := &Turn{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		AgentID:     agentID,
		State:       TurnReceived,
		StartedAt:   o.now(),
	}

	userMsg := &Message{
		PrincipalID: principalID,
		TurnID:      turn.ID,
		Role:        RoleUser,
		Content:     content,
		Status:      StatusComplete,
	}
	if err := o.messages.SaveMessage(ctx, userMsg); err != nil {
		o.countTurn(TurnErrored)
		return nil, err
	}
	_ = turn.advance(TurnPersisted)

	stream, err := o.runtime.SendMessage(ctx, agentID, content)
	if err != nil {
		return o.finish(ctx, turn, "", nil, fmt.Errorf("dispatching to agent runtime: %w", err)), nil
	}
	defer stream.Close()
	_ = turn.advance(TurnDispatched)
	_ = turn.advance(TurnStreaming)

	var (
		reply strings.Builder
		usage *metering.Usage
	)
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("client went away: %w", err)
			}
			return o.finish(ctx, turn, reply.String(), usage, err), nil
		}

		switch ev.Type {
		case agentrt.EventDelta:
			reply.WriteString(ev.Content)
		case agentrt.EventUsage:
			usage = ev.Usage
		}

		if emitErr := emit(ev); emitErr != nil {
			return o.finish(ctx, turn, reply.String(), usage, fmt.Errorf("relaying to client: %w", emitErr)), nil
		}

		switch ev.Type {
		case agentrt.EventEnd:
			return o.finish(ctx, turn, reply.String(), usage, nil), nil
		case agentrt.EventError:
			return o.finish(ctx, turn, reply.String(), usage, errors.New(ev.Error)), nil
		}
	}
}

// finish stores the assistant message and moves the turn to its terminal state.
// turnErr nil means the agent finished its reply.
func (o *Orchestrator) finish(ctx context.Context, turn *Turn, reply string, usage *metering.Usage, turnErr error) *Result {
	final := TurnCompleted
	if turnErr != nil {
		final = TurnErrored
	}
	_ = turn.advance(final)

	msg := &Message{
		PrincipalID: turn.PrincipalID,
		TurnID:      turn.ID,
		Role:        RoleAssistant,
		Content:     reply,
		Status:      StatusComplete,
	}
	if usage != nil {
		msg.TokensUsed = usage.TotalTokens
		msg.Cost = usage.Cost
	}
	if turnErr != nil {
		msg.Status = StatusError
		msg.Error = turnErr.Error()
	}

	// The assistant message is stored even when the caller has gone.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := o.messages.SaveMessage(pctx, msg); err != nil {
		slog.Error("failed to save assistant message", "turn_id", turn.ID, "principal_id", turn.PrincipalID, "error", err)
	}

	if final == TurnCompleted && o.daily != nil {
		o.daily.Add(metering.Delta{
			PrincipalID: turn.PrincipalID,
			Day:         metering.DayOf(o.now()),
			Messages:    2,
		})
	}

	o.countTurn(final)
	attrs := []any{
		"turn_id", turn.ID,
		"principal_id", turn.PrincipalID,
		"agent_id", turn.AgentID,
		"state", final,
		"duration_ms", o.now().Sub(turn.StartedAt).Milliseconds(),
	}
	if turnErr != nil {
		slog.Warn("chat turn errored", append(attrs, "error", turnErr)...)
	} else {
		slog.Info("chat turn completed", attrs...)
	}

	return &Result{
		TurnID:   turn.ID,
		State:    final,
		Message:  msg,
		Response: reply,
		Usage:    usage,
		Error:    msg.Error,
	}
}

func (o *Orchestrator) countTurn(s TurnState) {
	if o.metrics != nil {
		o.metrics.IncChatTurn(string(s))
	}
}
