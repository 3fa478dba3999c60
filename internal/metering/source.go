package metering

import (
	"context"
	"errors"
	"fmt"

	"github.com/alecgard/tithe/internal/gateway"
)

// Usage source names, as stored in usage_records.source.
const (
	SourceResponse = "response"
	SourceGateway  = "gateway"
	// SourceUnresolved marks a zero-usage record written after the
	// configured source never answered for the outcome.
	SourceUnresolved = "unresolved"
)

// ErrUsageNotReady means the usage source has nothing for the outcome yet
// and the record should be retried later.
var ErrUsageNotReady = errors.New("usage not ready")

// UsageSource decides the tokens and cost billed for a finished session.
// Exactly one source is active per deployment.
type UsageSource interface {
	Name() string
	Resolve(ctx context.Context, o Outcome) (Usage, error)
}

// ResponseSource bills what the gateway reported inside the response itself.
type ResponseSource struct{}

func (ResponseSource) Name() string { return SourceResponse }

func (ResponseSource) Resolve(_ context.Context, o Outcome) (Usage, error) {
	if !o.HasUsage {
		return Usage{}, nil
	}
	return o.Usage, nil
}

// SpendLogger looks up the gateway's own accounting for a response id.
type SpendLogger interface {
	SpendLog(ctx context.Context, responseID string) (*gateway.Spend, error)
}

// GatewaySource bills what the gateway's spend log says, keyed by the
// gateway's response id.
type GatewaySource struct {
	client SpendLogger
}

// NewGatewaySource creates a GatewaySource.
func NewGatewaySource(client SpendLogger) *GatewaySource {
	return &GatewaySource{client: client}
}

func (g *GatewaySource) Name() string { return SourceGateway }

// Resolve returns zero usage for outcomes the gateway never answered,
// since it cannot have billed them.
func (g *GatewaySource) Resolve(ctx context.Context, o Outcome) (Usage, error) {
	if o.ResponseID == "" {
		return Usage{}, nil
	}
	spend, err := g.client.SpendLog(ctx, o.ResponseID)
	if errors.Is(err, gateway.ErrUsageNotReady) {
		return Usage{}, ErrUsageNotReady
	}
	if err != nil {
		return Usage{}, fmt.Errorf("fetching spend log: %w", err)
	}
	u := Usage{
		InputTokens:  spend.PromptTokens,
		OutputTokens: spend.CompletionTokens,
		TotalTokens:  spend.TotalTokens,
		Cost:         spend.Cost,
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	return u, nil
}

// NewSource returns the source configured by name.
func NewSource(name string, client SpendLogger) (UsageSource, error) {
	switch name {
	case "", SourceResponse:
		return ResponseSource{}, nil
	case SourceGateway:
		if client == nil {
			return nil, errors.New("gateway usage source needs a gateway client")
		}
		return NewGatewaySource(client), nil
	default:
		return nil, fmt.Errorf("unknown usage source %q", name)
	}
}
