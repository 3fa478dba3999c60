package metering

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ErrRecordNotFound is returned when no usage record exists for a request id.
var ErrRecordNotFound = errors.New("usage record not found")

// Usage is the token and cost accounting of one model call.
type Usage struct {
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	Cost         decimal.Decimal `json:"cost"`
}

// IsZero reports whether u carries no tokens and no cost.
func (u Usage) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 && u.TotalTokens == 0 && u.Cost.IsZero()
}

// UsageFromJSON reads a chat-completion usage object. Both the OpenAI
// (prompt/completion) and the Anthropic (input/output) token names are
// accepted; a cost field is taken when the gateway reports one.
func UsageFromJSON(obj gjson.Result) (Usage, bool) {
	if !obj.IsObject() {
		return Usage{}, false
	}
	u := Usage{
		InputTokens:  firstInt(obj, "prompt_tokens", "input_tokens"),
		OutputTokens: firstInt(obj, "completion_tokens", "output_tokens"),
		TotalTokens:  obj.Get("total_tokens").Int(),
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	if c := obj.Get("cost"); c.Exists() {
		u.Cost = ParseCost(c.Raw)
	}
	return u, !u.IsZero()
}

// ParseCost parses a gateway-reported cost. Unparseable or negative values are zero.
func ParseCost(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil || d.IsNegative() {
		return decimal.Zero
	}
	return d
}

func firstInt(obj gjson.Result, keys ...string) int64 {
	for _, k := range keys {
		if v := obj.Get(k); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

// Outcome states of a proxied session.
const (
	OutcomeCompleted     = "completed"
	OutcomeErrored       = "errored"
	OutcomeCancelled     = "cancelled"
	OutcomeUpstreamError = "upstream_error"
	OutcomeFailed        = "failed" // no response obtained from the gateway
)

// Outcome is what the proxy hands over when a session finishes.
type Outcome struct {
	RequestID   string
	SessionID   string
	AgentID     string
	PrincipalID string
	Model       string
	Endpoint    string
	ResponseID  string // the gateway's id for the completion, used for spend-log lookups
	Stream      bool
	State       string
	StatusCode  int
	Usage       Usage
	HasUsage    bool
	Bytes       int64
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Record is a row of usage_records.
type Record struct {
	RequestID    string          `json:"request_id"`
	PrincipalID  string          `json:"principal_id"`
	AgentID      string          `json:"agent_id"`
	SessionID    string          `json:"session_id"`
	Model        string          `json:"model"`
	Endpoint     string          `json:"endpoint"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	TotalTokens  int64           `json:"total_tokens"`
	Cost         decimal.Decimal `json:"cost"`
	Source       string          `json:"source"`
	Outcome      string          `json:"outcome"`
	StatusCode   int             `json:"status_code"`
	CreatedAt    time.Time       `json:"created_at"`
}

// Replaceable reports whether a later attempt under the same request id may
// overwrite r. That holds for attempts the gateway cannot have billed and
// for records whose usage was never learned.
func (r *Record) Replaceable() bool {
	switch {
	case r.Source == SourceUnresolved:
		return true
	case r.Outcome == OutcomeFailed:
		return true
	case r.Outcome == OutcomeUpstreamError:
		return r.TotalTokens == 0 && r.Cost.IsZero()
	}
	return false
}

// InsertResult says what InsertRecord did with a record.
type InsertResult int

const (
	InsertDuplicate InsertResult = iota // an existing record kept the request id
	InsertCreated
	InsertReplaced // a replaceable record was overwritten
)

// Delta is an increment to a principal's daily totals.
type Delta struct {
	PrincipalID string
	Day         time.Time // UTC midnight
	Messages    int64
	Requests    int64
	Tokens      int64
	Cost        decimal.Decimal
}

// DayOf truncates t to its UTC day.
func DayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// DailyTotals is a row of usage_daily.
type DailyTotals struct {
	PrincipalID   string          `json:"principal_id"`
	Day           time.Time       `json:"day"`
	TotalMessages int64           `json:"total_messages"`
	TotalRequests int64           `json:"total_requests"`
	TotalTokens   int64           `json:"total_tokens"`
	TotalCost     decimal.Decimal `json:"total_cost"`
}
