package agentrt

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/alecgard/tithe/internal/metering"
)

// EventType names a normalized runtime event.
type EventType string

const (
	EventStart     EventType = "start"
	EventDelta     EventType = "delta"
	EventReasoning EventType = "reasoning"
	EventToolCall  EventType = "tool_call"
	EventUsage     EventType = "usage"
	EventEnd       EventType = "end"
	EventError     EventType = "error"
)

// Event is one normalized step of an agent's reply.
type Event struct {
	Type          EventType       `json:"type"`
	Content       string          `json:"content,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolArguments string          `json:"tool_arguments,omitempty"`
	Usage         *metering.Usage `json:"usage,omitempty"`
	Error         string          `json:"error,omitempty"`
}

const maxLine = 4 << 20

// Stream reads the runtime's event stream one normalized event at a time.
// It starts with a start event and finishes with exactly one end or error
// event, after which Next returns io.EOF.
type Stream struct {
	body      io.ReadCloser
	scanner   *bufio.Scanner
	started   bool
	done      bool
	closeOnce sync.Once
}

// NewStream wraps a runtime response body.
func NewStream(body io.ReadCloser) *Stream {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return &Stream{body: body, scanner: sc}
}

// Next blocks until the next event, ctx is done, or the stream ends.
func (s *Stream) Next(ctx context.Context) (Event, error) {
	if s.done {
		return Event{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		s.Close()
		return Event{}, err
	}
	if !s.started {
		s.started = true
		return Event{Type: EventStart}, nil
	}

	stop := context.AfterFunc(ctx, func() { s.Close() })
	defer stop()

	for s.scanner.Scan() {
		ev, ok := parseLine(s.scanner.Bytes())
		if !ok {
			continue
		}
		if ev.Type == EventEnd || ev.Type == EventError {
			s.finish()
		}
		return ev, nil
	}

	err := s.scanner.Err()
	s.finish()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Event{}, ctxErr
	}
	if err != nil {
		return Event{Type: EventError, Error: "agent runtime stream interrupted: " + err.Error()}, nil
	}
	// The runtime closed cleanly without a terminal marker.
	return Event{Type: EventEnd}, nil
}

// Close releases the response body. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.body.Close() })
	return err
}

func (s *Stream) finish() {
	s.done = true
	s.Close()
}

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// parseLine turns one SSE line into an event. Lines that carry nothing the
// caller needs (comments, keep-alives, unknown message types) are skipped.
func parseLine(line []byte) (Event, bool) {
	payload, ok := bytes.CutPrefix(bytes.TrimRight(line, "\r"), dataPrefix)
	if !ok {
		return Event{}, false
	}
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return Event{}, false
	}
	if bytes.Equal(payload, doneMarker) {
		return Event{Type: EventEnd}, true
	}
	if !gjson.ValidBytes(payload) {
		return Event{}, false
	}

	root := gjson.ParseBytes(payload)
	switch root.Get("message_type").String() {
	case "assistant_message":
		if c := contentText(root.Get("content")); c != "" {
			return Event{Type: EventDelta, Content: c}, true
		}
	case "reasoning_message":
		if r := root.Get("reasoning").String(); r != "" {
			return Event{Type: EventReasoning, Content: r}, true
		}
	case "tool_call_message":
		tc := root.Get("tool_call")
		return Event{
			Type:          EventToolCall,
			ToolName:      tc.Get("name").String(),
			ToolArguments: tc.Get("arguments").String(),
		}, true
	case "usage_statistics":
		if u, ok := metering.UsageFromJSON(root); ok {
			return Event{Type: EventUsage, Usage: &u}, true
		}
	case "error_message":
		return Event{Type: EventError, Error: firstString(root, "message", "error.message", "detail")}, true
	default:
		if e := root.Get("error"); e.Exists() {
			msg := firstString(e, "message", "detail")
			if msg == "" {
				msg = e.String()
			}
			return Event{Type: EventError, Error: msg}, true
		}
	}
	return Event{}, false
}

// contentText accepts both a plain string and a list of text parts.
func contentText(v gjson.Result) string {
	if v.IsArray() {
		var b bytes.Buffer
		for _, part := range v.Array() {
			b.WriteString(part.Get("text").String())
		}
		return b.String()
	}
	return v.String()
}

func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if s := v.Get(p).String(); s != "" {
			return s
		}
	}
	return ""
}
