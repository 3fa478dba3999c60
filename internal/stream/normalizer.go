package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecgard/tithe/internal/metering"
	"github.com/tidwall/gjson"
)

// ErrIdleTimeout is reported when the gateway stops sending mid-stream.
var ErrIdleTimeout = errors.New("upstream stream idle timeout")

// interruptedEvent is appended when the upstream fails after bytes were relayed.
var interruptedEvent = []byte(`data: {"error":{"code":"stream_interrupted","message":"upstream stream interrupted"}}` + "\n\n")

const readSize = 32 * 1024

// Options bounds a relay.
type Options struct {
	MaxEventSize int           // pending bytes held back waiting for an event boundary
	IdleTimeout  time.Duration // max gap between upstream reads
	CancelGrace  time.Duration // how long to keep draining after the caller left
}

// Normalizer relays an upstream event stream downstream.
type Normalizer struct {
	opts Options
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(opts Options) *Normalizer {
	if opts.MaxEventSize <= 0 {
		opts.MaxEventSize = 1 << 20
	}
	return &Normalizer{opts: opts}
}

// Result describes how a relay ended.
type Result struct {
	State        State
	Bytes        int64
	Usage        metering.Usage
	HasUsage     bool
	ResponseID   string
	Model        string
	TerminalSeen bool
	Err          error
}

// Relay copies src to dst one event at a time until the terminal marker,
// upstream EOF, upstream failure or caller disconnect, then moves sess to
// its terminal state. Reads and writes alternate on the calling goroutine,
// so a slow caller slows the upstream read. When the caller goes away the
// upstream keeps being read, without writing, for at most CancelGrace so
// any usage it still reports is captured. src is always closed on return.
func (n *Normalizer) Relay(ctx context.Context, sess *Session, src io.ReadCloser, dst http.ResponseWriter) Result {
	defer src.Close()

	if sess.State() == StateCreated {
		_ = sess.Transition(StateForwarding)
	}

	var (
		res       Result
		timedOut  atomic.Bool
		cancelled atomic.Bool
		drainOnce sync.Once
	)

	var idle *time.Timer
	if n.opts.IdleTimeout > 0 {
		idle = time.AfterFunc(n.opts.IdleTimeout, func() {
			timedOut.Store(true)
			src.Close()
		})
		defer idle.Stop()
	}

	// Once the caller is gone nothing more is written, but reads continue
	// until the grace timer closes src.
	beginDrain := func() {
		drainOnce.Do(func() {
			cancelled.Store(true)
			time.AfterFunc(n.opts.CancelGrace, func() { src.Close() })
		})
	}
	stopWatch := context.AfterFunc(ctx, beginDrain)
	defer stopWatch()

	rc := http.NewResponseController(dst)
	write := func(p []byte) bool {
		if len(p) == 0 {
			return true
		}
		w, err := dst.Write(p)
		res.Bytes += int64(w)
		sess.addBytes(w)
		if err != nil {
			return false
		}
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return false
		}
		return true
	}

	inspect := func(event []byte) {
		data := eventData(event)
		if len(data) == 0 {
			return
		}
		if isDone(data) {
			res.TerminalSeen = true
			return
		}
		if res.ResponseID == "" {
			res.ResponseID = gjson.GetBytes(data, "id").String()
		}
		if res.Model == "" {
			res.Model = gjson.GetBytes(data, "model").String()
		}
		if u, ok := metering.UsageFromJSON(gjson.GetBytes(data, "usage")); ok {
			res.Usage = u
			res.HasUsage = true
		}
	}

	pending := make([]byte, 0, readSize)
	chunk := make([]byte, readSize)

	finish := func(state State, err error) Result {
		res.State = state
		res.Err = err
		_ = sess.Transition(state)
		return res
	}

	for {
		nr, rerr := src.Read(chunk)
		if idle != nil && nr > 0 {
			idle.Reset(n.opts.IdleTimeout)
		}

		if nr > 0 {
			pending = append(pending, chunk[:nr]...)
			end := lastEventEnd(pending)
			if end > 0 {
				splitEvents(pending[:end], inspect)
				if !cancelled.Load() && !write(pending[:end]) {
					beginDrain()
				}
				pending = append(pending[:0], pending[end:]...)
			}
			if len(pending) > n.opts.MaxEventSize {
				if !cancelled.Load() && !write(pending) {
					beginDrain()
				}
				pending = pending[:0]
			}
			if res.TerminalSeen {
				if cancelled.Load() {
					return finish(StateCancelled, context.Canceled)
				}
				return finish(StateCompleted, nil)
			}
		}

		if rerr == nil {
			continue
		}

		switch {
		case cancelled.Load():
			return finish(StateCancelled, context.Canceled)
		case errors.Is(rerr, io.EOF) && !timedOut.Load():
			// Trailing bytes without a final blank line still belong to the caller.
			if !write(pending) {
				return finish(StateCancelled, context.Canceled)
			}
			return finish(StateCompleted, nil)
		default:
			err := rerr
			if timedOut.Load() {
				err = ErrIdleTimeout
			}
			if _, werr := dst.Write(interruptedEvent); werr == nil {
				_ = rc.Flush()
			}
			return finish(StateErrored, err)
		}
	}
}
