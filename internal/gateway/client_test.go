package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alecgard/tithe/internal/identity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retryCounter struct{ n atomic.Int32 }

func (r *retryCounter) IncUpstreamRetry() { r.n.Add(1) }

// refusingTransport fails its first n round trips before any connection is made.
type refusingTransport struct {
	left  atomic.Int32
	inner http.RoundTripper
}

func (t *refusingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.left.Add(-1) >= 0 {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	}
	return t.inner.RoundTrip(r)
}

func newTestClient(baseURL string) *Client {
	return New(Options{
		BaseURL:        baseURL,
		MasterKey:      "sk-master",
		UsagePath:      "/spend/logs",
		ConnectTimeout: time.Second,
		HeaderTimeout:  time.Second,
		RetryJitter:    5 * time.Millisecond,
	})
}

func TestForwardSetsOutboundHeaders(t *testing.T) {
	var got http.Header
	var body []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		body, _ = io.ReadAll(r.Body)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	c := newTestClient(upstream.URL + "/")
	resp, err := c.Forward(context.Background(), Request{
		Path:       "/chat/completions",
		Body:       []byte(`{"model":"x","stream":false}`),
		Credential: identity.Credential("k1"),
		RequestID:  "r1",
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer k1", got.Get("Authorization"))
	assert.Equal(t, "application/json", got.Get("Content-Type"))
	assert.Equal(t, "application/json", got.Get("Accept"))
	assert.Equal(t, "r1", got.Get("X-Request-ID"))
	assert.Equal(t, `{"model":"x","stream":false}`, string(body))
}

func TestForwardStreamAccept(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
	}))
	defer upstream.Close()

	resp, err := newTestClient(upstream.URL).Forward(context.Background(), Request{Path: "/chat/completions", Stream: true})
	require.NoError(t, err)
	resp.Body.Close()
}

func TestForwardRetriesPureConnectFailureOnce(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	c := newTestClient(upstream.URL)
	rt := &refusingTransport{inner: http.DefaultTransport}
	rt.left.Store(1)
	c.http.Transport = rt
	m := &retryCounter{}
	c.SetMetrics(m)

	resp, err := c.Forward(context.Background(), Request{Path: "/chat/completions", Body: []byte(`{}`)})
	require.NoError(t, err)
	resp.Body.Close()

	assert.EqualValues(t, 1, hits.Load())
	assert.EqualValues(t, 1, m.n.Load())
}

func TestForwardGivesUpAfterOneRetry(t *testing.T) {
	c := newTestClient("http://gateway.invalid")
	rt := &refusingTransport{inner: http.DefaultTransport}
	rt.left.Store(5)
	c.http.Transport = rt
	m := &retryCounter{}
	c.SetMetrics(m)

	_, err := c.Forward(context.Background(), Request{Path: "/chat/completions"})
	require.Error(t, err)
	assert.Equal(t, "connection_refused", ClassifyError(err))
	assert.EqualValues(t, 1, m.n.Load())
	assert.EqualValues(t, 3, rt.left.Load(), "exactly two attempts")
}

func TestForwardNeverRetriesAfterConnection(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		hj, ok := w.(http.Hijacker)
		require.True(t, ok)
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	}))
	defer upstream.Close()

	c := newTestClient(upstream.URL)
	m := &retryCounter{}
	c.SetMetrics(m)

	_, err := c.Forward(context.Background(), Request{Path: "/chat/completions", Body: []byte(`{"model":"x"}`)})
	require.Error(t, err)
	assert.EqualValues(t, 1, hits.Load())
	assert.EqualValues(t, 0, m.n.Load())
}

func TestForwardHeaderTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	c := New(Options{BaseURL: upstream.URL, ConnectTimeout: time.Second, HeaderTimeout: 50 * time.Millisecond})
	_, err := c.Forward(context.Background(), Request{Path: "/chat/completions"})
	require.Error(t, err)
	assert.True(t, IsTimeout(err), "got %v", err)
}

func TestSpendLog(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/spend/logs", r.URL.Path)
		assert.Equal(t, "Bearer sk-master", r.Header.Get("Authorization"))
		switch r.URL.Query().Get("request_id") {
		case "chatcmpl-1":
			_, _ = io.WriteString(w, `[{"request_id":"chatcmpl-1","model":"gpt-4o","spend":0.00125,"prompt_tokens":100,"completion_tokens":20,"total_tokens":120}]`)
		default:
			_, _ = io.WriteString(w, `[]`)
		}
	}))
	defer upstream.Close()

	c := newTestClient(upstream.URL)
	spend, err := c.SpendLog(context.Background(), "chatcmpl-1")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", spend.Model)
	assert.EqualValues(t, 100, spend.PromptTokens)
	assert.EqualValues(t, 20, spend.CompletionTokens)
	assert.EqualValues(t, 120, spend.TotalTokens)
	assert.True(t, spend.Cost.Equal(decimal.RequireFromString("0.00125")))

	_, err = c.SpendLog(context.Background(), "chatcmpl-unknown")
	assert.ErrorIs(t, err, ErrUsageNotReady)
}

func TestSpendLogRequiresMasterKey(t *testing.T) {
	c := New(Options{BaseURL: "http://gw"})
	_, err := c.SpendLog(context.Background(), "x")
	assert.Error(t, err)
}

func TestHealth(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health/liveliness", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer upstream.Close()

	c := newTestClient(upstream.URL)
	assert.NoError(t, c.Health(context.Background()))
	status.Store(http.StatusServiceUnavailable)
	assert.Error(t, c.Health(context.Background()))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, "connection_refused"},
		{"read", &net.OpError{Op: "read", Err: errors.New("reset")}, "network"},
		{"dns", &net.DNSError{Name: "gw"}, "dns"},
		{"other", errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}
