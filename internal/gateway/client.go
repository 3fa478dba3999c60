// Package gateway is the HTTP client for the billing gateway (a
// LiteLLM-compatible endpoint that meters calls per credential).
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alecgard/tithe/internal/identity"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// ErrUsageNotReady means the gateway has not written a spend log for the request yet.
var ErrUsageNotReady = errors.New("gateway usage not yet available")

// Options configures a Client.
type Options struct {
	BaseURL        string
	MasterKey      string
	UsagePath      string
	ConnectTimeout time.Duration
	HeaderTimeout  time.Duration
	RetryJitter    time.Duration
}

// ClientMetrics is an optional interface for recording client metrics.
type ClientMetrics interface {
	IncUpstreamRetry()
}

// Client forwards model calls to the gateway under a principal's credential.
type Client struct {
	baseURL   string
	masterKey string
	usagePath string
	jitter    time.Duration
	http      *http.Client
	metrics   ClientMetrics
}

// New creates a Client. There is deliberately no overall client timeout:
// streams live as long as the model keeps producing, bounded instead by the
// caller's context and the normalizer's idle timeout.
func New(opts Options) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.HeaderTimeout,
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		masterKey: opts.MasterKey,
		usagePath: opts.UsagePath,
		jitter:    opts.RetryJitter,
		http:      &http.Client{Transport: transport},
	}
}

// SetMetrics sets the optional metrics recorder.
func (c *Client) SetMetrics(m ClientMetrics) {
	c.metrics = m
}

// Request is one outbound model call.
type Request struct {
	Path       string // e.g. "/chat/completions"
	Body       []byte
	Credential identity.Credential
	RequestID  string
	Stream     bool
}

// Forward sends req and returns the raw response. A failure before any
// connection was obtained is retried once after a random jitter; once a
// connection exists the request may have reached the gateway, so it is
// never resent.
func (c *Client) Forward(ctx context.Context, req Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		var gotConn atomic.Bool
		trace := &httptrace.ClientTrace{
			GotConn: func(httptrace.GotConnInfo) { gotConn.Store(true) },
		}

		hreq, err := http.NewRequestWithContext(httptrace.WithClientTrace(ctx, trace),
			http.MethodPost, c.baseURL+req.Path, bytes.NewReader(req.Body))
		if err != nil {
			return nil, fmt.Errorf("building gateway request: %w", err)
		}
		hreq.Header.Set("Authorization", "Bearer "+req.Credential.Reveal())
		hreq.Header.Set("Content-Type", "application/json")
		if req.Stream {
			hreq.Header.Set("Accept", "text/event-stream")
		} else {
			hreq.Header.Set("Accept", "application/json")
		}
		if req.RequestID != "" {
			hreq.Header.Set("X-Request-ID", req.RequestID)
		}

		resp, err := c.http.Do(hreq)
		if err == nil {
			return resp, nil
		}
		if attempt > 0 || gotConn.Load() || ctx.Err() != nil {
			return nil, err
		}

		if c.metrics != nil {
			c.metrics.IncUpstreamRetry()
		}
		if err := c.sleepJitter(ctx); err != nil {
			return nil, err
		}
	}
}

func (c *Client) sleepJitter(ctx context.Context) error {
	if c.jitter <= 0 {
		return nil
	}
	t := time.NewTimer(rand.N(c.jitter))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Spend is the gateway's own accounting of one request.
type Spend struct {
	RequestID        string
	Model            string
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Cost             decimal.Decimal
}

// SpendLog fetches the gateway's spend log entry for a gateway response id.
func (c *Client) SpendLog(ctx context.Context, responseID string) (*Spend, error) {
	if c.masterKey == "" {
		return nil, errors.New("gateway master key is not configured")
	}
	u := c.baseURL + c.usagePath + "?request_id=" + url.QueryEscape(responseID)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building spend log request: %w", err)
	}
	hreq.Header.Set("Authorization", "Bearer "+c.masterKey)
	hreq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("querying spend log: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading spend log: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrUsageNotReady
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("spend log returned status %d", resp.StatusCode)
	}

	entry := gjson.ParseBytes(body)
	if entry.IsArray() {
		entry = entry.Get("0")
	}
	if !entry.Exists() {
		return nil, ErrUsageNotReady
	}

	cost, err := decimal.NewFromString(entry.Get("spend").Raw)
	if err != nil {
		cost = decimal.Zero
	}
	return &Spend{
		RequestID:        entry.Get("request_id").String(),
		Model:            entry.Get("model").String(),
		PromptTokens:     entry.Get("prompt_tokens").Int(),
		CompletionTokens: entry.Get("completion_tokens").Int(),
		TotalTokens:      entry.Get("total_tokens").Int(),
		Cost:             cost,
	}, nil
}

// Health checks that the gateway answers its liveness probe.
func (c *Client) Health(ctx context.Context) error {
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/liveliness", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway health returned status %d", resp.StatusCode)
	}
	return nil
}

// ClassifyError categorizes an upstream HTTP client error.
func ClassifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return "timeout"
	}
	return "other"
}

// IsTimeout reports whether err is a connect, header or deadline timeout.
func IsTimeout(err error) bool {
	return ClassifyError(err) == "timeout"
}
