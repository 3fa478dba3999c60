// Package agentrt is the client for the external agent runtime that owns
// each principal's stateful agent.
package agentrt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Options configures a Client.
type Options struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration // connect and response-header timeout
}

// Client talks to the agent runtime.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// New creates a Client. Replies stream for as long as the agent works, so
// only connecting and the response headers are time-bounded.
func New(opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.APIToken,
		http:    &http.Client{Transport: transport},
	}
}

// StatusError is returned when the runtime rejects a request.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("agent runtime returned status %d: %s", e.Code, e.Body)
}

type messageRequest struct {
	Messages     []messageInput `json:"messages"`
	StreamTokens bool           `json:"stream_tokens"`
}

type messageInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SendMessage sends one user message to the agent and returns its streamed reply.
// The caller must Close the stream.
func (c *Client) SendMessage(ctx context.Context, agentID, content string) (*Stream, error) {
	payload, err := json.Marshal(messageRequest{
		Messages:     []messageInput{{Role: "user", Content: content}},
		StreamTokens: true,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}

	u := c.baseURL + "/v1/agents/" + url.PathEscape(agentID) + "/messages/stream"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building runtime request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending message to agent runtime: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return NewStream(resp.Body), nil
}

// Health checks that the runtime answers its health probe.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health/", nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("agent runtime health returned status %d", resp.StatusCode)
	}
	return nil
}
