// Package proxy mediates model calls from the agent runtime: it swaps the
// runtime's shared secret for the principal's own gateway credential and
// relays the gateway's answer unchanged.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/alecgard/tithe/internal/budget"
	"github.com/alecgard/tithe/internal/gateway"
	"github.com/alecgard/tithe/internal/identity"
	"github.com/alecgard/tithe/internal/metering"
	"github.com/alecgard/tithe/internal/stream"
)

const costHeader = "X-Litellm-Response-Cost"

// IdentityResolver maps an agent id to its principal and credential.
type IdentityResolver interface {
	Resolve(ctx context.Context, agentID string) (identity.Identity, error)
}

// BudgetChecker admits or rejects a principal's next call.
type BudgetChecker interface {
	Check(ctx context.Context, principalID string) error
}

// Upstream sends a model call to the billing gateway.
type Upstream interface {
	Forward(ctx context.Context, req gateway.Request) (*http.Response, error)
}

// UsageRecorder receives one outcome per finished session.
type UsageRecorder interface {
	Submit(o metering.Outcome)
}

// MetricsRecorder is an optional interface for recording proxy-level metrics.
type MetricsRecorder interface {
	IncProxyRequests(endpoint string, statusCode int, stream bool)
	ObserveUpstreamDuration(endpoint string, seconds float64)
	IncUpstreamError(errorType string)
}

// Options bounds proxied calls.
type Options struct {
	Timeout           time.Duration // whole-call limit for non-streaming calls
	MaxRequestSize    int64
	InjectStreamUsage bool
}

// Handler proxies model calls to the billing gateway.
type Handler struct {
	resolver   IdentityResolver
	budgets    BudgetChecker
	upstream   Upstream
	usage      UsageRecorder
	normalizer *stream.Normalizer
	sessions   *stream.Tracker
	opts       Options
	metrics    MetricsRecorder
}

// NewHandler creates a new proxy handler.
func NewHandler(resolver IdentityResolver, budgets BudgetChecker, upstream Upstream, usage UsageRecorder,
	normalizer *stream.Normalizer, sessions *stream.Tracker, opts Options) *Handler {
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = 10 << 20
	}
	return &Handler{
		resolver:   resolver,
		budgets:    budgets,
		upstream:   upstream,
		usage:      usage,
		normalizer: normalizer,
		sessions:   sessions,
		opts:       opts,
	}
}

// SetMetrics sets the optional metrics recorder.
func (h *Handler) SetMetrics(m MetricsRecorder) {
	h.metrics = m
}

// Routes returns the proxy routes, to be mounted behind the shared-secret check.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{agentID}/chat/completions", h.ChatCompletions)
	r.Post("/{agentID}/embeddings", h.Embeddings)
	r.Get("/{agentID}/test", h.Test)
	return r
}

// ChatCompletions proxies a chat completion, streamed or not.
func (h *Handler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "chat/completions", true)
}

// Embeddings proxies an embeddings call. Embeddings never stream.
func (h *Handler) Embeddings(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, "embeddings", false)
}

// Test reports whether an agent resolves, without calling the gateway.
func (h *Handler) Test(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	id, ok := h.resolve(w, r, agentID)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":     id.AgentID,
		"principal_id": id.PrincipalID,
		"active":       true,
	})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, agentID string) (identity.Identity, bool) {
	id, err := h.resolver.Resolve(r.Context(), agentID)
	switch {
	case err == nil:
		return id, true
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "agent not found")
	case errors.Is(err, identity.ErrSuspended):
		writeError(w, http.StatusForbidden, "agent_suspended", "agent is not active")
	default:
		slog.Error("resolving agent identity", "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
	return identity.Identity{}, false
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, endpoint string, allowStream bool) {
	agentID := chi.URLParam(r, "agentID")
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set("X-Request-ID", requestID)

	id, ok := h.resolve(w, r, agentID)
	if !ok {
		return
	}

	if err := h.budgets.Check(r.Context(), id.PrincipalID); err != nil {
		if errors.Is(err, budget.ErrExceeded) {
			writeError(w, http.StatusPaymentRequired, "budget_exceeded", "budget exceeded")
			return
		}
		slog.Warn("budget check failed, admitting", "principal_id", id.PrincipalID, "error", err)
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.opts.MaxRequestSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read request body")
		return
	}
	if int64(len(body)) > h.opts.MaxRequestSize {
		writeError(w, http.StatusRequestEntityTooLarge, "invalid_request", "request body too large")
		return
	}
	env, err := parseEnvelope(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	streaming := allowStream && env.Stream
	if streaming && h.opts.InjectStreamUsage {
		if body, err = withStreamUsage(body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "failed to prepare request body")
			return
		}
	}

	sess := h.sessions.Start(agentID, requestID)
	out := metering.Outcome{
		RequestID:   requestID,
		SessionID:   sess.ID,
		AgentID:     id.AgentID,
		PrincipalID: id.PrincipalID,
		Model:       env.Model,
		Endpoint:    endpoint,
		Stream:      streaming,
		StartedAt:   time.Now().UTC(),
	}
	defer func() {
		out.FinishedAt = time.Now().UTC()
		if h.metrics != nil {
			h.metrics.IncProxyRequests(endpoint, out.StatusCode, streaming)
		}
		h.usage.Submit(out)
	}()

	// The upstream call follows the caller only until response headers
	// arrive. A stream is then owned by the normalizer, which keeps reading
	// for a short grace period after the caller leaves.
	upCtx, cancelUp := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancelUp()
	stopLink := context.AfterFunc(r.Context(), cancelUp)
	defer stopLink()
	if !streaming && h.opts.Timeout > 0 {
		var cancel context.CancelFunc
		upCtx, cancel = context.WithTimeout(upCtx, h.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := h.upstream.Forward(upCtx, gateway.Request{
		Path:       "/" + endpoint,
		Body:       body,
		Credential: id.Credential,
		RequestID:  requestID,
		Stream:     streaming,
	})
	if h.metrics != nil {
		h.metrics.ObserveUpstreamDuration(endpoint, time.Since(start).Seconds())
	}
	if err != nil {
		h.failUpstream(w, r, sess, &out, err)
		return
	}
	defer resp.Body.Close()

	out.StatusCode = resp.StatusCode
	_ = sess.Transition(stream.StateForwarding)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.relayUpstreamError(w, sess, &out, resp)
		return
	}
	if streaming {
		stopLink()
		h.relayStream(w, r, sess, &out, resp)
		return
	}
	h.relayBody(w, r, sess, &out, resp)
}

func (h *Handler) failUpstream(w http.ResponseWriter, r *http.Request, sess *stream.Session, out *metering.Outcome, err error) {
	kind := gateway.ClassifyError(err)
	if h.metrics != nil {
		h.metrics.IncUpstreamError(kind)
	}
	if r.Context().Err() != nil {
		_ = sess.Transition(stream.StateCancelled)
		out.State = metering.OutcomeCancelled
		return
	}
	_ = sess.Transition(stream.StateErrored)
	out.State = metering.OutcomeFailed
	slog.Warn("gateway request failed", "request_id", out.RequestID, "agent_id", out.AgentID, "kind", kind, "error", err)
	if gateway.IsTimeout(err) {
		out.StatusCode = http.StatusGatewayTimeout
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "gateway timed out")
		return
	}
	out.StatusCode = http.StatusBadGateway
	writeError(w, http.StatusBadGateway, "upstream_error", "gateway request failed")
}

func (h *Handler) relayUpstreamError(w http.ResponseWriter, sess *stream.Session, out *metering.Outcome, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	out.Bytes = n
	out.State = metering.OutcomeUpstreamError
	_ = sess.Transition(stream.StateErrored)
}

func (h *Handler) relayBody(w http.ResponseWriter, r *http.Request, sess *stream.Session, out *metering.Outcome, resp *http.Response) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if r.Context().Err() != nil {
			out.State = metering.OutcomeCancelled
			_ = sess.Transition(stream.StateCancelled)
			return
		}
		out.State = metering.OutcomeErrored
		_ = sess.Transition(stream.StateErrored)
		if gateway.IsTimeout(err) {
			out.StatusCode = http.StatusGatewayTimeout
			writeError(w, http.StatusGatewayTimeout, "upstream_timeout", "gateway timed out")
			return
		}
		out.StatusCode = http.StatusBadGateway
		writeError(w, http.StatusBadGateway, "upstream_error", "failed to read gateway response")
		return
	}

	if u, ok := metering.UsageFromJSON(gjson.GetBytes(body, "usage")); ok {
		out.Usage, out.HasUsage = u, true
	}
	if c := resp.Header.Get(costHeader); c != "" {
		out.Usage.Cost = metering.ParseCost(c)
		out.HasUsage = true
	}
	out.ResponseID = gjson.GetBytes(body, "id").String()
	if m := gjson.GetBytes(body, "model").String(); m != "" {
		out.Model = m
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	n, err := w.Write(body)
	out.Bytes = int64(n)
	if err != nil {
		out.State = metering.OutcomeCancelled
		_ = sess.Transition(stream.StateCancelled)
		return
	}
	out.State = metering.OutcomeCompleted
	_ = sess.Transition(stream.StateCompleted)
}

func (h *Handler) relayStream(w http.ResponseWriter, r *http.Request, sess *stream.Session, out *metering.Outcome, resp *http.Response) {
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(resp.StatusCode)

	res := h.normalizer.Relay(r.Context(), sess, resp.Body, w)

	out.Bytes = res.Bytes
	out.Usage, out.HasUsage = res.Usage, res.HasUsage
	out.ResponseID = res.ResponseID
	if res.Model != "" {
		out.Model = res.Model
	}
	switch res.State {
	case stream.StateCompleted:
		out.State = metering.OutcomeCompleted
	case stream.StateCancelled:
		out.State = metering.OutcomeCancelled
	default:
		out.State = metering.OutcomeErrored
		slog.Warn("stream interrupted", "request_id", out.RequestID, "agent_id", out.AgentID, "bytes", res.Bytes, "error", res.Err)
	}
}

// copyHeaders copies the response headers the caller may see. Everything
// else, including anything identifying the credential, stays behind.
func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if !relayedHeader(key) {
			continue
		}
		dst.Del(key)
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func relayedHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Content-Type", "Retry-After", "X-Request-Id":
		return true
	}
	return strings.HasPrefix(http.CanonicalHeaderKey(key), "X-Ratelimit-")
}
