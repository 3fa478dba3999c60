package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/alecgard/tithe/internal/agentrt"
	"github.com/alecgard/tithe/internal/auth"
	"github.com/alecgard/tithe/internal/ratelimit"
)

// agentFailure is what clients see when a turn errors. The cause is logged.
const agentFailure = "the agent could not complete the reply"

// HandlerOptions configures the chat endpoints.
type HandlerOptions struct {
	MaxMessageSize   int64
	WSOriginPatterns []string
	// Limiter admits turns per principal: one token per HTTP request and
	// one per WebSocket message. Nil disables limiting.
	Limiter    *ratelimit.Limiter
	Rejections ratelimit.RejectRecorder
}

// Handler serves the chat endpoints for authenticated principals.
type Handler struct {
	turns *Orchestrator
	opts  HandlerOptions
}

// NewHandler creates a new chat handler.
func NewHandler(turns *Orchestrator, opts HandlerOptions) *Handler {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 1 << 20
	}
	return &Handler{turns: turns, opts: opts}
}

// Routes returns the chat routes. They expect auth.PrincipalMiddleware upstream.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		if h.opts.Limiter != nil {
			r.Use(ratelimit.Middleware(h.opts.Limiter, h.opts.Rejections))
		}
		r.Post("/message", h.handleMessage)
		r.Post("/stream", h.handleStream)
	})
	// The upgrade itself is free; each message on the socket is limited.
	r.Get("/ws", h.handleWebSocket)
	return r
}

type chatError struct {
	Error chatErrorBody `json:"error"`
}

type chatErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, chatError{Error: chatErrorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeTurnError maps errors returned before a turn was dispatched.
func writeTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, ErrNoAgent):
		writeError(w, http.StatusBadRequest, "agent_not_found", "no active agent for this principal")
	default:
		slog.Error("chat turn failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

// inbound is a client message. "message" is accepted as an alias of "content".
type inbound struct {
	Content string `json:"content"`
	Message string `json:"message"`
}

func (in inbound) text() string {
	if in.Content != "" {
		return in.Content
	}
	return in.Message
}

func (h *Handler) principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	p := auth.PrincipalFromContext(r.Context())
	if p == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return "", false
	}
	return p.ID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request) (string, bool) {
	var in inbound
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.opts.MaxMessageSize)).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return "", false
	}
	return in.text(), true
}

func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	principalID, ok := h.principal(w, r)
	if !ok {
		return
	}
	content, ok := h.decode(w, r)
	if !ok {
		return
	}

	res, err := h.turns.Run(r.Context(), principalID, content, func(agentrt.Event) error { return nil })
	if err != nil {
		writeTurnError(w, err)
		return
	}
	if res.State == TurnErrored {
		writeError(w, http.StatusBadGateway, "agent_error", agentFailure)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// sseWriter sends events as `event: message` frames. Headers are written
// with the first event so that failures before it can still be JSON.
type sseWriter struct {
	w        http.ResponseWriter
	rc       *http.ResponseController
	started  bool
	lastType agentrt.EventType
}

func (s *sseWriter) emit(ev agentrt.Event) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	s.lastType = ev.Type
	return s.rc.Flush()
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	principalID, ok := h.principal(w, r)
	if !ok {
		return
	}
	content, ok := h.decode(w, r)
	if !ok {
		return
	}

	sse := &sseWriter{w: w, rc: http.NewResponseController(w)}
	res, err := h.turns.Run(r.Context(), principalID, content, sse.emit)
	if err != nil {
		writeTurnError(w, err)
		return
	}
	if res.State != TurnErrored {
		return
	}
	if !sse.started {
		writeError(w, http.StatusBadGateway, "agent_error", agentFailure)
		return
	}
	if sse.lastType != agentrt.EventError && r.Context().Err() == nil {
		_ = sse.emit(agentrt.Event{Type: agentrt.EventError, Error: agentFailure})
	}
}

// wsFrame is an out-of-band message on the WebSocket that is not an agent event.
type wsFrame struct {
	Type       agentrt.EventType `json:"type"`
	Code       string            `json:"code,omitempty"`
	Error      string            `json:"error,omitempty"`
	RetryAfter int64             `json:"retry_after,omitempty"` // seconds
}

const wsWriteTimeout = 5 * time.Second

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	principalID, ok := h.principal(w, r)
	if !ok {
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(h.opts.WSOriginPatterns) > 0 {
		opts.OriginPatterns = h.opts.WSOriginPatterns
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	conn.SetReadLimit(h.opts.MaxMessageSize)
	ctx := r.Context()

	write := func(v any) error {
		writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
		defer cancel()
		return wsjson.Write(writeCtx, conn, v)
	}

	for {
		var in inbound
		if err := wsjson.Read(ctx, conn, &in); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("chat websocket read failed", "principal_id", principalID, "error", err)
			}
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		}

		if frame, ok := h.admit(principalID); !ok {
			if write(frame) != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
			continue
		}

		var last agentrt.EventType
		res, err := h.turns.Run(ctx, principalID, in.text(), func(ev agentrt.Event) error {
			last = ev.Type
			return write(ev)
		})
		switch {
		case errors.Is(err, ErrNoAgent):
			_ = write(wsFrame{Type: agentrt.EventError, Error: "no active agent for this principal"})
			_ = conn.Close(websocket.StatusPolicyViolation, "no agent")
			return
		case errors.Is(err, ErrEmptyMessage):
			if write(wsFrame{Type: agentrt.EventError, Error: err.Error()}) != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
			continue
		case err != nil:
			slog.Error("chat turn failed", "principal_id", principalID, "error", err)
			_ = write(wsFrame{Type: agentrt.EventError, Error: "internal server error"})
			_ = conn.Close(websocket.StatusInternalError, "internal error")
			return
		}

		if ctx.Err() != nil {
			return
		}
		// Failures other than the agent's own error event still owe the
		// client a terminal frame.
		if res.State == TurnErrored && last != agentrt.EventError {
			if write(wsFrame{Type: agentrt.EventError, Code: "agent_error", Error: agentFailure}) != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

// admit takes a turn token for principalID. When it is refused, the frame
// to send back is returned.
func (h *Handler) admit(principalID string) (wsFrame, bool) {
	if h.opts.Limiter == nil {
		return wsFrame{}, true
	}
	d := h.opts.Limiter.Take(principalID)
	if d.Allowed {
		return wsFrame{}, true
	}
	if h.opts.Rejections != nil {
		h.opts.Rejections.IncRateLimitRejection()
	}
	return wsFrame{
		Type:       agentrt.EventError,
		Code:       "rate_limited",
		Error:      "Rate limit exceeded. Try again later.",
		RetryAfter: max(int64(math.Ceil(d.RetryAfter.Seconds())), 1),
	}, false
}
