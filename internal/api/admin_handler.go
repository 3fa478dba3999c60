package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/alecgard/tithe/internal/budget"
	"github.com/alecgard/tithe/internal/identity"
	"github.com/alecgard/tithe/internal/metering"
)

// IdentityAdmin manages agent identity records.
type IdentityAdmin interface {
	Lookup(ctx context.Context, agentID string) (*identity.Record, error)
	Create(ctx context.Context, in identity.CreateInput) (*identity.Record, error)
	SetStatus(ctx context.Context, agentID string, to identity.Status) (*identity.Record, error)
	RotateCredential(ctx context.Context, agentID, credential string) (*identity.Record, error)
}

// CacheInvalidator drops a cached identity in this process.
type CacheInvalidator interface {
	Invalidate(agentID string)
}

// BudgetAdmin manages principal budgets.
type BudgetAdmin interface {
	Set(ctx context.Context, b budget.Budget) error
	Delete(ctx context.Context, principalID string) error
	Snapshot(ctx context.Context, principalID string, now time.Time) (*budget.Snapshot, error)
}

// BudgetRefresher reloads the gate's cached snapshot after a budget change.
type BudgetRefresher interface {
	Refresh(ctx context.Context, principalID string)
}

// UsageQueries reads recorded usage.
type UsageQueries interface {
	GetRecord(ctx context.Context, requestID string) (*metering.Record, error)
	ListDaily(ctx context.Context, principalID string, from, to time.Time) ([]metering.DailyTotals, error)
}

// maxUsageRange caps the span of a daily usage query.
const maxUsageRange = 366 * 24 * time.Hour

type adminHandler struct {
	identities IdentityAdmin
	cache      CacheInvalidator
	bus        identity.Invalidator
	budgets    BudgetAdmin
	gate       BudgetRefresher
	usage      UsageQueries
	now        func() time.Time
}

func newAdminHandler(deps RouterDeps) *adminHandler {
	return &adminHandler{
		identities: deps.Identities,
		cache:      deps.IdentityCache,
		bus:        deps.Invalidations,
		budgets:    deps.Budgets,
		gate:       deps.BudgetGate,
		usage:      deps.Usage,
		now:        time.Now,
	}
}

// --- Agent identities ---

type createAgentRequest struct {
	AgentID     string          `json:"agent_id"`
	PrincipalID string          `json:"principal_id"`
	Credential  string          `json:"credential"`
	Status      identity.Status `json:"status"`
}

func (h *adminHandler) CreateAgent(w http.ResponseWriter, r *http.Request) {
	var req createAgentRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	req.AgentID = strings.TrimSpace(req.AgentID)
	req.PrincipalID = strings.TrimSpace(req.PrincipalID)
	if req.AgentID == "" || req.PrincipalID == "" || req.Credential == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "agent_id, principal_id and credential are required")
		return
	}
	if req.Status == "" {
		req.Status = identity.StatusProvisioning
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "status must be one of provisioning, active, suspended, revoked")
		return
	}

	rec, err := h.identities.Create(r.Context(), identity.CreateInput{
		AgentID:     req.AgentID,
		PrincipalID: req.PrincipalID,
		Credential:  req.Credential,
		Status:      req.Status,
	})
	if err != nil {
		h.identityError(w, "creating agent identity", req.AgentID, err)
		return
	}

	auditLog(r, "agent.create", "agent", rec.AgentID, "principal_id", rec.PrincipalID, "status", rec.Status)
	writeJSON(w, http.StatusCreated, rec)
}

func (h *adminHandler) GetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	rec, err := h.identities.Lookup(r.Context(), agentID)
	if err != nil {
		h.identityError(w, "looking up agent identity", agentID, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type statusRequest struct {
	Status identity.Status `json:"status"`
}

func (h *adminHandler) SetAgentStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req statusRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "status must be one of provisioning, active, suspended, revoked")
		return
	}

	rec, err := h.identities.SetStatus(r.Context(), agentID, req.Status)
	if err != nil {
		h.identityError(w, "updating agent status", agentID, err)
		return
	}
	// The store announces the change on the bus; the local drop makes the
	// change effective here even when the bus is down.
	h.cache.Invalidate(agentID)

	auditLog(r, "agent.status", "agent", agentID, "status", rec.Status)
	writeJSON(w, http.StatusOK, rec)
}

type credentialRequest struct {
	Credential string `json:"credential"`
}

func (h *adminHandler) RotateCredential(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	var req credentialRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Credential == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "credential is required")
		return
	}

	rec, err := h.identities.RotateCredential(r.Context(), agentID, req.Credential)
	if err != nil {
		h.identityError(w, "rotating credential", agentID, err)
		return
	}
	h.cache.Invalidate(agentID)

	auditLog(r, "agent.rotate_credential", "agent", agentID)
	writeJSON(w, http.StatusOK, rec)
}

// InvalidateAgent drops the cached identity on every replica.
func (h *adminHandler) InvalidateAgent(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	h.cache.Invalidate(agentID)

	published := true
	if h.bus != nil {
		if err := h.bus.Publish(r.Context(), agentID); err != nil {
			slog.Warn("publishing identity invalidation failed", "agent_id", agentID, "error", err)
			published = false
		}
	}

	auditLog(r, "agent.invalidate", "agent", agentID, "published", published)
	writeJSON(w, http.StatusOK, map[string]any{
		"agent_id":  agentID,
		"published": published,
	})
}

func (h *adminHandler) identityError(w http.ResponseWriter, op, agentID string, err error) {
	switch {
	case errors.Is(err, identity.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "agent not found")
	case errors.Is(err, identity.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "conflict", "agent already exists")
	case errors.Is(err, identity.ErrBadTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	default:
		slog.Error(op, "agent_id", agentID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

// --- Budgets ---

type budgetRequest struct {
	Limit  string `json:"limit"`
	Period string `json:"period"`
}

type budgetResponse struct {
	budget.Snapshot
	Remaining *decimal.Decimal `json:"remaining,omitempty"`
}

func snapshotResponse(s *budget.Snapshot) budgetResponse {
	resp := budgetResponse{Snapshot: *s}
	if !s.Unlimited {
		rem := s.Remaining()
		resp.Remaining = &rem
	}
	return resp
}

func (h *adminHandler) SetBudget(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "principalID")
	var req budgetRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	limit, err := decimal.NewFromString(strings.TrimSpace(req.Limit))
	if err != nil || limit.IsNegative() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "limit must be a non-negative decimal")
		return
	}
	if req.Period == "" {
		req.Period = string(budget.PeriodMonthly)
	}
	period, err := budget.ParsePeriod(req.Period)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
		return
	}

	if err := h.budgets.Set(r.Context(), budget.Budget{PrincipalID: principalID, Limit: limit, Period: period}); err != nil {
		slog.Error("setting budget", "principal_id", principalID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	h.gate.Refresh(r.Context(), principalID)

	auditLog(r, "budget.set", "principal", principalID, "limit", limit.String(), "period", period)
	h.writeSnapshot(w, r, principalID, http.StatusOK)
}

func (h *adminHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	h.writeSnapshot(w, r, chi.URLParam(r, "principalID"), http.StatusOK)
}

func (h *adminHandler) DeleteBudget(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "principalID")
	if err := h.budgets.Delete(r.Context(), principalID); err != nil {
		slog.Error("deleting budget", "principal_id", principalID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	h.gate.Refresh(r.Context(), principalID)

	auditLog(r, "budget.delete", "principal", principalID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *adminHandler) writeSnapshot(w http.ResponseWriter, r *http.Request, principalID string, code int) {
	snap, err := h.budgets.Snapshot(r.Context(), principalID, h.now())
	if err != nil {
		slog.Error("reading budget snapshot", "principal_id", principalID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	writeJSON(w, code, snapshotResponse(snap))
}

// --- Usage ---

func (h *adminHandler) GetUsageRecord(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	rec, err := h.usage.GetRecord(r.Context(), requestID)
	if errors.Is(err, metering.ErrRecordNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "usage record not found")
		return
	}
	if err != nil {
		slog.Error("getting usage record", "request_id", requestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type dailyUsageResponse struct {
	PrincipalID string                 `json:"principal_id"`
	From        string                 `json:"from"`
	To          string                 `json:"to"`
	Days        []metering.DailyTotals `json:"days"`
	Totals      dailyTotals            `json:"totals"`
}

type dailyTotals struct {
	Messages int64           `json:"messages"`
	Requests int64           `json:"requests"`
	Tokens   int64           `json:"tokens"`
	Cost     decimal.Decimal `json:"cost"`
}

// GetDailyUsage lists a principal's daily totals. from and to default to
// the last 30 days.
func (h *adminHandler) GetDailyUsage(w http.ResponseWriter, r *http.Request) {
	principalID := chi.URLParam(r, "principalID")
	q := r.URL.Query()

	from, err := parseTimeParam(q.Get("from"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid 'from' time format, use RFC3339 or YYYY-MM-DD")
		return
	}
	to, err := parseTimeParam(q.Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid 'to' time format, use RFC3339 or YYYY-MM-DD")
		return
	}
	if to.IsZero() {
		to = h.now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, "bad_request", "'from' must not be after 'to'")
		return
	}
	if to.Sub(from) > maxUsageRange {
		writeError(w, http.StatusBadRequest, "bad_request", "range must not exceed 366 days")
		return
	}

	days, err := h.usage.ListDaily(r.Context(), principalID, from, to)
	if err != nil {
		slog.Error("listing daily usage", "principal_id", principalID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
		return
	}
	if days == nil {
		days = []metering.DailyTotals{}
	}

	resp := dailyUsageResponse{
		PrincipalID: principalID,
		From:        metering.DayOf(from).Format(time.DateOnly),
		To:          metering.DayOf(to).Format(time.DateOnly),
		Days:        days,
	}
	for _, d := range days {
		resp.Totals.Messages += d.TotalMessages
		resp.Totals.Requests += d.TotalRequests
		resp.Totals.Tokens += d.TotalTokens
		resp.Totals.Cost = resp.Totals.Cost.Add(d.TotalCost)
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseTimeParam parses a query time as RFC3339 or as a bare date.
// An empty string yields the zero time.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}
