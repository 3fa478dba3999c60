package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/tithe/internal/budget"
	"github.com/alecgard/tithe/internal/identity"
	"github.com/alecgard/tithe/internal/metering"
	"github.com/alecgard/tithe/internal/metrics"
)

const testAdminKey = "admin-key"

// --- fakes ---

type fakeIdentities struct {
	mu          sync.Mutex
	records     map[string]*identity.Record
	credentials map[string]string
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{records: map[string]*identity.Record{}, credentials: map[string]string{}}
}

func (f *fakeIdentities) Lookup(_ context.Context, agentID string) (*identity.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[agentID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeIdentities) Create(_ context.Context, in identity.CreateInput) (*identity.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[in.AgentID]; ok {
		return nil, identity.ErrAlreadyExists
	}
	now := time.Now()
	r := &identity.Record{AgentID: in.AgentID, PrincipalID: in.PrincipalID, CredentialRef: "sealed", Status: in.Status, CreatedAt: now, UpdatedAt: now}
	f.records[in.AgentID] = r
	f.credentials[in.AgentID] = in.Credential
	cp := *r
	return &cp, nil
}

func (f *fakeIdentities) SetStatus(_ context.Context, agentID string, to identity.Status) (*identity.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[agentID]
	if !ok {
		return nil, identity.ErrNotFound
	}
	if !identity.CanTransition(r.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", identity.ErrBadTransition, r.Status, to)
	}
	r.Status = to
	cp := *r
	return &cp, nil
}

func (f *fakeIdentities) RotateCredential(_ context.Context, agentID, credential string) (*identity.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[agentID]
	if !ok || r.Status == identity.StatusRevoked {
		return nil, identity.ErrNotFound
	}
	f.credentials[agentID] = credential
	cp := *r
	return &cp, nil
}

type fakeCache struct{ dropped []string }

func (f *fakeCache) Invalidate(agentID string) { f.dropped = append(f.dropped, agentID) }

type fakeBus struct {
	err       error
	published []string
}

func (f *fakeBus) Publish(_ context.Context, agentID string) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, agentID)
	return nil
}

func (f *fakeBus) Listen(ctx context.Context, _ func(string)) error {
	<-ctx.Done()
	return nil
}

type fakeBudgets struct {
	budgets  map[string]budget.Budget
	consumed decimal.Decimal
}

func (f *fakeBudgets) Set(_ context.Context, b budget.Budget) error {
	f.budgets[b.PrincipalID] = b
	return nil
}

func (f *fakeBudgets) Delete(_ context.Context, principalID string) error {
	delete(f.budgets, principalID)
	return nil
}

func (f *fakeBudgets) Snapshot(_ context.Context, principalID string, now time.Time) (*budget.Snapshot, error) {
	b, ok := f.budgets[principalID]
	if !ok {
		start, end := budget.PeriodDaily.Bounds(now)
		return &budget.Snapshot{PrincipalID: principalID, Unlimited: true, Period: budget.PeriodDaily, PeriodStart: start, PeriodEnd: end}, nil
	}
	start, end := b.Period.Bounds(now)
	return &budget.Snapshot{PrincipalID: principalID, Limit: b.Limit, Period: b.Period, PeriodStart: start, PeriodEnd: end, Consumed: f.consumed}, nil
}

type fakeGate struct{ refreshed []string }

func (f *fakeGate) Refresh(_ context.Context, principalID string) {
	f.refreshed = append(f.refreshed, principalID)
}

type fakeUsage struct {
	records  map[string]*metering.Record
	days     []metering.DailyTotals
	from, to time.Time
}

func (f *fakeUsage) GetRecord(_ context.Context, requestID string) (*metering.Record, error) {
	r, ok := f.records[requestID]
	if !ok {
		return nil, metering.ErrRecordNotFound
	}
	return r, nil
}

func (f *fakeUsage) ListDaily(_ context.Context, _ string, from, to time.Time) ([]metering.DailyTotals, error) {
	f.from, f.to = from, to
	return f.days, nil
}

type adminFixture struct {
	handler    http.Handler
	identities *fakeIdentities
	cache      *fakeCache
	bus        *fakeBus
	budgets    *fakeBudgets
	gate       *fakeGate
	usage      *fakeUsage
	metrics    *metrics.Metrics
}

func newAdminFixture() *adminFixture {
	f := &adminFixture{
		identities: newFakeIdentities(),
		cache:      &fakeCache{},
		bus:        &fakeBus{},
		budgets:    &fakeBudgets{budgets: map[string]budget.Budget{}, consumed: decimal.RequireFromString("3")},
		gate:       &fakeGate{},
		usage:      &fakeUsage{records: map[string]*metering.Record{}},
		metrics:    metrics.New(),
	}
	f.handler = NewRouter(RouterDeps{
		AdminKey:      testAdminKey,
		Identities:    f.identities,
		IdentityCache: f.cache,
		Invalidations: f.bus,
		Budgets:       f.budgets,
		BudgetGate:    f.gate,
		Usage:         f.usage,
		Metrics:       f.metrics,
	})
	return f
}

func (f *adminFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-Admin-Key", testAdminKey)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *adminFixture) seedAgent(agentID, principalID string, status identity.Status) {
	_, _ = f.identities.Create(context.Background(), identity.CreateInput{
		AgentID: agentID, PrincipalID: principalID, Credential: "sk-" + agentID, Status: status,
	})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return body
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	if err := json.NewDecoder(rec.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode error envelope: %v", err)
	}
	return env.Error.Code
}

// --- tests ---

func TestAdmin_RequiresKey(t *testing.T) {
	f := newAdminFixture()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/agents/a1", nil)
	req.Header.Set("X-Admin-Key", "wrong")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong key: expected 401, got %d", rec.Code)
	}

	// The key is also accepted as a bearer token.
	f.seedAgent("a1", "u1", identity.StatusActive)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/agents/a1", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer key: expected 200, got %d", rec.Code)
	}

	s, err := f.metrics.Summarize()
	if err != nil {
		t.Fatal(err)
	}
	if s.Auth.Rejections != 1 {
		t.Errorf("auth rejections = %v, want 1", s.Auth.Rejections)
	}
}

func TestAdmin_DisabledWithoutKey(t *testing.T) {
	handler := NewRouter(RouterDeps{Identities: newFakeIdentities(), IdentityCache: &fakeCache{}})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/agents/a1", nil)
	req.Header.Set("X-Admin-Key", "")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with no admin key configured, got %d", rec.Code)
	}
}

func TestAdmin_CreateAgent(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"defaults to provisioning", `{"agent_id":"a1","principal_id":"u1","credential":"sk-secret"}`, http.StatusCreated, ""},
		{"explicit status", `{"agent_id":"a2","principal_id":"u2","credential":"sk-secret","status":"active"}`, http.StatusCreated, ""},
		{"duplicate", `{"agent_id":"taken","principal_id":"u1","credential":"sk-secret"}`, http.StatusConflict, "conflict"},
		{"missing credential", `{"agent_id":"a3","principal_id":"u3"}`, http.StatusUnprocessableEntity, "validation_error"},
		{"blank agent id", `{"agent_id":"  ","principal_id":"u3","credential":"sk"}`, http.StatusUnprocessableEntity, "validation_error"},
		{"unknown status", `{"agent_id":"a4","principal_id":"u4","credential":"sk","status":"paused"}`, http.StatusUnprocessableEntity, "validation_error"},
		{"malformed json", `{"agent_id":`, http.StatusBadRequest, "bad_request"},
		{"unknown field", `{"agent_id":"a5","principal_id":"u5","credential":"sk","owner":"x"}`, http.StatusBadRequest, "bad_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAdminFixture()
			f.seedAgent("taken", "u0", identity.StatusActive)

			rec := f.do(http.MethodPost, "/api/v1/admin/agents", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if tt.wantErr != "" {
				if code := errorCode(t, rec); code != tt.wantErr {
					t.Errorf("error code: got %q, want %q", code, tt.wantErr)
				}
				return
			}
			if strings.Contains(rec.Body.String(), "sk-secret") || strings.Contains(rec.Body.String(), "sealed") {
				t.Errorf("response leaks the credential: %s", rec.Body.String())
			}
		})
	}

	f := newAdminFixture()
	rec := f.do(http.MethodPost, "/api/v1/admin/agents", `{"agent_id":"a1","principal_id":"u1","credential":"sk-secret"}`)
	body := decodeBody(t, rec)
	if body["status"] != string(identity.StatusProvisioning) {
		t.Errorf("status: got %v, want provisioning", body["status"])
	}
	if f.identities.credentials["a1"] != "sk-secret" {
		t.Errorf("credential not stored")
	}
}

func TestAdmin_GetAgent(t *testing.T) {
	f := newAdminFixture()
	f.seedAgent("a1", "u1", identity.StatusActive)

	rec := f.do(http.MethodGet, "/api/v1/admin/agents/a1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["principal_id"] != "u1" || body["status"] != "active" {
		t.Errorf("unexpected body %v", body)
	}
	if _, ok := body["credential_ref"]; ok {
		t.Error("credential_ref must not be serialized")
	}

	rec = f.do(http.MethodGet, "/api/v1/admin/agents/a404", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if code := errorCode(t, rec); code != "not_found" {
		t.Errorf("error code: got %q", code)
	}
}

func TestAdmin_SetAgentStatus(t *testing.T) {
	tests := []struct {
		name     string
		agent    string
		body     string
		wantCode int
		wantErr  string
	}{
		{"activate", "a1", `{"status":"active"}`, http.StatusOK, ""},
		{"back to provisioning", "a2", `{"status":"provisioning"}`, http.StatusConflict, "invalid_transition"},
		{"revoked is final", "a3", `{"status":"active"}`, http.StatusConflict, "invalid_transition"},
		{"unknown agent", "a404", `{"status":"suspended"}`, http.StatusNotFound, "not_found"},
		{"invalid status", "a1", `{"status":"frozen"}`, http.StatusUnprocessableEntity, "validation_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAdminFixture()
			f.seedAgent("a1", "u1", identity.StatusProvisioning)
			f.seedAgent("a2", "u2", identity.StatusActive)
			f.seedAgent("a3", "u3", identity.StatusRevoked)

			rec := f.do(http.MethodPut, "/api/v1/admin/agents/"+tt.agent+"/status", tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			if tt.wantErr != "" {
				if code := errorCode(t, rec); code != tt.wantErr {
					t.Errorf("error code: got %q, want %q", code, tt.wantErr)
				}
				if len(f.cache.dropped) != 0 {
					t.Errorf("cache dropped on failure: %v", f.cache.dropped)
				}
				return
			}
			if len(f.cache.dropped) != 1 || f.cache.dropped[0] != tt.agent {
				t.Errorf("expected %s to be dropped from the cache, got %v", tt.agent, f.cache.dropped)
			}
		})
	}
}

func TestAdmin_RotateCredential(t *testing.T) {
	f := newAdminFixture()
	f.seedAgent("a1", "u1", identity.StatusActive)

	rec := f.do(http.MethodPut, "/api/v1/admin/agents/a1/credential", `{"credential":"sk-new"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.identities.credentials["a1"] != "sk-new" {
		t.Errorf("credential not rotated")
	}
	if strings.Contains(rec.Body.String(), "sk-new") {
		t.Error("response leaks the new credential")
	}
	if len(f.cache.dropped) != 1 {
		t.Errorf("expected one cache drop, got %v", f.cache.dropped)
	}

	if rec := f.do(http.MethodPut, "/api/v1/admin/agents/a1/credential", `{"credential":""}`); rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("empty credential: expected 422, got %d", rec.Code)
	}
	if rec := f.do(http.MethodPut, "/api/v1/admin/agents/a404/credential", `{"credential":"sk"}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent: expected 404, got %d", rec.Code)
	}
}

func TestAdmin_InvalidateAgent(t *testing.T) {
	f := newAdminFixture()

	rec := f.do(http.MethodPost, "/api/v1/admin/agents/a1/invalidate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["published"] != true {
		t.Errorf("expected published=true, got %v", body["published"])
	}
	if len(f.bus.published) != 1 || len(f.cache.dropped) != 1 {
		t.Errorf("published %v, dropped %v", f.bus.published, f.cache.dropped)
	}

	// A failed publish still drops the local entry.
	f.bus.err = errors.New("redis down")
	rec = f.do(http.MethodPost, "/api/v1/admin/agents/a1/invalidate", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["published"] != false {
		t.Errorf("expected published=false, got %v", body["published"])
	}
	if len(f.cache.dropped) != 2 {
		t.Errorf("expected local drop despite bus failure, got %v", f.cache.dropped)
	}
}

func TestAdmin_Budget(t *testing.T) {
	f := newAdminFixture()

	rec := f.do(http.MethodPut, "/api/v1/admin/principals/u1/budget", `{"limit":"10.50","period":"daily"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["remaining"] != "7.5" {
		t.Errorf("remaining: got %v, want 7.5", body["remaining"])
	}
	if body["period"] != "daily" {
		t.Errorf("period: got %v", body["period"])
	}
	if len(f.gate.refreshed) != 1 || f.gate.refreshed[0] != "u1" {
		t.Errorf("expected gate refresh for u1, got %v", f.gate.refreshed)
	}

	// Period defaults to monthly.
	f.do(http.MethodPut, "/api/v1/admin/principals/u2/budget", `{"limit":"0"}`)
	if got := f.budgets.budgets["u2"].Period; got != budget.PeriodMonthly {
		t.Errorf("default period: got %q", got)
	}

	rec = f.do(http.MethodGet, "/api/v1/admin/principals/u9/budget", "")
	body = decodeBody(t, rec)
	if body["unlimited"] != true {
		t.Errorf("expected unlimited budget, got %v", body)
	}
	if _, ok := body["remaining"]; ok {
		t.Error("unlimited budget should not report remaining")
	}

	for _, bad := range []string{`{"limit":"-1"}`, `{"limit":"ten"}`, `{"limit":"5","period":"weekly"}`} {
		if rec := f.do(http.MethodPut, "/api/v1/admin/principals/u1/budget", bad); rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("%s: expected 422, got %d", bad, rec.Code)
		}
	}

	rec = f.do(http.MethodDelete, "/api/v1/admin/principals/u1/budget", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if _, ok := f.budgets.budgets["u1"]; ok {
		t.Error("budget not deleted")
	}
	if n := len(f.gate.refreshed); n != 3 {
		t.Errorf("expected 3 gate refreshes, got %d", n)
	}
}

func TestAdmin_GetUsageRecord(t *testing.T) {
	f := newAdminFixture()
	f.usage.records["r1"] = &metering.Record{RequestID: "r1", PrincipalID: "u1", TotalTokens: 42, Cost: decimal.RequireFromString("0.002")}

	rec := f.do(http.MethodGet, "/api/v1/admin/usage/records/r1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["total_tokens"] != float64(42) || body["cost"] != "0.002" {
		t.Errorf("unexpected record %v", body)
	}

	rec = f.do(http.MethodGet, "/api/v1/admin/usage/records/r2", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestAdmin_GetDailyUsage(t *testing.T) {
	f := newAdminFixture()
	day := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	f.usage.days = []metering.DailyTotals{
		{PrincipalID: "u1", Day: day.AddDate(0, 0, 1), TotalMessages: 2, TotalRequests: 3, TotalTokens: 100, TotalCost: decimal.RequireFromString("0.25")},
		{PrincipalID: "u1", Day: day, TotalMessages: 4, TotalRequests: 1, TotalTokens: 50, TotalCost: decimal.RequireFromString("0.5")},
	}

	rec := f.do(http.MethodGet, "/api/v1/admin/principals/u1/usage?from=2024-06-15&to=2024-06-16T12:00:00Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp dailyUsageResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.From != "2024-06-15" || resp.To != "2024-06-16" {
		t.Errorf("range: got %s..%s", resp.From, resp.To)
	}
	if resp.Totals.Messages != 6 || resp.Totals.Requests != 4 || resp.Totals.Tokens != 150 {
		t.Errorf("unexpected totals %+v", resp.Totals)
	}
	if !resp.Totals.Cost.Equal(decimal.RequireFromString("0.75")) {
		t.Errorf("cost: got %s", resp.Totals.Cost)
	}

	// Without bounds the last 30 days are listed.
	f.usage.days = nil
	rec = f.do(http.MethodGet, "/api/v1/admin/principals/u1/usage", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := f.usage.to.Sub(f.usage.from); got != 30*24*time.Hour {
		t.Errorf("default range: got %v", got)
	}
	if !strings.Contains(rec.Body.String(), `"days":[]`) {
		t.Errorf("expected empty days array, got %s", rec.Body.String())
	}

	for _, q := range []string{"?from=yesterday", "?to=2024-13-01", "?from=2024-06-16&to=2024-06-15", "?from=2020-01-01&to=2024-01-01"} {
		if rec := f.do(http.MethodGet, "/api/v1/admin/principals/u1/usage"+q, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestAdmin_MetricsSummary(t *testing.T) {
	f := newAdminFixture()
	f.metrics.IncChatTurn("COMPLETED")

	rec := f.do(http.MethodGet, "/api/v1/admin/metrics/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var s metrics.Summary
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.Chat.Completed != 1 {
		t.Errorf("chat completed = %v, want 1", s.Chat.Completed)
	}
}
