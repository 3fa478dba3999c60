package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/alecgard/tithe/internal/auth"
	"github.com/alecgard/tithe/internal/identity"
	"github.com/alecgard/tithe/internal/metrics"
)

// Mountable is a handler group that exposes its own sub-router.
type Mountable interface {
	Routes() chi.Router
}

// RouterDeps holds all dependencies for the API router. Nil optional
// dependencies disable their routes.
type RouterDeps struct {
	// Runtime-facing model proxy, authenticated with the shared secret.
	Proxy        Mountable
	SharedSecret string

	// Principal-facing chat, authenticated with a JWT.
	Chat     Mountable
	Verifier *auth.Verifier

	// Admin API.
	AdminKey      string
	Identities    IdentityAdmin
	IdentityCache CacheInvalidator
	Invalidations identity.Invalidator
	Budgets       BudgetAdmin
	BudgetGate    BudgetRefresher
	Usage         UsageQueries

	// Health and observability.
	DB             Pinger
	Gateway        Pinger
	Runtime        Pinger
	Metrics        *metrics.Metrics
	AllowedOrigins []string
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(slogRequestLogger)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))

	// A nil *Metrics must not become a non-nil interface holding nil.
	var failures auth.FailureRecorder
	if deps.Metrics != nil {
		failures = deps.Metrics
	}
	instrument := func(kind string) func(http.Handler) http.Handler {
		if deps.Metrics == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return deps.Metrics.HTTPMiddleware(kind)
	}

	r.Get("/health", healthHandler(deps.DB, deps.Gateway, deps.Runtime))
	r.Get("/.well-known/tithe.json", WellKnownHandler)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Exposition())
	}

	if deps.Proxy != nil {
		r.Route("/api/v1/llm-proxy", func(pr chi.Router) {
			pr.Use(instrument("proxy"))
			pr.Use(auth.SharedSecretMiddleware(deps.SharedSecret, failures))
			pr.Mount("/", deps.Proxy.Routes())
		})
	}

	if deps.Chat != nil && deps.Verifier != nil {
		r.Route("/api/v1/chat", func(cr chi.Router) {
			cr.Use(instrument("api"))
			cr.Use(auth.PrincipalMiddleware(deps.Verifier, failures))
			cr.Mount("/", deps.Chat.Routes())
		})
	}

	if deps.Identities != nil {
		admin := newAdminHandler(deps)
		r.Route("/api/v1/admin", func(ar chi.Router) {
			ar.Use(instrument("api"))
			ar.Use(auth.AdminKeyMiddleware(deps.AdminKey, failures))

			ar.Post("/agents", admin.CreateAgent)
			ar.Get("/agents/{agentID}", admin.GetAgent)
			ar.Put("/agents/{agentID}/status", admin.SetAgentStatus)
			ar.Put("/agents/{agentID}/credential", admin.RotateCredential)
			ar.Post("/agents/{agentID}/invalidate", admin.InvalidateAgent)

			if deps.Budgets != nil {
				ar.Get("/principals/{principalID}/budget", admin.GetBudget)
				ar.Put("/principals/{principalID}/budget", admin.SetBudget)
				ar.Delete("/principals/{principalID}/budget", admin.DeleteBudget)
			}
			if deps.Usage != nil {
				ar.Get("/principals/{principalID}/usage", admin.GetDailyUsage)
				ar.Get("/usage/records/{requestID}", admin.GetUsageRecord)
			}
			if deps.Metrics != nil {
				ar.Get("/metrics/summary", deps.Metrics.Handler())
			}
		})
	}

	return r
}
