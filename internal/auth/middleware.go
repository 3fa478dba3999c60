package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type contextKey int

const principalContextKey contextKey = iota

// FailureRecorder counts rejected credentials by scheme.
type FailureRecorder interface {
	IncAuthFailure(scheme string)
}

// ContextWithPrincipal returns a new context carrying the given principal.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// PrincipalFromContext extracts the principal from the context, or nil if not present.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey).(*Principal)
	return p
}

// SharedSecretMiddleware admits only callers presenting the runtime's shared
// secret as a bearer token. It runs before any agent resolution.
func SharedSecretMiddleware(secret string, rec FailureRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" || !SecretsEqual(token, secret) {
				countFailure(rec, "shared_secret")
				writeUnauthorized(w, "invalid or missing credentials")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminKeyMiddleware accepts the admin key in X-Admin-Key or as a bearer token.
// With no key configured the admin API is disabled.
func AdminKeyMiddleware(adminKey string, rec FailureRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" {
				writeForbidden(w, "admin API is disabled")
				return
			}
			key := r.Header.Get("X-Admin-Key")
			if key == "" {
				key = extractBearerToken(r)
			}
			if !SecretsEqual(key, adminKey) {
				countFailure(rec, "admin")
				writeUnauthorized(w, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalMiddleware authenticates end users by JWT. Browsers cannot set
// headers on a WebSocket upgrade, so a token query parameter is accepted too.
func PrincipalMiddleware(v *Verifier, rec FailureRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractBearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if token == "" {
				countFailure(rec, "jwt")
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}

			p, err := v.Verify(token)
			if err != nil {
				countFailure(rec, "jwt")
				writeUnauthorized(w, err.Error())
				return
			}

			ctx := ContextWithPrincipal(r.Context(), p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func countFailure(rec FailureRecorder, scheme string) {
	if rec != nil {
		rec.IncAuthFailure(scheme)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}

func writeForbidden(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "forbidden",
			Message: message,
		},
	})
}
