package ratelimit

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	"github.com/alecgard/tithe/internal/auth"
)

// RejectRecorder counts rejected requests.
type RejectRecorder interface {
	IncRateLimitRejection()
}

// Middleware enforces limiter per authenticated principal (set by
// auth.PrincipalMiddleware). Requests without a principal pass through.
//
// Rate-limit headers are set on every limited response:
//
//	X-RateLimit-Limit     maximum requests per window
//	X-RateLimit-Remaining tokens left
//	X-RateLimit-Reset     Unix time at which the bucket is full again
//
// Exceeding the limit yields 429 with a JSON error body. rec may be nil.
func Middleware(limiter *Limiter, rec RejectRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := auth.PrincipalFromContext(r.Context())
			if p == nil {
				next.ServeHTTP(w, r)
				return
			}

			d := limiter.Take(p.ID)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				if rec != nil {
					rec.IncRateLimitRejection()
				}
				retryAfter := max(int64(math.Ceil(d.RetryAfter.Seconds())), 1)
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error": map[string]string{
						"code":    "rate_limited",
						"message": "Rate limit exceeded. Try again later.",
					},
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
