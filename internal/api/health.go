package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

const healthTimeout = 3 * time.Second

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Gateway  string `json:"gateway,omitempty"`
	Runtime  string `json:"runtime,omitempty"`
}

// healthHandler answers 503 when the database is down. An unreachable
// gateway or runtime degrades the status without failing the check: the
// proxy still answers, with upstream errors.
func healthHandler(db, gateway, runtime Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp := healthResponse{Status: "ok", Database: "connected"}
		code := http.StatusOK

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				slog.Warn("health check: database unreachable", "error", err)
				resp.Status = "unavailable"
				resp.Database = "disconnected"
				code = http.StatusServiceUnavailable
			}
		}
		if gateway != nil {
			resp.Gateway = "reachable"
			if err := gateway.Ping(ctx); err != nil {
				slog.Warn("health check: gateway unreachable", "error", err)
				resp.Gateway = "unreachable"
				if code == http.StatusOK {
					resp.Status = "degraded"
				}
			}
		}
		if runtime != nil {
			resp.Runtime = "reachable"
			if err := runtime.Ping(ctx); err != nil {
				slog.Warn("health check: agent runtime unreachable", "error", err)
				resp.Runtime = "unreachable"
				if code == http.StatusOK {
					resp.Status = "degraded"
				}
			}
		}

		writeJSON(w, code, resp)
	}
}
