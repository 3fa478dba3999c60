package api

import "net/http"

// wellKnownManifest is the static JSON manifest for /.well-known/tithe.json.
// Agent runtimes read it to find the model endpoint they should be pointed at.
const wellKnownManifest = `{
  "name": "tithe",
  "description": "Per-agent credential mediation proxy for model calls",
  "version": "0.1.0",
  "api_base": "/api/v1",
  "model_endpoint": {
    "base_url": "/api/v1/llm-proxy/{agent_id}",
    "routes": ["/chat/completions", "/embeddings", "/test"],
    "auth": {"type": "bearer", "header": "Authorization", "credential": "shared_secret"}
  },
  "chat": {
    "message": "/api/v1/chat/message",
    "stream": "/api/v1/chat/stream",
    "websocket": "/api/v1/chat/ws",
    "auth": {"type": "bearer", "header": "Authorization", "credential": "jwt"}
  },
  "health": "/health",
  "metrics": "/metrics"
}`

// WellKnownHandler returns the static tithe manifest.
func WellKnownHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(wellKnownManifest))
}
