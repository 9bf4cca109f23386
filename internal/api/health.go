package api

import (
	"encoding/json"
	"net/http"

	"github.com/jerkytreats/lmserver/internal/relay"
)

// HealthHandler handles GET /health. Backend failures show up as a
// degraded backend block, never as an error status.
func HealthHandler(rel *relay.Relay, maxConcurrent int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"status":  "ok",
			"backend": rel.HealthCheck(r.Context()),
			"config": map[string]interface{}{
				"max_concurrent_requests": maxConcurrent,
				"default_model":           rel.DefaultModel(),
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// RootHandler handles GET / with service info and the endpoint map.
func RootHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]interface{}{
			"service": "lmserver",
			"version": version,
			"endpoints": map[string]string{
				"chat_completions": "/v1/chat/completions",
				"models":           "/v1/models",
				"health":           "/health",
				"queue_status":     "/v1/queue/status",
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
