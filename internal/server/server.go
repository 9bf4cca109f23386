package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jerkytreats/lmserver/internal/api"
	"github.com/jerkytreats/lmserver/internal/config"
	"github.com/jerkytreats/lmserver/internal/relay"
)

// New constructs the HTTP handler for the gateway.
func New(cfg config.Config, rel *relay.Relay, version string) http.Handler {
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range api.MiddlewareChain() {
		r.Use(m)
	}

	r.Get("/", api.RootHandler(version))
	r.Get("/health", api.HealthHandler(rel, cfg.MaxConcurrentRequests))
	r.Mount("/v1", api.NewRouter(rel))
	r.Handle("/metrics", promhttp.Handler())

	return r
}
