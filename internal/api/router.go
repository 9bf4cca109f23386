package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/jerkytreats/lmserver/internal/relay"
)

// NewRouter builds the /v1 API router. Named routes take precedence over
// the generic backend passthrough.
func NewRouter(rel *relay.Relay) chi.Router {
	r := chi.NewRouter()
	r.Post("/chat/completions", ChatCompletionsHandler(rel))
	r.Get("/models", ListModelsHandler(rel))
	r.Get("/queue/status", QueueStatusHandler(rel))
	r.Get("/*", PassthroughHandler(rel))
	r.Post("/*", PassthroughHandler(rel))
	return r
}
