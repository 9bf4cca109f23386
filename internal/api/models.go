package api

import (
	"net/http"

	"github.com/jerkytreats/lmserver/internal/logx"
	"github.com/jerkytreats/lmserver/internal/relay"
)

// ListModelsHandler handles GET /v1/models. The relay falls back to a
// synthetic single-model listing when the backend is unreachable, so this
// endpoint always answers 200.
func ListModelsHandler(rel *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload := rel.ListModels(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(payload); err != nil {
			logx.Log.Error().Err(err).Msg("write models response")
		}
	}
}
