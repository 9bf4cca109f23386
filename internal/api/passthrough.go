package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jerkytreats/lmserver/internal/logx"
	"github.com/jerkytreats/lmserver/internal/relay"
)

// PassthroughHandler forwards any other /v1 endpoint (embeddings,
// completions, ...) to the backend's same path. The backend's status is
// relayed verbatim; only a transport failure maps to 502. Passthrough
// calls do not take an admission permit.
func PassthroughHandler(rel *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeValidationError(w, "unreadable request body")
			return
		}
		path := "/v1/" + chi.URLParam(r, "*")
		status, payload, err := rel.Do(r.Context(), r.Method, path, body)
		if err != nil {
			logx.Log.Error().Err(err).Str("path", path).Msg("passthrough error")
			writeBackendFailure(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if _, err := w.Write(payload); err != nil {
			logx.Log.Error().Err(err).Msg("write passthrough response")
		}
	}
}
