package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jerkytreats/lmserver/internal/logx"
	"github.com/jerkytreats/lmserver/internal/relay"
)

// ChatCompletionsHandler handles POST /v1/chat/completions, unary or
// streaming depending on the request's stream flag.
func ChatCompletionsHandler(rel *relay.Relay) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeValidationError(w, "unreadable request body")
			return
		}

		var req struct {
			Model    *string `json:"model"`
			Messages []struct {
				Role    string  `json:"role"`
				Content *string `json:"content"`
			} `json:"messages"`
			Stream bool `json:"stream"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeValidationError(w, "invalid JSON body")
			return
		}
		if len(req.Messages) == 0 {
			writeValidationError(w, "messages must be a non-empty array")
			return
		}
		for _, m := range req.Messages {
			if m.Role == "" {
				writeValidationError(w, "message role is required")
				return
			}
			if m.Content == nil {
				writeValidationError(w, "message content is required")
				return
			}
		}

		if req.Model == nil || *req.Model == "" {
			body, err = fillDefaultModel(body, rel.DefaultModel())
			if err != nil {
				writeValidationError(w, "invalid JSON body")
				return
			}
		}

		reqID := chiMiddleware.GetReqID(r.Context())
		if req.Stream {
			serveStream(w, r, rel, body, reqID)
			return
		}

		payload, err := rel.ChatCompletion(r.Context(), body)
		if err != nil {
			if clientGone(r.Context(), err) {
				logx.Log.Debug().Str("request_id", reqID).Msg("client disconnected while queued")
				return
			}
			logx.Log.Error().Err(err).Str("request_id", reqID).Msg("chat completion error")
			writeBackendFailure(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(payload); err != nil {
			logx.Log.Error().Err(err).Msg("write response")
		}
	}
}

func serveStream(w http.ResponseWriter, r *http.Request, rel *relay.Relay, body []byte, reqID string) {
	stream, err := rel.ChatCompletionStream(r.Context(), body)
	if err != nil {
		if clientGone(r.Context(), err) {
			logx.Log.Debug().Str("request_id", reqID).Msg("client disconnected while queued")
			return
		}
		logx.Log.Error().Err(err).Str("request_id", reqID).Msg("chat completion stream error")
		writeBackendFailure(w, err)
		return
	}
	defer func() { _ = stream.Close() }()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, 32*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF && r.Context().Err() == nil {
				logx.Log.Warn().Err(err).Str("request_id", reqID).Msg("backend stream interrupted")
			}
			return
		}
	}
}

// fillDefaultModel rewrites the body with the configured default model
// while preserving all other fields, recognized or not.
func fillDefaultModel(body []byte, model string) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, err
	}
	name, err := json.Marshal(model)
	if err != nil {
		return nil, err
	}
	m["model"] = name
	return json.Marshal(m)
}

// clientGone reports whether the error stems from the caller abandoning
// the request, in which case nothing can be written back.
func clientGone(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, context.Canceled)
}

func writeValidationError(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "validation_error", "detail": detail})
}

// writeBackendFailure maps relay errors to a 502 carrying the underlying
// cause, including the backend's status and body when it answered.
func writeBackendFailure(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	var be *relay.BackendError
	if errors.As(err, &be) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"error": "backend_error",
			"detail": map[string]interface{}{
				"status": be.Status,
				"body":   string(be.Body),
			},
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "backend_unavailable", "detail": err.Error()})
}
