// Package relay issues HTTP calls to the inference backend. Chat
// completion calls pass through the admission gate; health and model
// listing are advisory probes that never fail the caller.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jerkytreats/lmserver/internal/gate"
	"github.com/jerkytreats/lmserver/internal/logx"
	"github.com/jerkytreats/lmserver/internal/metrics"
)

// probeTimeout bounds the advisory health and model-listing calls,
// independent of the configured request timeout.
const probeTimeout = 5 * time.Second

// queueLogThreshold is the wait above which admission delay is logged.
const queueLogThreshold = 100 * time.Millisecond

// ErrBackendUnavailable reports that the backend could not be reached.
var ErrBackendUnavailable = errors.New("backend unavailable")

// BackendError reports that the backend was reachable but answered with a
// non-success HTTP status.
type BackendError struct {
	Status int
	Body   []byte
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Body)
}

// Relay proxies requests to the llama-server backend behind an admission
// gate. It is safe for concurrent use.
type Relay struct {
	baseURL      string
	timeout      time.Duration
	defaultModel string
	gate         *gate.Gate
	httpClient   *http.Client
}

// New constructs a Relay for the given backend base URL. All chat
// completion calls share g; timeout applies to the whole backend call.
func New(baseURL string, g *gate.Gate, timeout time.Duration, defaultModel string) *Relay {
	return &Relay{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		timeout:      timeout,
		defaultModel: defaultModel,
		gate:         g,
		httpClient:   &http.Client{},
	}
}

// Gate exposes the admission gate for observability endpoints.
func (r *Relay) Gate() *gate.Gate { return r.gate }

// BaseURL returns the backend base URL.
func (r *Relay) BaseURL() string { return r.baseURL }

// DefaultModel returns the configured default model name.
func (r *Relay) DefaultModel() string { return r.defaultModel }

// HealthCheck probes the backend health endpoint. It never returns an
// error; network failures yield a degraded payload instead.
func (r *Relay) HealthCheck(ctx context.Context) map[string]interface{} {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/health", nil)
	if err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()
	var payload json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return map[string]interface{}{"status": "error", "error": err.Error()}
	}
	return map[string]interface{}{"status": "ok", "llama_server": payload}
}

// ChatCompletion proxies a unary chat completion call. The returned bytes
// are the backend's JSON payload verbatim.
func (r *Relay) ChatCompletion(ctx context.Context, body []byte) ([]byte, error) {
	done, err := r.admit(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	setProxyHeaders(req, requestID(ctx))
	resp, err := r.httpClient.Do(req)
	if err != nil {
		metrics.RecordBackendRequest("chat_completions", "unavailable")
		logx.Log.Error().Err(err).Msg("backend connection error")
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.RecordBackendRequest("chat_completions", "unavailable")
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		metrics.RecordBackendRequest("chat_completions", "backend_error")
		logx.Log.Error().Int("status", resp.StatusCode).Msg("backend error")
		return nil, &BackendError{Status: resp.StatusCode, Body: payload}
	}
	metrics.RecordBackendRequest("chat_completions", "success")
	metrics.ObserveRequestDuration("chat_completions", time.Since(start))
	logx.Log.Debug().Dur("duration", time.Since(start)).Msg("inference completed")
	return payload, nil
}

// ChatCompletionStream proxies a streaming chat completion call. The
// admission permit is acquired before the backend stream is opened and
// held until the returned Stream is closed; chunks pass through untouched.
func (r *Relay) ChatCompletionStream(ctx context.Context, body []byte) (*Stream, error) {
	done, err := r.admit(ctx)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		cancel()
		done()
		return nil, err
	}
	setProxyHeaders(req, requestID(ctx))
	req.Header.Set("Accept", "text/event-stream")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		cancel()
		done()
		metrics.RecordBackendRequest("chat_completions", "unavailable")
		logx.Log.Error().Err(err).Msg("backend stream connection error")
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		payload, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		done()
		metrics.RecordBackendRequest("chat_completions", "backend_error")
		logx.Log.Error().Int("status", resp.StatusCode).Msg("backend stream error")
		return nil, &BackendError{Status: resp.StatusCode, Body: payload}
	}
	metrics.RecordBackendRequest("chat_completions", "success")
	return &Stream{body: resp.Body, cancel: cancel, done: done}, nil
}

// ListModels fetches the backend's model listing. When the backend is
// unreachable it falls back to a single synthetic entry for the configured
// default model so discovery keeps working. It never returns an error.
func (r *Relay) ListModels(ctx context.Context) []byte {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/models", nil)
	if err != nil {
		return r.fallbackModels()
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return r.fallbackModels()
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return r.fallbackModels()
	}
	return payload
}

func (r *Relay) fallbackModels() []byte {
	type item struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	resp := struct {
		Object string `json:"object"`
		Data   []item `json:"data"`
	}{
		Object: "list",
		Data:   []item{{ID: r.defaultModel, Object: "model", OwnedBy: "local"}},
	}
	b, _ := json.Marshal(resp)
	return b
}

// Do forwards an arbitrary /v1 request to the backend verbatim with the
// configured request timeout. The backend's status is relayed as-is; only
// a transport failure is an error.
func (r *Relay) Do(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	setProxyHeaders(req, requestID(ctx))
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return resp.StatusCode, payload, nil
}

// admit takes a permit from the gate, records queue wait and in-flight
// accounting, and returns an exactly-once completion func.
func (r *Relay) admit(ctx context.Context) (func(), error) {
	start := time.Now()
	release, err := r.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	wait := time.Since(start)
	metrics.ObserveQueueWait(wait)
	if wait > queueLogThreshold {
		logx.Log.Info().Dur("queued", wait).Msg("request queued before admission")
	}
	metrics.IncInFlight()
	r.publishSlots()
	var once sync.Once
	return func() {
		once.Do(func() {
			release()
			metrics.DecInFlight()
			r.publishSlots()
		})
	}, nil
}

func (r *Relay) publishSlots() {
	avail, _ := r.gate.Inspect()
	metrics.SetSlotsAvailable(avail)
}

func setProxyHeaders(req *http.Request, id string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", id)
}

// requestID reuses the router's request id when present so backend logs
// correlate with gateway logs.
func requestID(ctx context.Context) string {
	if id := chiMiddleware.GetReqID(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}

// Stream is a single-pass, forward-only sequence of event-stream bytes
// from the backend. The admission permit stays held until Close; Close is
// safe to call more than once.
type Stream struct {
	body   io.ReadCloser
	cancel context.CancelFunc
	done   func()
	once   sync.Once
}

// Read pulls the next chunk of bytes from the backend.
func (s *Stream) Read(p []byte) (int, error) { return s.body.Read(p) }

// Close tears down the backend connection and returns the permit.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.body.Close()
		s.cancel()
		s.done()
	})
	return err
}
