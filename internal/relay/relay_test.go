package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jerkytreats/lmserver/internal/gate"
)

func newTestRelay(backendURL string, capacity int, timeout time.Duration) *Relay {
	return New(backendURL, gate.New(capacity), timeout, "gpt-oss-20b")
}

func TestChatCompletionSuccess(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("X-Request-Id") == "" {
			t.Error("missing X-Request-Id")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cmpl-1","choices":[]}`))
	}))
	defer backend.Close()

	rel := newTestRelay(backend.URL, 2, time.Second)
	payload, err := rel.ChatCompletion(context.Background(), []byte(`{"model":"m","messages":[]}`))
	if err != nil {
		t.Fatalf("chat completion: %v", err)
	}
	if string(payload) != `{"id":"cmpl-1","choices":[]}` {
		t.Fatalf("payload not passed through verbatim: %s", payload)
	}
	if avail, capacity := rel.Gate().Inspect(); avail != capacity {
		t.Fatalf("permit leaked: %d/%d", avail, capacity)
	}
}

func TestChatCompletionBackendError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"oom"}`))
	}))
	defer backend.Close()

	rel := newTestRelay(backend.URL, 1, time.Second)
	_, err := rel.ChatCompletion(context.Background(), []byte(`{}`))
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if be.Status != http.StatusInternalServerError {
		t.Fatalf("status: got %d", be.Status)
	}
	if string(be.Body) != `{"error":"oom"}` {
		t.Fatalf("body: got %s", be.Body)
	}

	// The permit must have been released despite the error.
	if avail, _ := rel.Gate().Inspect(); avail != 1 {
		t.Fatalf("permit not released after backend error: available=%d", avail)
	}
}

func TestChatCompletionBackendUnavailable(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close() // nothing listening anymore

	rel := newTestRelay(backend.URL, 1, time.Second)
	_, err := rel.ChatCompletion(context.Background(), []byte(`{}`))
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
	if avail, _ := rel.Gate().Inspect(); avail != 1 {
		t.Fatalf("permit not released: available=%d", avail)
	}
}

func TestChatCompletionConcurrencyBound(t *testing.T) {
	const delay = 100 * time.Millisecond
	var inFlight, peak atomic.Int32
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(delay)
		inFlight.Add(-1)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	rel := newTestRelay(backend.URL, 2, 5*time.Second)
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := rel.ChatCompletion(context.Background(), []byte(`{}`)); err != nil {
				t.Errorf("chat completion: %v", err)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if p := peak.Load(); p > 2 {
		t.Fatalf("backend saw %d concurrent calls, capacity is 2", p)
	}
	if elapsed < 2*delay {
		t.Fatalf("third call was not queued: elapsed %s < %s", elapsed, 2*delay)
	}
	if avail, _ := rel.Gate().Inspect(); avail != 2 {
		t.Fatalf("permits not returned: available=%d", avail)
	}
}

func TestChatCompletionCancelledWhileQueued(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{}`))
	}))
	defer backend.Close()

	rel := newTestRelay(backend.URL, 1, 5*time.Second)
	go func() {
		_, _ = rel.ChatCompletion(context.Background(), []byte(`{}`))
	}()
	// Wait for the first call to occupy the only permit.
	waitFor(t, func() bool { avail, _ := rel.Gate().Inspect(); return avail == 0 })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := rel.ChatCompletion(ctx, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error from cancelled queued call")
	}
	close(release)

	waitFor(t, func() bool { avail, _ := rel.Gate().Inspect(); return avail == 1 })
}

func TestStreamHoldsPermitForFullDuration(t *testing.T) {
	finish := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		_, _ = io.WriteString(w, "data: {\"delta\":\"a\"}\n\n")
		fl.Flush()
		<-finish
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		fl.Flush()
	}))
	defer backend.Close()

	rel := newTestRelay(backend.URL, 1, 5*time.Second)
	stream, err := rel.ChatCompletionStream(context.Background(), []byte(`{"stream":true}`))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}

	buf := make([]byte, 64)
	if _, err := stream.Read(buf); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}

	// Stream is mid-flight: the permit must still be held.
	if avail, _ := rel.Gate().Inspect(); avail != 0 {
		t.Fatalf("permit released before stream ended: available=%d", avail)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := rel.ChatCompletion(ctx, []byte(`{}`)); err == nil {
		t.Fatal("second call admitted while stream holds the only permit")
	}

	close(finish)
	if _, err := io.Copy(io.Discard, stream); err != nil {
		t.Fatalf("drain stream: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("close stream: %v", err)
	}
	if avail, _ := rel.Gate().Inspect(); avail != 1 {
		t.Fatalf("permit not released after stream end: available=%d", avail)
	}
}

func TestStreamEarlyCloseReleasesPermit(t *testing.T) {
	backendGone := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(backendGone)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fl := w.(http.Flusher)
		for {
			if _, err := io.WriteString(w, "data: {\"delta\":\"x\"}\n\n"); err != nil {
				return
			}
			fl.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer backend.Close()

	rel := newTestRelay(backend.URL, 1, 5*time.Second)
	stream, err := rel.ChatCompletionStream(context.Background(), []byte(`{"stream":true}`))
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	buf := make([]byte, 64)
	if _, err := stream.Read(buf); err != nil {
		t.Fatalf("read: %v", err)
	}

	// Consumer walks away mid-stream.
	if err := stream.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	_ = stream.Close() // double close must be harmless

	if avail, _ := rel.Gate().Inspect(); avail != 1 {
		t.Fatalf("permit not released on early close: available=%d", avail)
	}
	select {
	case <-backendGone:
	case <-time.After(2 * time.Second):
		t.Fatal("backend handler still running; connection not torn down")
	}
}

func TestChatCompletionStreamBackendError(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"loading model"}`))
	}))
	defer backend.Close()

	rel := newTestRelay(backend.URL, 1, time.Second)
	_, err := rel.ChatCompletionStream(context.Background(), []byte(`{"stream":true}`))
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected BackendError, got %v", err)
	}
	if be.Status != http.StatusServiceUnavailable {
		t.Fatalf("status: got %d", be.Status)
	}
	if avail, _ := rel.Gate().Inspect(); avail != 1 {
		t.Fatalf("permit not released: available=%d", avail)
	}
}

func TestListModelsPassesThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"llama-3-8b"}]}`))
	}))
	defer backend.Close()

	rel := newTestRelay(backend.URL, 1, time.Second)
	payload := rel.ListModels(context.Background())
	if !strings.Contains(string(payload), "llama-3-8b") {
		t.Fatalf("payload: %s", payload)
	}
}

func TestListModelsFallback(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close()

	rel := newTestRelay(backend.URL, 1, time.Second)
	payload := rel.ListModels(context.Background())
	var resp struct {
		Object string `json:"object"`
		Data   []struct {
			ID      string `json:"id"`
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.Fatalf("unmarshal fallback: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != "gpt-oss-20b" {
		t.Fatalf("fallback payload: %s", payload)
	}
	if resp.Data[0].OwnedBy != "local" {
		t.Fatalf("owned_by: %s", resp.Data[0].OwnedBy)
	}
}

func TestHealthCheckDegraded(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	backend.Close()

	rel := newTestRelay(backend.URL, 1, time.Second)
	payload := rel.HealthCheck(context.Background())
	if payload["status"] != "error" {
		t.Fatalf("expected degraded status, got %v", payload["status"])
	}
}

func TestHealthCheckOK(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer backend.Close()

	rel := newTestRelay(backend.URL, 1, time.Second)
	payload := rel.HealthCheck(context.Background())
	if payload["status"] != "ok" {
		t.Fatalf("expected ok, got %v", payload["status"])
	}
}

func TestDoRelaysBackendStatus(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer backend.Close()

	rel := newTestRelay(backend.URL, 1, time.Second)
	status, payload, err := rel.Do(context.Background(), http.MethodPost, "/v1/embeddings", []byte(`{}`))
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	if status != http.StatusTeapot {
		t.Fatalf("status: got %d", status)
	}
	if string(payload) != `{"error":"nope"}` {
		t.Fatalf("payload: %s", payload)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
