// Package api provides the HTTP ingest service for the CrossBridge observer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/crossbridge-io/crossbridge/internal/classifier"
	"github.com/crossbridge-io/crossbridge/internal/drift"
	"github.com/crossbridge-io/crossbridge/internal/event"
	"github.com/crossbridge-io/crossbridge/internal/explain"
	"github.com/crossbridge-io/crossbridge/internal/flaky"
	"github.com/crossbridge-io/crossbridge/internal/graph"
	"github.com/crossbridge-io/crossbridge/internal/metrics"
	"github.com/crossbridge-io/crossbridge/internal/pipeline"
	"github.com/crossbridge-io/crossbridge/internal/rules"
	"github.com/crossbridge-io/crossbridge/internal/signals"
	"github.com/crossbridge-io/crossbridge/internal/storage"
)

type (
	// stubEventStore collects persisted events for assertions.
	stubEventStore struct {
		mu     sync.Mutex
		events []*event.Event
	}

	// stubClassificationStore drops classifications; ingest tests only
	// exercise the HTTP contract, not the persistence path.
	stubClassificationStore struct{}

	// stubExplanationStore serves canned explanations by failure ID.
	stubExplanationStore struct {
		explanations map[string]*explain.Explanation
	}
)

func (s *stubEventStore) Store(_ context.Context, evt *event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, evt)

	return nil
}

func (s *stubClassificationStore) SaveClassification(
	_ context.Context, _ *classifier.Classification, _ *explain.Explanation,
) error {
	return nil
}

func (s *stubExplanationStore) GetExplanation(_ context.Context, failureID string) (*explain.Explanation, error) {
	exp, ok := s.explanations[failureID]
	if !ok {
		return nil, storage.ErrExplanationNotFound
	}

	return exp, nil
}

// newTestPipeline builds a pipeline backed entirely by in-memory stores.
// started=false leaves the workers off so queued events stay queued,
// which makes queue-full and saturation behavior deterministic.
func newTestPipeline(t *testing.T, cfg pipeline.Config, started bool) (*pipeline.Pipeline, *drift.MemorySignalStore, *flaky.Detector) {
	t.Helper()

	inline := map[string][]*rules.Rule{
		"pytest": {
			{ID: "PYT_1", MatchAny: []string{"AssertionError"}, FailureType: "PRODUCT_DEFECT", Confidence: 0.92, Priority: 10},
		},
	}
	registry := rules.NewRegistry(rules.NewLoader(t.TempDir(), inline, nil), nil, nil)

	signalStore := drift.NewMemorySignalStore()
	reporter := drift.NewReporter(signalStore, nil, nil)
	detector := flaky.NewDetector(flaky.NewMemoryHistoryStore(), reporter, nil)

	deps := pipeline.Deps{
		Events:          &stubEventStore{},
		Classifications: &stubClassificationStore{},
		Graph:           graph.NewUpdater(graph.NewMemoryStore(), reporter, nil),
		Extractor:       signals.DefaultPipeline(nil),
		Classifier:      classifier.New(registry, nil),
		Registry:        registry,
		Explainer:       explain.NewBuilder(nil),
		Detector:        detector,
		Monitor:         drift.NewMonitor(drift.NewMemoryMeasurementStore(), reporter, nil),
	}

	p := pipeline.New(cfg, deps, nil)
	if started {
		p.Start(context.Background())

		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_ = p.Shutdown(ctx)
		})
	}

	return p, signalStore, detector
}

// newTestServer builds a server with no auth and no rate limiting so
// handler behavior can be tested in isolation.
func newTestServer(t *testing.T, cfg *ServerConfig, deps Deps) *Server {
	t.Helper()

	if cfg == nil {
		cfg = &ServerConfig{
			Port:            defaultPort,
			Host:            "localhost",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			LogLevel:        slog.LevelError,
			MaxRequestSize:  defaultMaxRequestSize,
		}
	}

	return NewServer(cfg, deps)
}

func postEvent(server *Server, contentType string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/events", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	return rr
}

const validEventJSON = `{
	"event_type": "test_end",
	"framework": "pytest",
	"test_id": "tests/test_login.py::test_valid",
	"status": "passed",
	"duration_ms": 42
}`

func TestPostEvent_Accepted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := newTestPipeline(t, pipeline.Config{Workers: 2, Capacity: 100}, true)
	server := newTestServer(t, nil, Deps{Pipeline: p, Metrics: metrics.New()})

	rr := postEvent(server, "application/json", []byte(validEventJSON))

	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusAccepted, rr.Code, rr.Body.String())
	}

	var resp EventAccepted
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if _, err := uuid.Parse(resp.EventID); err != nil {
		t.Errorf("Expected event_id to be a UUID, got %q: %v", resp.EventID, err)
	}
}

func TestPostEvent_InvalidJSON(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := newTestPipeline(t, pipeline.Config{Workers: 2, Capacity: 100}, true)
	server := newTestServer(t, nil, Deps{Pipeline: p})

	rr := postEvent(server, "application/json", []byte(`{not json`))

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d. Body: %s", http.StatusBadRequest, rr.Code, rr.Body.String())
	}

	if ct := rr.Header().Get("Content-Type"); ct != contentTypeProblemJSON {
		t.Errorf("Expected Content-Type %q, got %q", contentTypeProblemJSON, ct)
	}
}

func TestPostEvent_ValidationFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := newTestPipeline(t, pipeline.Config{Workers: 2, Capacity: 100}, true)
	server := newTestServer(t, nil, Deps{Pipeline: p})

	tests := []struct {
		name string
		body string
	}{
		{"missing framework", `{"event_type": "test_end", "test_id": "t1", "status": "passed"}`},
		{"missing test_id", `{"event_type": "test_end", "framework": "pytest", "status": "passed"}`},
		{"unknown event type", `{"event_type": "bogus", "framework": "pytest", "test_id": "t1"}`},
		{"invalid status", `{"event_type": "test_end", "framework": "pytest", "test_id": "t1", "status": "maybe"}`},
		{"negative duration", `{"event_type": "test_end", "framework": "pytest", "test_id": "t1", "status": "passed", "duration_ms": -1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := postEvent(server, "application/json", []byte(tt.body))

			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status %d, got %d. Body: %s", http.StatusBadRequest, rr.Code, rr.Body.String())
			}
		})
	}
}

func TestPostEvent_UnsupportedMediaType(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := newTestPipeline(t, pipeline.Config{Workers: 2, Capacity: 100}, true)
	server := newTestServer(t, nil, Deps{Pipeline: p})

	rr := postEvent(server, "text/plain", []byte(validEventJSON))

	if rr.Code != http.StatusUnsupportedMediaType {
		t.Errorf("Expected status %d, got %d. Body: %s", http.StatusUnsupportedMediaType, rr.Code, rr.Body.String())
	}
}

func TestPostEvent_EmptyBody(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := newTestPipeline(t, pipeline.Config{Workers: 2, Capacity: 100}, true)
	server := newTestServer(t, nil, Deps{Pipeline: p})

	rr := postEvent(server, "application/json", nil)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d. Body: %s", http.StatusBadRequest, rr.Code, rr.Body.String())
	}
}

func TestPostEvent_PayloadTooLarge(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := newTestPipeline(t, pipeline.Config{Workers: 2, Capacity: 100}, true)

	cfg := &ServerConfig{
		Port:            defaultPort,
		Host:            "localhost",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        slog.LevelError,
		MaxRequestSize:  64, // Force the limit with a tiny cap
	}
	server := newTestServer(t, cfg, Deps{Pipeline: p})

	body := []byte(`{"event_type": "test_end", "framework": "pytest", "test_id": "` +
		strings.Repeat("x", 200) + `"}`)

	rr := postEvent(server, "application/json", body)

	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status %d, got %d. Body: %s",
			http.StatusRequestEntityTooLarge, rr.Code, rr.Body.String())
	}
}

func TestPostEvent_QueueFull(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Workers never started: the single-slot shard fills on the first
	// event and every following event must be rejected with 429.
	p, _, _ := newTestPipeline(t, pipeline.Config{Workers: 1, Capacity: 1}, false)
	server := newTestServer(t, nil, Deps{Pipeline: p, Metrics: metrics.New()})

	first := postEvent(server, "application/json", []byte(validEventJSON))
	if first.Code != http.StatusAccepted {
		t.Fatalf("Expected first event accepted (202), got %d. Body: %s", first.Code, first.Body.String())
	}

	second := postEvent(server, "application/json", []byte(validEventJSON))
	if second.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status %d, got %d. Body: %s",
			http.StatusTooManyRequests, second.Code, second.Body.String())
	}
}

func TestPostEventBatch_AllAccepted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := newTestPipeline(t, pipeline.Config{Workers: 2, Capacity: 100}, true)
	server := newTestServer(t, nil, Deps{Pipeline: p, Metrics: metrics.New()})

	body := []byte(`{"events": [` + validEventJSON + `,` + validEventJSON + `]}`)

	req := httptest.NewRequest(http.MethodPost, "/events/batch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusAccepted, rr.Code, rr.Body.String())
	}

	var resp BatchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if len(resp.Results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(resp.Results))
	}

	for i, result := range resp.Results {
		if !result.Accepted {
			t.Errorf("Result %d: expected accepted, got error %q", i, result.Error)
		}

		if _, err := uuid.Parse(result.EventID); err != nil {
			t.Errorf("Result %d: expected event_id to be a UUID, got %q", i, result.EventID)
		}
	}
}

func TestPostEventBatch_PartialFailure(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := newTestPipeline(t, pipeline.Config{Workers: 2, Capacity: 100}, true)
	server := newTestServer(t, nil, Deps{Pipeline: p})

	// Second event misses framework; batch must report it in place
	// while the others go through.
	body := []byte(`{"events": [` + validEventJSON + `,
		{"event_type": "test_end", "test_id": "t2", "status": "passed"},
		` + validEventJSON + `]}`)

	req := httptest.NewRequest(http.MethodPost, "/events/batch", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusMultiStatus {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusMultiStatus, rr.Code, rr.Body.String())
	}

	var resp BatchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if len(resp.Results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(resp.Results))
	}

	if !resp.Results[0].Accepted || !resp.Results[2].Accepted {
		t.Error("Expected first and third events to be accepted")
	}

	if resp.Results[1].Accepted {
		t.Error("Expected second event to be rejected")
	}

	if resp.Results[1].Error == "" {
		t.Error("Expected rejection reason for second event")
	}
}

func TestPostEventBatch_EmptyArray(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := newTestPipeline(t, pipeline.Config{Workers: 2, Capacity: 100}, true)
	server := newTestServer(t, nil, Deps{Pipeline: p})

	req := httptest.NewRequest(http.MethodPost, "/events/batch", strings.NewReader(`{"events": []}`))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d. Body: %s", http.StatusBadRequest, rr.Code, rr.Body.String())
	}
}
