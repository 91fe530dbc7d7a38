package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/crossbridge-io/crossbridge/internal/drift"
	"github.com/crossbridge-io/crossbridge/internal/pipeline"
)

func getPath(server *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	return rr
}

func TestDriftSignals_List(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	signalStore := drift.NewMemorySignalStore()
	ctx := context.Background()

	flakySignal := drift.NewSignal(drift.TypeFlaky, drift.SeverityHigh,
		"tests/test_login.py::test_valid", "pytest", "test turned flaky")
	newTestSignal := drift.NewSignal(drift.TypeNewTest, drift.SeverityLow,
		"tests/test_signup.py::test_new", "pytest", "first observation")

	if err := signalStore.Save(ctx, flakySignal); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	if err := signalStore.Save(ctx, newTestSignal); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	server := newTestServer(t, nil, Deps{Signals: signalStore})

	t.Run("unfiltered returns all signals newest first", func(t *testing.T) {
		rr := getPath(server, "/drift-signals")

		if rr.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
		}

		var resp DriftSignalListResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}

		if resp.Total != 2 {
			t.Errorf("Expected 2 signals, got %d", resp.Total)
		}

		if resp.Signals[0].Type != drift.TypeNewTest {
			t.Errorf("Expected newest signal first, got type %q", resp.Signals[0].Type)
		}
	})

	t.Run("type filter", func(t *testing.T) {
		rr := getPath(server, "/drift-signals?type=flaky")

		var resp DriftSignalListResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}

		if resp.Total != 1 || resp.Signals[0].Type != drift.TypeFlaky {
			t.Errorf("Expected exactly the flaky signal, got %d signals", resp.Total)
		}
	})

	t.Run("severity is a minimum threshold", func(t *testing.T) {
		rr := getPath(server, "/drift-signals?severity=moderate")

		var resp DriftSignalListResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}

		if resp.Total != 1 || resp.Signals[0].Severity != drift.SeverityHigh {
			t.Errorf("Expected only the high-severity signal, got %d signals", resp.Total)
		}
	})

	t.Run("test_id filter", func(t *testing.T) {
		rr := getPath(server, "/drift-signals?test_id=tests/test_signup.py::test_new")

		var resp DriftSignalListResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}

		if resp.Total != 1 || resp.Signals[0].Type != drift.TypeNewTest {
			t.Errorf("Expected only the new_test signal, got %d signals", resp.Total)
		}
	})
}

func TestDriftSignals_ParamValidation(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	server := newTestServer(t, nil, Deps{Signals: drift.NewMemorySignalStore()})

	tests := []struct {
		name string
		path string
	}{
		{"unknown type", "/drift-signals?type=bogus"},
		{"unknown severity", "/drift-signals?severity=catastrophic"},
		{"malformed since", "/drift-signals?since=yesterday"},
		{"non-numeric limit", "/drift-signals?limit=abc"},
		{"limit too large", "/drift-signals?limit=101"},
		{"limit zero", "/drift-signals?limit=0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := getPath(server, tt.path)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("Expected status 400, got %d. Body: %s", rr.Code, rr.Body.String())
			}
		})
	}
}

func TestStats_Snapshot(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p, _, _ := newTestPipeline(t, pipeline.Config{Workers: 2, Capacity: 100}, true)
	server := newTestServer(t, nil, Deps{Pipeline: p})

	rr := getPath(server, "/stats")

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d. Body: %s", rr.Code, rr.Body.String())
	}

	var snapshot pipeline.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snapshot); err != nil {
		t.Fatalf("Failed to parse snapshot: %v", err)
	}

	if snapshot.QueueCap != 100 {
		t.Errorf("Expected queue capacity 100, got %d", snapshot.QueueCap)
	}
}
