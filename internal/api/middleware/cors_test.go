// Package middleware provides HTTP middleware components for the CrossBridge API.
package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// stubCORSConfig is a minimal CORSConfig implementation for tests.
type stubCORSConfig struct {
	origins []string
	methods []string
	headers []string
	maxAge  int
}

// Compile-time interface assertion.
var _ CORSConfig = (*stubCORSConfig)(nil)

func (c *stubCORSConfig) GetAllowedOrigins() []string { return c.origins }
func (c *stubCORSConfig) GetAllowedMethods() []string { return c.methods }
func (c *stubCORSConfig) GetAllowedHeaders() []string { return c.headers }
func (c *stubCORSConfig) GetMaxAge() int              { return c.maxAge }

// TestWithCORS_SetsHeaders verifies that the CORS option wires the
// middleware into the chain and that responses carry the configured
// headers.
func TestWithCORS_SetsHeaders(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	config := &stubCORSConfig{
		origins: []string{"*"},
		methods: []string{"GET", "POST"},
		headers: []string{"Content-Type", "X-API-Key"},
		maxAge:  86400,
	}

	handler := Apply(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), WithCORS(config))

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected Access-Control-Allow-Origin *, got %q", got)
	}

	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST" {
		t.Errorf("expected Access-Control-Allow-Methods 'GET, POST', got %q", got)
	}

	if got := rec.Header().Get("Access-Control-Max-Age"); got != "86400" {
		t.Errorf("expected Access-Control-Max-Age 86400, got %q", got)
	}
}

// TestWithCORS_PreflightShortCircuits verifies that OPTIONS requests are
// answered by the middleware without reaching the handler.
func TestWithCORS_PreflightShortCircuits(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	config := &stubCORSConfig{
		origins: []string{"https://ci.example.com"},
		methods: []string{"POST"},
	}

	handlerCalled := false

	handler := Apply(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		handlerCalled = true
	}), WithCORS(config))

	req := httptest.NewRequest(http.MethodOptions, "/events", nil)
	req.Header.Set("Origin", "https://ci.example.com")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status 204 for preflight, got %d", rec.Code)
	}

	if handlerCalled {
		t.Error("expected preflight request to short-circuit before the handler")
	}

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ci.example.com" {
		t.Errorf("expected echoed origin, got %q", got)
	}
}
