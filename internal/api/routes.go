// Package api provides the HTTP ingest service for the CrossBridge observer.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/crossbridge-io/crossbridge/internal/api/middleware"
)

const (
	healthCheckTimeout     = 2 * time.Second
	expectedURLParts       = 2
	contentTypeProblemJSON = "application/problem+json"

	// readyQueueThreshold is the fraction of queue capacity above which the
	// observer stops reporting ready. Backpressure should shift new traffic
	// away before the queue hard-rejects with 429.
	readyQueueThreshold = 0.8
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status     string `json:"status"`
		QueueDepth int    `json:"queue_depth"`
		Storage    string `json:"storage"`
		Uptime     string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "/events")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// setupRoutes sets up all HTTP routes for the API server.
//
// Ingest and probe endpoints are public: emitters must never be able to
// reject-loop their events on an auth failure, and K8s probes carry no
// credentials. Admin and read endpoints require an emitter API key.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public endpoints (bypass auth middleware)
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // K8s liveness probe
		Route{"GET /ready", s.handleReady},   // K8s readiness probe
		Route{"GET /health", s.handleHealth}, // Health summary - status, queue depth, storage
		Route{"GET /stats", s.handleStats},   // Pipeline counters and latency percentiles
		Route{"POST /events", s.handlePostEvent},
		Route{"POST /events/batch", s.handlePostEventBatch},
		Route{"/", s.handleNotFound}, // Catch-all handler for 404 responses
	)

	// Prometheus scrape endpoint
	if s.deps.Metrics != nil {
		s.registerPublicRoutes(mux, Route{"GET /metrics", s.deps.Metrics.Handler().ServeHTTP})
	}

	// Protected endpoints
	mux.HandleFunc("POST /admin/reload", s.handleReloadRules)
	mux.HandleFunc("GET /drift-signals", s.handleDriftSignals)
	mux.HandleFunc("GET /tests/{test_id}/history", s.handleTestHistory)
	mux.HandleFunc("GET /failures/{failure_id}/explanation", s.handleFailureExplanation)
}

// registerPublicRoutes registers HTTP routes that bypass authentication and rate limiting.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Security Warning: Never register admin endpoints as public routes.
//
// Example:
//
//	s.registerPublicRoutes(
//	    mux,
//	    Route{"/ping", s.handlePing},
//	    Route{"/health", s.handleHealth},
//	)
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip method prefix for public endpoint bypass registration
		// Go 1.22+ method-based routing uses "GET /path" format
		// But r.URL.Path is just "/path" (no method prefix)
		path := route.Path

		parts := strings.Fields(path)
		// If the route path contains a method prefix (e.g., "GET /ping"), extract the path part.
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1]) // Extract path after method (e.g., "GET /ping" -> "/ping")
		}

		// Skip registering an empty path as a public
		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", path))

			continue
		}

		// Always register (handles both "GET /ping" and "/" formats)
		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	_, err := w.Write([]byte("pong"))
	if err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to Kubernetes readiness probes.
//
// The observer is ready when the processing queue has headroom (below 80%
// of capacity) and the storage backend answers a ping. If this endpoint
// returns 503, K8s stops routing traffic to the pod until it recovers.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.deps.Pipeline != nil {
		depth := s.deps.Pipeline.Depth()
		capacity := s.deps.Pipeline.Capacity()

		if capacity > 0 && float64(depth) >= readyQueueThreshold*float64(capacity) {
			s.logger.Warn("Readiness check failed: queue saturated",
				slog.String("correlation_id", correlationID),
				slog.Int("queue_depth", depth),
				slog.Int("queue_capacity", capacity),
			)

			s.writeProbeResponse(w, http.StatusServiceUnavailable, "queue saturated", correlationID)

			return
		}
	}

	if s.deps.Storage != nil {
		// Create context with 2-second timeout for storage health check
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := s.deps.Storage.Ping(ctx); err != nil {
			s.logger.Error("Storage health check failed",
				slog.String("correlation_id", correlationID),
				slog.String("error", err.Error()),
			)

			s.writeProbeResponse(w, http.StatusServiceUnavailable, "storage unavailable", correlationID)

			return
		}
	}

	s.writeProbeResponse(w, http.StatusOK, "ready", correlationID)
}

// writeProbeResponse writes a plain-text probe response body.
func (s *Server) writeProbeResponse(w http.ResponseWriter, status int, body, correlationID string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)

	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Error("Failed to write probe response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth returns the observer's health summary: overall status, the
// current queue depth, and storage reachability. The response is always
// 200; "degraded" in the body signals trouble without failing probes that
// only check the status code.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	storageState := "ok"

	if s.deps.Storage != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()

		if err := s.deps.Storage.Ping(ctx); err != nil {
			storageState = "degraded"
		}
	}

	var queueDepth int
	if s.deps.Pipeline != nil {
		queueDepth = s.deps.Pipeline.Depth()
	}

	status := "healthy"
	if storageState != "ok" {
		status = "degraded"
	}

	// Calculate uptime if server has started
	var uptime string

	if !s.startTime.IsZero() {
		duration := time.Since(s.startTime)
		uptime = duration.Round(time.Second).String()
	}

	health := HealthStatus{
		Status:     status,
		QueueDepth: queueDepth,
		Storage:    storageState,
		Uptime:     uptime,
	}

	data, err := json.Marshal(health)
	if err != nil {
		s.logger.Error("Failed to encode health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode health response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("The requested resource was not found"))
}

// hasJSONContentType checks if Content-Type header starts with "application/json".
// This allows charset parameters (e.g., "application/json; charset=utf-8").
func hasJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.TrimSpace(contentType), "application/json")
}
