package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/crossbridge-io/crossbridge/internal/api/middleware"
	"github.com/crossbridge-io/crossbridge/internal/drift"
)

type (
	// driftSignalParams holds parsed query parameters for the signal list.
	driftSignalParams struct {
		filter drift.SignalFilter
	}

	// DriftSignalListResponse is the drift signal listing response body.
	DriftSignalListResponse struct {
		Signals []*drift.Signal `json:"signals"`
		Total   int             `json:"total"`
	}

	// paramError represents a parameter validation error.
	paramError struct {
		param string
		msg   string
	}
)

const (
	// Pagination defaults and limits.
	defaultLimit = 20
	maxLimit     = 100
	minLimit     = 1
)

func (e *paramError) Error() string {
	return "Invalid parameter '" + e.param + "': " + e.msg
}

// handleDriftSignals handles GET /drift-signals.
// Returns recorded drift signals, newest first, with optional filtering.
//
// Query Parameters:
//   - type: "flaky" | "new_test" | "confidence_drift" (default: all types)
//   - severity: minimum severity, "low" | "moderate" | "high" | "critical"
//   - test_id: exact test ID match
//   - since: ISO8601 timestamp (signals detected after this time)
//   - limit: 1-100 (default: 20)
func (s *Server) handleDriftSignals(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	if s.deps.Signals == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Drift signal store is not available"))

		return
	}

	params, err := parseDriftSignalParams(r)
	if err != nil {
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	signals, err := s.deps.Signals.List(ctx, params.filter)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to list drift signals",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to list drift signals"))

		return
	}

	if signals == nil {
		signals = []*drift.Signal{}
	}

	response := DriftSignalListResponse{
		Signals: signals,
		Total:   len(signals),
	}

	data, err := json.Marshal(response)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to marshal drift signal response",
			"correlation_id", correlationID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// parseDriftSignalParams parses and validates query parameters.
func parseDriftSignalParams(r *http.Request) (*driftSignalParams, error) {
	q := r.URL.Query()

	params := &driftSignalParams{
		filter: drift.SignalFilter{Limit: defaultLimit},
	}

	if sigType := q.Get("type"); sigType != "" {
		switch drift.Type(sigType) {
		case drift.TypeFlaky, drift.TypeNewTest, drift.TypeConfidenceDrift:
			params.filter.Type = drift.Type(sigType)
		default:
			return nil, &paramError{param: "type", msg: "must be one of: flaky, new_test, confidence_drift"}
		}
	}

	if severity := q.Get("severity"); severity != "" {
		switch drift.Severity(severity) {
		case drift.SeverityLow, drift.SeverityModerate, drift.SeverityHigh, drift.SeverityCritical:
			params.filter.Severity = drift.Severity(severity)
		default:
			return nil, &paramError{param: "severity", msg: "must be one of: low, moderate, high, critical"}
		}
	}

	params.filter.TestID = q.Get("test_id")

	// Parse since (ISO8601 timestamp)
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, &paramError{param: "since", msg: "must be valid ISO8601 timestamp"}
		}

		params.filter.Since = t
	}

	// Parse limit
	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, &paramError{param: "limit", msg: "must be a valid integer"}
		}

		if limit < minLimit || limit > maxLimit {
			return nil, &paramError{param: "limit", msg: "must be between 1 and 100"}
		}

		params.filter.Limit = limit
	}

	return params, nil
}
