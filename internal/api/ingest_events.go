package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/crossbridge-io/crossbridge/internal/api/middleware"
	"github.com/crossbridge-io/crossbridge/internal/event"
	"github.com/crossbridge-io/crossbridge/internal/pipeline"
)

type (
	// EventAccepted is the single-event ingest response body.
	EventAccepted struct {
		EventID string `json:"event_id"`
	}

	// BatchRequest is the batch ingest request body. Each element is kept
	// raw so every event goes through the same parse path as the
	// single-event endpoint.
	BatchRequest struct {
		Events []json.RawMessage `json:"events"`
	}

	// BatchResult reports the outcome for one event of a batch, in the
	// order the events were submitted.
	BatchResult struct {
		EventID  string `json:"event_id,omitempty"`
		Accepted bool   `json:"accepted"`
		Error    string `json:"error,omitempty"`
	}

	// BatchResponse is the batch ingest response body.
	BatchResponse struct {
		Results []BatchResult `json:"results"`
	}
)

// handlePostEvent handles single event ingestion.
// POST /events - Accept one test event for asynchronous processing
//
// Request validation (returns 4xx):
//   - 405 Method Not Allowed: Only POST is allowed (handled by route pattern)
//   - 415 Unsupported Media Type: Content-Type must be application/json
//   - 413 Payload Too Large: Request body exceeds MaxRequestSize
//   - 400 Bad Request: Empty body, invalid JSON, or failed domain validation
//   - 429 Too Many Requests: Processing queue is full (client should back off)
//
// Success response:
//   - 202 Accepted: {"event_id": "<uuid>"} - the event is queued, not yet processed
func (s *Server) handlePostEvent(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	body, problem := s.readIngestBody(r)
	if problem != nil {
		s.countRejected(problemReason(problem))
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	evt, err := event.Parse(body, startTime)
	if err != nil {
		s.countRejected(parseReason(err))
		WriteErrorResponse(w, r, s.logger, BadRequest(err.Error()))

		return
	}

	if problem := s.enqueue(evt); problem != nil {
		s.countRejected(problemReason(problem))
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	s.sendJSONResponse(w, r, http.StatusAccepted, EventAccepted{EventID: evt.ID})

	s.logger.Info("Event accepted",
		slog.String("correlation_id", correlationID),
		slog.String("event_id", evt.ID),
		slog.String("framework", evt.Framework),
		slog.String("event_type", evt.Type.String()),
		slog.String("test_id", evt.TestID),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// handlePostEventBatch handles batch event ingestion.
// POST /events/batch - Accept multiple test events in one request
//
// Each event is parsed and enqueued independently; one malformed event
// never fails the whole batch. The results array preserves submission
// order.
//
// Success responses:
//   - 202 Accepted: All events enqueued
//   - 207 Multi-Status: At least one event was rejected
func (s *Server) handlePostEventBatch(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	correlationID := middleware.GetCorrelationID(r.Context())

	body, problem := s.readIngestBody(r)
	if problem != nil {
		s.countRejected(problemReason(problem))
		WriteErrorResponse(w, r, s.logger, problem)

		return
	}

	var batch BatchRequest
	if err := json.Unmarshal(body, &batch); err != nil {
		s.countRejected("invalid_json")
		WriteErrorResponse(w, r, s.logger, BadRequest("Invalid JSON: "+err.Error()))

		return
	}

	if len(batch.Events) == 0 {
		s.countRejected("empty_batch")
		WriteErrorResponse(w, r, s.logger, BadRequest("Event array cannot be empty"))

		return
	}

	results := make([]BatchResult, len(batch.Events))
	accepted := 0

	for i, raw := range batch.Events {
		evt, err := event.Parse(raw, startTime)
		if err != nil {
			s.countRejected(parseReason(err))

			results[i] = BatchResult{Error: err.Error()}

			continue
		}

		if problem := s.enqueue(evt); problem != nil {
			s.countRejected(problemReason(problem))

			results[i] = BatchResult{Error: problem.Detail}

			continue
		}

		results[i] = BatchResult{EventID: evt.ID, Accepted: true}
		accepted++
	}

	statusCode := http.StatusAccepted
	if accepted < len(batch.Events) {
		statusCode = http.StatusMultiStatus
	}

	s.sendJSONResponse(w, r, statusCode, BatchResponse{Results: results})

	s.logger.Info("Event batch processed",
		slog.String("correlation_id", correlationID),
		slog.Int("received", len(batch.Events)),
		slog.Int("accepted", accepted),
		slog.Int("rejected", len(batch.Events)-accepted),
		slog.Int("status_code", statusCode),
		slog.Duration("duration", time.Since(startTime)),
	)
}

// readIngestBody validates Content-Type and size limits, then reads the
// full request body. Shared by the single and batch ingest endpoints.
func (s *Server) readIngestBody(r *http.Request) ([]byte, *ProblemDetail) {
	// Content-Type validation
	if !hasJSONContentType(r.Header.Get("Content-Type")) {
		return nil, UnsupportedMediaType("Content-Type must be application/json")
	}

	// Request size check (optimization: fail fast for known oversized requests)
	// Allow unknown sizes (-1) or 0 (empty, caught later)
	if r.ContentLength > 0 && r.ContentLength > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	// Empty body check (better UX: specific error message)
	if r.ContentLength == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxRequestSize+1))
	if err != nil {
		return nil, BadRequest("Failed to read request body: " + err.Error())
	}

	// Chunked requests bypass the ContentLength check above
	if int64(len(body)) > s.config.MaxRequestSize {
		return nil, PayloadTooLarge(
			fmt.Sprintf("Request body exceeds maximum size of %d bytes", s.config.MaxRequestSize),
		)
	}

	if len(body) == 0 {
		return nil, BadRequest("Request body cannot be empty")
	}

	return body, nil
}

// enqueue assigns the server-side event ID and hands the event to the
// pipeline. The ID is assigned here, not in the parser, so replayed spill
// events keep their original IDs.
func (s *Server) enqueue(evt *event.Event) *ProblemDetail {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}

	if s.deps.Pipeline == nil {
		return ServiceUnavailable("Processing pipeline is not available")
	}

	if err := s.deps.Pipeline.Enqueue(evt); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrQueueFull):
			return TooManyRequests("Processing queue is full, retry with backoff")
		case errors.Is(err, pipeline.ErrShuttingDown):
			return ServiceUnavailable("Observer is shutting down")
		default:
			return InternalServerError("Failed to enqueue event")
		}
	}

	if s.deps.Metrics != nil {
		s.deps.Metrics.EventsAccepted.WithLabelValues(evt.Framework, evt.Type.String()).Inc()
		s.deps.Metrics.QueueDepth.Set(float64(s.deps.Pipeline.Depth()))
	}

	return nil
}

// countRejected increments the rejection counter with the given reason.
func (s *Server) countRejected(reason string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.EventsRejected.WithLabelValues(reason).Inc()
	}
}

// parseReason maps a parse error to a rejection metric label.
func parseReason(err error) string {
	if errors.Is(err, event.ErrInvalidJSON) {
		return "invalid_json"
	}

	return "validation"
}

// problemReason maps a ProblemDetail to a rejection metric label.
func problemReason(problem *ProblemDetail) string {
	switch problem.Status {
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	case http.StatusTooManyRequests:
		return "queue_full"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return "bad_request"
	}
}

// sendJSONResponse marshals and sends a JSON response body.
// Marshals before writing headers so encode failures can still produce a
// proper 500 response.
func (s *Server) sendJSONResponse(w http.ResponseWriter, r *http.Request, statusCode int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		s.logger.Error("Failed to marshal response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if _, err := w.Write(data); err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		s.logger.Error("Failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
}
