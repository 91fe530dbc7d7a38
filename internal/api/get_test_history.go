package api

import (
	"net/http"

	"github.com/crossbridge-io/crossbridge/internal/api/middleware"
	"github.com/crossbridge-io/crossbridge/internal/flaky"
)

// TestHistoryResponse is the per-test failure history response body.
// One entry per distinct failure signature observed for the test.
type TestHistoryResponse struct {
	TestID    string           `json:"test_id"`
	Histories []*flaky.History `json:"histories"`
}

// handleTestHistory handles GET /tests/{test_id}/history.
// Returns the failure histories tracked for a test, one per distinct
// failure signature (test + category + normalized message).
func (s *Server) handleTestHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	testID := r.PathValue("test_id")
	if testID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("test_id is required"))

		return
	}

	if s.deps.Detector == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Flaky detector is not available"))

		return
	}

	histories, err := s.deps.Detector.Histories(ctx, testID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load test history",
			"correlation_id", correlationID,
			"test_id", testID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load test history"))

		return
	}

	if histories == nil {
		histories = []*flaky.History{}
	}

	s.sendJSONResponse(w, r, http.StatusOK, TestHistoryResponse{
		TestID:    testID,
		Histories: histories,
	})
}
