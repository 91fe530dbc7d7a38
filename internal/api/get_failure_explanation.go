package api

import (
	"errors"
	"net/http"

	"github.com/crossbridge-io/crossbridge/internal/api/middleware"
	"github.com/crossbridge-io/crossbridge/internal/storage"
)

// handleFailureExplanation handles GET /failures/{failure_id}/explanation.
// Returns the stored explanation artifact for a classified failure.
func (s *Server) handleFailureExplanation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	correlationID := middleware.GetCorrelationID(ctx)

	failureID := r.PathValue("failure_id")
	if failureID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("failure_id is required"))

		return
	}

	if s.deps.Explanations == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Explanation store is not available"))

		return
	}

	explanation, err := s.deps.Explanations.GetExplanation(ctx, failureID)
	if err != nil {
		if errors.Is(err, storage.ErrExplanationNotFound) {
			WriteErrorResponse(w, r, s.logger, NotFound("No explanation found for failure "+failureID))

			return
		}

		s.logger.ErrorContext(ctx, "Failed to load explanation",
			"correlation_id", correlationID,
			"failure_id", failureID,
			"error", err.Error(),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("Failed to load explanation"))

		return
	}

	s.sendJSONResponse(w, r, http.StatusOK, explanation)
}
