package api

import (
	"net/http"
)

// handleStats handles GET /stats.
// Returns pipeline counters (processed, failed, per-framework, per-type),
// current queue depth and capacity, and end-to-end latency percentiles.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Processing pipeline is not available"))

		return
	}

	s.sendJSONResponse(w, r, http.StatusOK, s.deps.Pipeline.Snapshot())
}
