package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/crossbridge-io/crossbridge/internal/api/middleware"
)

// ReloadResponse reports the outcome of a rule pack reload.
type ReloadResponse struct {
	Frameworks []string  `json:"frameworks"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// handleReloadRules handles POST /admin/reload.
// Reloads classification rule packs from disk and swaps them in atomically.
// In-flight classifications finish against the pack they started with.
func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.deps.Registry == nil {
		WriteErrorResponse(w, r, s.logger, ServiceUnavailable("Rule registry is not available"))

		return
	}

	s.deps.Registry.Reload()

	frameworks := s.deps.Registry.Frameworks()
	if frameworks == nil {
		frameworks = []string{}
	}

	loadedAt := s.deps.Registry.LoadedAt()

	s.logger.Info("Rule packs reloaded",
		slog.String("correlation_id", correlationID),
		slog.Any("frameworks", frameworks),
		slog.Time("loaded_at", loadedAt),
	)

	s.sendJSONResponse(w, r, http.StatusOK, ReloadResponse{
		Frameworks: frameworks,
		LoadedAt:   loadedAt,
	})
}
