package worker

import (
	"net/http"

	"github.com/thebtf/clusterd/pkg/models"
)

func (s *Service) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days")
	stats, err := s.components().Engine.DailyStats(r.Context(), days)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if stats == nil {
		stats = []models.DailyStat{}
	}
	writeJSON(w, map[string]any{"stats": stats})
}

func (s *Service) handleGlobalStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.components().Engine.GlobalStats(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, stats)
}

func (s *Service) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.components().Cache.Stats())
}

func (s *Service) handleInvalidateCache(w http.ResponseWriter, r *http.Request) {
	s.components().Engine.InvalidateCache(r.Context())
	writeJSON(w, map[string]any{"success": true})
}

func (s *Service) handleMaintenanceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.components().Maintenance.Stats())
}

// handleMaintenanceRun starts a sweep in the background and returns at once.
func (s *Service) handleMaintenanceRun(w http.ResponseWriter, _ *http.Request) {
	s.components().Maintenance.RunNow(s.ctx)
	writeJSONStatus(w, http.StatusAccepted, map[string]any{"success": true})
}
