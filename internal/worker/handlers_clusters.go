package worker

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/thebtf/clusterd/internal/clustering"
	"github.com/thebtf/clusterd/pkg/models"
)

// MergeRequest is the body of POST /clusters/merge.
type MergeRequest struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
}

// Out-of-range limits are clamped by the engine, so handlers pass them through.

func (s *Service) handleTopClusters(w http.ResponseWriter, r *http.Request) {
	clusters, err := s.components().Engine.TopClusters(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if clusters == nil {
		clusters = []models.TopCluster{}
	}
	writeJSON(w, map[string]any{"clusters": clusters})
}

func (s *Service) handleTrending(w http.ResponseWriter, r *http.Request) {
	days := queryInt(r, "days")
	res, err := s.components().Engine.TopClustersInPeriod(r.Context(), days, queryInt(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Clusters == nil {
		res.Clusters = []models.TrendingCluster{}
	}
	writeJSON(w, res)
}

func (s *Service) handleClusterDetail(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, "cluster id", chi.URLParam(r, "id"))
	if !ok {
		return
	}
	detail, err := s.components().Engine.ClusterDetail(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, detail)
}

func (s *Service) handleClusterQuestions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, "cluster id", chi.URLParam(r, "id"))
	if !ok {
		return
	}
	limit, offset := queryPage(r)
	res, err := s.components().Engine.ClusterQuestions(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if res.Questions == nil {
		res.Questions = []models.Question{}
	}
	writeJSON(w, res)
}

func (s *Service) handleDuplicates(w http.ResponseWriter, r *http.Request) {
	var threshold float64
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeErrorStatus(w, http.StatusBadRequest, string(clustering.KindInvalidArguments),
				"invalid threshold: "+strconv.Quote(raw))
			return
		}
		threshold = v
	}

	pairs, err := s.components().Engine.NearDuplicates(r.Context(), threshold, queryInt(r, "limit"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pairs == nil {
		pairs = []models.DuplicatePair{}
	}
	writeJSON(w, map[string]any{"pairs": pairs, "count": len(pairs)})
}

func (s *Service) handleMerge(w http.ResponseWriter, r *http.Request) {
	var req MergeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	source, ok := parseUUID(w, "source_id", req.SourceID)
	if !ok {
		return
	}
	target, ok := parseUUID(w, "target_id", req.TargetID)
	if !ok {
		return
	}

	res, err := s.components().Engine.Merge(r.Context(), source, target)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, res)
}
