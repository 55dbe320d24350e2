package worker

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/clusterd/internal/clustering"
	"github.com/thebtf/clusterd/internal/privacy"
	"github.com/thebtf/clusterd/pkg/models"
)

// SubmitRequest is the body of POST /questions.
type SubmitRequest struct {
	Text     string `json:"text"`
	Country  string `json:"country,omitempty"`
	Language string `json:"language,omitempty"`
}

func (r SubmitRequest) origin() models.Origin {
	return models.Origin{Country: r.Country, Language: r.Language}
}

// BatchRequest is the body of POST /questions/batch.
type BatchRequest struct {
	Questions []SubmitRequest `json:"questions"`
}

// BatchItemResult is the outcome of one batch entry. Exactly one of Result
// and Error is set.
type BatchItemResult struct {
	Index  int                  `json:"index"`
	Result *models.SubmitResult `json:"result,omitempty"`
	Error  *errorResponse       `json:"error,omitempty"`
}

// BatchResponse is the body returned by POST /questions/batch.
type BatchResponse struct {
	Results   []BatchItemResult `json:"results"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
}

// questionText masks credentials when redact_secrets is on.
func (s *Service) questionText(r *http.Request, text string) string {
	if !s.config.RedactSecrets {
		return text
	}
	masked, n := privacy.Redact(text)
	if n > 0 {
		log.Warn().
			Str("request_id", GetRequestID(r.Context())).
			Int("redacted", n).
			Msg("Redacted credentials from submitted question")
	}
	return masked
}

func (s *Service) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.components().Engine.Submit(r.Context(), s.questionText(r, req.Text), req.origin())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, res)
}

func (s *Service) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	items := make([]clustering.BatchItem, len(req.Questions))
	for i, q := range req.Questions {
		items[i] = clustering.BatchItem{Text: s.questionText(r, q.Text), Origin: q.origin()}
	}

	results, err := s.components().Engine.SubmitBatch(r.Context(), items)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := BatchResponse{Results: make([]BatchItemResult, len(results))}
	for i, res := range results {
		item := BatchItemResult{Index: i}
		if res.Err != nil {
			item.Error = &errorResponse{
				Error:     res.Err.Error(),
				Kind:      string(clustering.KindOf(res.Err)),
				Retryable: clustering.IsRetryable(res.Err),
			}
			resp.Failed++
		} else {
			item.Result = res.Result
			resp.Succeeded++
		}
		resp.Results[i] = item
	}
	writeJSON(w, resp)
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit := queryInt(r, "limit")

	hits, err := s.components().Engine.Search(r.Context(), query, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hits == nil {
		hits = []models.SearchHit{}
	}
	writeJSON(w, map[string]any{
		"query":   query,
		"results": hits,
		"count":   len(hits),
	})
}
