package worker

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/clusterd/internal/clustering"
	"github.com/thebtf/clusterd/internal/config"
	"github.com/thebtf/clusterd/internal/embedding"
	"github.com/thebtf/clusterd/pkg/models"
)

const testToken = "s3cret"

// testService builds real components over the in-memory store and the
// deterministic hashing embedder.
func testService(t *testing.T, mutate func(*config.Config)) *Service {
	t.Helper()

	cfg := config.Default()
	cfg.StoreDriver = config.StoreDriverMemory
	cfg.EmbeddingProvider = embedding.HashModelVersion
	cfg.EmbeddingDimensions = 64
	cfg.AuthToken = testToken
	cfg.RateLimitRPS = 0
	if mutate != nil {
		mutate(cfg)
	}

	comp, err := Build(context.Background(), cfg)
	require.NoError(t, err)

	svc := NewServiceWithComponents("test-version", cfg, comp)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return svc
}

func do(t *testing.T, svc *Service, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

type submitResponse struct {
	Question struct {
		ID        uuid.UUID `json:"id"`
		ClusterID uuid.UUID `json:"cluster_id"`
	} `json:"question"`
	Cluster struct {
		ID          uuid.UUID `json:"id"`
		MemberCount int64     `json:"question_count"`
		Active      bool      `json:"is_active"`
	} `json:"cluster"`
	IsNew      bool    `json:"is_new_cluster"`
	Similarity float64 `json:"similarity"`
}

func submit(t *testing.T, svc *Service, text string) submitResponse {
	t.Helper()
	rr := do(t, svc, http.MethodPost, "/api/clustering/questions", SubmitRequest{Text: text})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	return decode[submitResponse](t, rr)
}

func TestHandleHealth(t *testing.T) {
	svc := testService(t, nil)

	rr := do(t, svc, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	body := decode[map[string]any](t, rr)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, "test-version", body["version"])
}

func TestHandleReady(t *testing.T) {
	svc := testService(t, nil)

	rr := do(t, svc, http.MethodGet, "/api/ready", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ready", decode[map[string]any](t, rr)["status"])
}

func TestHandleReady_StoreDown(t *testing.T) {
	svc := testService(t, nil)
	svc.comp.Health = func(context.Context) (any, error) { return nil, errors.New("connection refused") }

	rr := do(t, svc, http.MethodGet, "/api/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Retry-After"))
}

func TestRequireReady(t *testing.T) {
	cfg := config.Default()
	svc := newService("test-version", cfg, "")
	t.Cleanup(svc.cancel)

	rr := do(t, svc, http.MethodGet, "/api/clustering/stats/global", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "starting", decode[map[string]any](t, do(t, svc, http.MethodGet, "/health", nil))["status"])

	svc.setInitError(errors.New("database unreachable"))
	rr = do(t, svc, http.MethodGet, "/api/clustering/stats/global", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "database unreachable")
}

func TestSubmit_FoundThenAttach(t *testing.T) {
	svc := testService(t, nil)

	first := submit(t, svc, "How do I reset my password?")
	assert.True(t, first.IsNew)
	assert.Equal(t, 1.0, first.Similarity)
	assert.Equal(t, first.Cluster.ID, first.Question.ClusterID)

	second := submit(t, svc, "how do i reset my PASSWORD")
	assert.False(t, second.IsNew)
	assert.Equal(t, first.Cluster.ID, second.Cluster.ID)
	assert.Equal(t, int64(2), second.Cluster.MemberCount)
	assert.InDelta(t, 1.0, second.Similarity, 1e-6)

	other := submit(t, svc, "Which train goes to the airport tonight")
	assert.True(t, other.IsNew)
	assert.NotEqual(t, first.Cluster.ID, other.Cluster.ID)
}

func TestSubmit_Rejections(t *testing.T) {
	svc := testService(t, nil)

	tests := []struct {
		name   string
		body   string
		ctype  string
		status int
		kind   string
	}{
		{"too short", `{"text":"a"}`, "application/json", http.StatusBadRequest, "invalid_input"},
		{"blank", `{"text":"   "}`, "application/json", http.StatusBadRequest, "invalid_input"},
		{"malformed", `{"text":`, "application/json", http.StatusBadRequest, "invalid_input"},
		{"empty body", ``, "application/json", http.StatusBadRequest, "invalid_input"},
		{"wrong content type", `text=hello`, "application/x-www-form-urlencoded", http.StatusUnsupportedMediaType, "unsupported_media_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/clustering/questions", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", tt.ctype)
			rr := httptest.NewRecorder()
			svc.Handler().ServeHTTP(rr, req)

			assert.Equal(t, tt.status, rr.Code)
			body := decode[errorResponse](t, rr)
			assert.False(t, body.Success)
			assert.Equal(t, tt.kind, body.Kind)
			assert.False(t, body.Retryable)
		})
	}
}

func TestSubmit_RedactsSecrets(t *testing.T) {
	const text = "why does api_key=abc123def456ghi789jkl012mno345 return 403"

	tests := []struct {
		name   string
		redact bool
		want   string
	}{
		{"enabled", true, "why does api_key=[REDACTED] return 403"},
		{"disabled", false, text},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := testService(t, func(c *config.Config) { c.RedactSecrets = tt.redact })
			rr := do(t, svc, http.MethodPost, "/api/clustering/questions", SubmitRequest{Text: text})
			require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

			body := decode[models.SubmitResult](t, rr)
			assert.Equal(t, tt.want, body.Question.Text)
			assert.Equal(t, tt.want, body.Cluster.RepresentativeText)
		})
	}
}

func TestSubmitBatch(t *testing.T) {
	svc := testService(t, nil)

	rr := do(t, svc, http.MethodPost, "/api/clustering/questions/batch", BatchRequest{Questions: []SubmitRequest{
		{Text: "Where is my parcel", Country: "DE"},
		{Text: "x"},
		{Text: "where is my parcel?", Language: "en"},
	}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Results []struct {
			Index  int             `json:"index"`
			Result *submitResponse `json:"result"`
			Error  *errorResponse  `json:"error"`
		} `json:"results"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 3)
	require.NotNil(t, resp.Results[1].Error)
	assert.Equal(t, "invalid_input", resp.Results[1].Error.Kind)
	require.NotNil(t, resp.Results[0].Result)
	require.NotNil(t, resp.Results[2].Result)
	assert.Equal(t, resp.Results[0].Result.Cluster.ID, resp.Results[2].Result.Cluster.ID)
}

func TestSubmitBatch_Limits(t *testing.T) {
	svc := testService(t, func(c *config.Config) { c.MaxQuestionsPerRequest = 2 })

	rr := do(t, svc, http.MethodPost, "/api/clustering/questions/batch", BatchRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, svc, http.MethodPost, "/api/clustering/questions/batch", BatchRequest{Questions: []SubmitRequest{
		{Text: "one question"}, {Text: "two questions"}, {Text: "three questions"},
	}})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSearch(t *testing.T) {
	svc := testService(t, nil)
	submit(t, svc, "How do I reset my password")
	submit(t, svc, "Which train goes to the airport")

	rr := do(t, svc, http.MethodGet, "/api/clustering/search?q=reset+password&limit=1", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp struct {
		Count   int `json:"count"`
		Results []struct {
			Question struct {
				Text string `json:"question_text"`
			} `json:"question"`
			Similarity float64 `json:"similarity"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "How do I reset my password", resp.Results[0].Question.Text)

	rr = do(t, svc, http.MethodGet, "/api/clustering/search", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestClusterRoutes(t *testing.T) {
	svc := testService(t, nil)
	res := submit(t, svc, "How do I reset my password")
	submit(t, svc, "how do I reset my password?")
	id := res.Cluster.ID.String()

	t.Run("detail", func(t *testing.T) {
		rr := do(t, svc, http.MethodGet, "/api/clustering/clusters/"+id, nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var body struct {
			Cluster struct {
				MemberCount int64 `json:"question_count"`
			} `json:"cluster"`
			Stats []map[string]any `json:"stats"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, int64(2), body.Cluster.MemberCount)
		assert.Len(t, body.Stats, 1)
	})

	t.Run("questions paged", func(t *testing.T) {
		rr := do(t, svc, http.MethodGet, "/api/clustering/clusters/"+id+"/questions?limit=1", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var body struct {
			Questions  []map[string]any `json:"questions"`
			Pagination struct {
				Limit int   `json:"limit"`
				Total int64 `json:"total"`
			} `json:"pagination"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Len(t, body.Questions, 1)
		assert.Equal(t, 1, body.Pagination.Limit)
		assert.Equal(t, int64(2), body.Pagination.Total)
	})

	t.Run("bad id", func(t *testing.T) {
		rr := do(t, svc, http.MethodGet, "/api/clustering/clusters/not-a-uuid", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Equal(t, "invalid_arguments", decode[errorResponse](t, rr).Kind)
	})

	t.Run("unknown id", func(t *testing.T) {
		rr := do(t, svc, http.MethodGet, "/api/clustering/clusters/"+uuid.NewString(), nil)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "cluster_not_found", decode[errorResponse](t, rr).Kind)
	})

	t.Run("top", func(t *testing.T) {
		rr := do(t, svc, http.MethodGet, "/api/clustering/clusters/top?limit=5", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var body struct {
			Clusters []struct {
				ID             uuid.UUID `json:"id"`
				QuestionsToday int64     `json:"questions_today"`
			} `json:"clusters"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		require.Len(t, body.Clusters, 1)
		assert.Equal(t, res.Cluster.ID, body.Clusters[0].ID)
		assert.Equal(t, int64(2), body.Clusters[0].QuestionsToday)
	})

	t.Run("trending", func(t *testing.T) {
		rr := do(t, svc, http.MethodGet, "/api/clustering/clusters/trending?days=500", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		var body struct {
			Days     int              `json:"days"`
			Clusters []map[string]any `json:"clusters"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, clustering.MaxTrendingDays, body.Days)
		assert.Len(t, body.Clusters, 1)
	})
}

func TestMerge_RequiresToken(t *testing.T) {
	svc := testService(t, nil)
	a := submit(t, svc, "How do I reset my password")
	b := submit(t, svc, "Which train goes to the airport")
	req := MergeRequest{SourceID: b.Cluster.ID.String(), TargetID: a.Cluster.ID.String()}

	rr := do(t, svc, http.MethodPost, "/api/clustering/clusters/merge", req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, svc, http.MethodPost, "/api/clustering/clusters/merge", req, "Authorization", "Bearer "+testToken)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var merged struct {
		Moved  int64 `json:"moved_questions"`
		Target int64 `json:"target_question_count"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &merged))
	assert.Equal(t, int64(1), merged.Moved)
	assert.Equal(t, int64(2), merged.Target)

	rr = do(t, svc, http.MethodGet, "/api/clustering/clusters/"+b.Cluster.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"is_active":false`)

	// Merging the retired cluster again is a caller error.
	rr = do(t, svc, http.MethodPost, "/api/clustering/clusters/merge", req, "X-Auth-Token", testToken)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMerge_BadArguments(t *testing.T) {
	svc := testService(t, func(c *config.Config) { c.AuthToken = "" })
	a := submit(t, svc, "How do I reset my password")

	tests := []struct {
		name   string
		req    MergeRequest
		status int
	}{
		{"bad source", MergeRequest{SourceID: "x", TargetID: a.Cluster.ID.String()}, http.StatusBadRequest},
		{"same cluster", MergeRequest{SourceID: a.Cluster.ID.String(), TargetID: a.Cluster.ID.String()}, http.StatusBadRequest},
		{"unknown source", MergeRequest{SourceID: uuid.NewString(), TargetID: a.Cluster.ID.String()}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(t, svc, http.MethodPost, "/api/clustering/clusters/merge", tt.req)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
		})
	}
}

func TestDuplicates(t *testing.T) {
	svc := testService(t, nil)
	submit(t, svc, "How do I reset my password")

	rr := do(t, svc, http.MethodGet, "/api/clustering/clusters/duplicates?threshold=0.5", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(0), decode[map[string]any](t, rr)["count"])

	rr = do(t, svc, http.MethodGet, "/api/clustering/clusters/duplicates?threshold=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, svc, http.MethodGet, "/api/clustering/clusters/duplicates?threshold=1.5", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatsRoutes(t *testing.T) {
	svc := testService(t, nil)
	submit(t, svc, "How do I reset my password")
	submit(t, svc, "How do I reset my password please")
	submit(t, svc, "Which train goes to the airport")

	rr := do(t, svc, http.MethodGet, "/api/clustering/stats/global", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	global := decode[map[string]any](t, rr)
	assert.Equal(t, float64(3), global["total_questions"])
	assert.Equal(t, float64(3), global["questions_today"])

	rr = do(t, svc, http.MethodGet, "/api/clustering/stats/daily?days=7", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var daily struct {
		Stats []struct {
			TotalQuestions int64 `json:"total_questions"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &daily))
	require.Len(t, daily.Stats, 1)
	assert.Equal(t, int64(3), daily.Stats[0].TotalQuestions)
}

func TestCacheRoutes(t *testing.T) {
	svc := testService(t, nil)
	submit(t, svc, "How do I reset my password")

	stats := func() map[string]any {
		rr := do(t, svc, http.MethodGet, "/api/clustering/cache/stats", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		return decode[map[string]any](t, rr)
	}
	before := stats()
	assert.Equal(t, float64(1000), before["capacity"])

	rr := do(t, svc, http.MethodPost, "/api/clustering/cache/invalidate", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, svc, http.MethodPost, "/api/clustering/cache/invalidate", nil, "X-Auth-Token", testToken)
	require.Equal(t, http.StatusOK, rr.Code)

	after := stats()
	assert.Equal(t, before["invalidations"].(float64)+1, after["invalidations"])
	assert.Equal(t, float64(0), after["size"])
}

func TestMaintenanceRoutes(t *testing.T) {
	svc := testService(t, nil)

	rr := do(t, svc, http.MethodPost, "/api/clustering/maintenance/run", nil, "X-Auth-Token", testToken)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		rr := do(t, svc, http.MethodGet, "/api/clustering/maintenance", nil, "X-Auth-Token", testToken)
		return rr.Code == http.StatusOK && decode[map[string]any](t, rr)["total_runs"] == float64(1)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSubmit_RateLimited(t *testing.T) {
	svc := testService(t, func(c *config.Config) {
		c.RateLimitRPS = 0.01
		c.RateLimitBurst = 1
	})

	submit(t, svc, "How do I reset my password")

	rr := do(t, svc, http.MethodPost, "/api/clustering/questions", SubmitRequest{Text: "another question"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "100", rr.Header().Get("Retry-After"))

	// Reads are not limited.
	rr = do(t, svc, http.MethodGet, "/api/clustering/stats/global", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		retryAfter bool
		retryable  bool
	}{
		{"invalid input", clustering.NewError("submit", clustering.KindInvalidInput, clustering.ErrTextTooShort), http.StatusBadRequest, false, false},
		{"invalid arguments", clustering.NewError("merge", clustering.KindInvalidArguments, nil), http.StatusBadRequest, false, false},
		{"not found", clustering.NewError("detail", clustering.KindClusterNotFound, nil), http.StatusNotFound, false, false},
		{"embedding", clustering.NewError("submit", clustering.KindEmbeddingUnavailable, errors.New("timeout")), http.StatusServiceUnavailable, true, true},
		{"transient store", clustering.NewError("submit", clustering.KindPersistence, errors.New("deadlock")), http.StatusServiceUnavailable, true, true},
		{"permanent store", &clustering.Error{Op: "submit", Kind: clustering.KindPersistence, Err: errors.New("constraint")}, http.StatusInternalServerError, false, false},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeError(rr, httptest.NewRequest(http.MethodGet, "/", nil), tt.err)

			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.retryAfter, rr.Header().Get("Retry-After") != "")
			body := decode[errorResponse](t, rr)
			assert.Equal(t, tt.retryable, body.Retryable)
			assert.NotEmpty(t, body.Kind)
		})
	}
}
