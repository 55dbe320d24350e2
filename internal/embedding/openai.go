package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	OpenAIModelVersion   = "openai"
	OpenAIDefaultBaseURL = "https://api.openai.com/v1"
	OpenAIDefaultModel   = "text-embedding-3-small"
	openAIHTTPTimeout    = 30 * time.Second
	openAIMaxAttempts    = 3
	openAIMaxBackoff     = 10 * time.Second
)

// openAIRetryBase is the first backoff step; tests shorten it.
var openAIRetryBase = 500 * time.Millisecond

// statusError is a non-2xx answer from the embeddings endpoint.
type statusError struct {
	model      string
	status     int
	message    string
	retryAfter time.Duration
}

func (e *statusError) Error() string {
	return fmt.Sprintf("embedding API error (model=%s, status=%d): %s", e.model, e.status, e.message)
}

func (e *statusError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

type openAIModel struct {
	client     *http.Client
	baseURL    string
	apiKey     string
	modelName  string
	dimensions int
}

type openAIEmbedRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format"`
	Dimensions     int      `json:"dimensions,omitempty"`
}

type openAIEmbedding struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type openAIEmbedResponse struct {
	Data []openAIEmbedding `json:"data"`
}

type openAIErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func init() {
	RegisterModel(ModelMetadata{
		Name:        "OpenAI Compatible",
		Version:     OpenAIModelVersion,
		Description: "OpenAI-compatible /embeddings endpoint (OpenAI, LiteLLM, TEI, vLLM)",
		Default:     true,
	}, newOpenAIModel)
}

func newOpenAIModel(opts Options) (EmbeddingModel, error) {
	if opts.APIKey == "" {
		return nil, errors.New("embedding_api_key is required for openai provider")
	}
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", opts.Dimensions)
	}

	m := &openAIModel{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		modelName:  opts.Model,
		dimensions: opts.Dimensions,
		client:     &http.Client{Timeout: opts.Timeout},
	}
	if m.baseURL == "" {
		m.baseURL = OpenAIDefaultBaseURL
	}
	if m.modelName == "" {
		m.modelName = OpenAIDefaultModel
	}
	if m.client.Timeout <= 0 {
		m.client.Timeout = openAIHTTPTimeout
	}
	return m, nil
}

func (m *openAIModel) Name() string    { return m.modelName }
func (m *openAIModel) Version() string { return OpenAIModelVersion }
func (m *openAIModel) Dimensions() int { return m.dimensions }
func (m *openAIModel) Close() error    { return nil }

func (m *openAIModel) Embed(ctx context.Context, text string) ([]float32, error) {
	vs, err := m.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

// EmbedBatch sends texts in one request. Rate limiting and server errors are
// retried with exponential backoff, honouring Retry-After.
func (m *openAIModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(openAIEmbedRequest{
		Input:          texts,
		Model:          m.modelName,
		EncodingFormat: "float",
		Dimensions:     m.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	var lastErr error
	for attempt := range openAIMaxAttempts {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(attempt, lastErr)); err != nil {
				return nil, fmt.Errorf("%w (after %d attempts: %v)", err, attempt, lastErr)
			}
		}
		vs, err := m.post(ctx, body)
		if err == nil {
			return m.check(vs, len(texts))
		}
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("embedding request failed after %d attempts: %w", openAIMaxAttempts, lastErr)
}

func (m *openAIModel) post(ctx context.Context, body []byte) (*openAIEmbedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send embedding request to %s: %w", m.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		se := &statusError{model: m.modelName, status: resp.StatusCode, message: strings.TrimSpace(string(raw))}
		var envelope openAIErrorResponse
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
			se.message = envelope.Error.Message
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			se.retryAfter = time.Duration(secs) * time.Second
		}
		return nil, se
	}

	var out openAIEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode embedding response from %s: %w", m.baseURL, err)
	}
	return &out, nil
}

// check orders results by input index and verifies count and width.
func (m *openAIModel) check(resp *openAIEmbedResponse, want int) ([][]float32, error) {
	if len(resp.Data) != want {
		return nil, fmt.Errorf("embedding API returned %d results for %d inputs (model=%s)",
			len(resp.Data), want, m.modelName)
	}
	slices.SortFunc(resp.Data, func(a, b openAIEmbedding) int { return a.Index - b.Index })

	out := make([][]float32, want)
	for i, d := range resp.Data {
		if len(d.Embedding) != m.dimensions {
			return nil, fmt.Errorf("%w: model %s returned %d, want %d",
				ErrDimensionMismatch, m.modelName, len(d.Embedding), m.dimensions)
		}
		out[i] = d.Embedding
	}
	return out, nil
}

func backoff(attempt int, lastErr error) time.Duration {
	var se *statusError
	if errors.As(lastErr, &se) && se.retryAfter > 0 {
		return min(se.retryAfter, openAIMaxBackoff)
	}
	return min(openAIRetryBase<<(attempt-1), openAIMaxBackoff)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
