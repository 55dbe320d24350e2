package embedding

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/clusterd/internal/textnorm"
	"github.com/thebtf/clusterd/pkg/similarity"
)

// ErrDimensionMismatch is returned when a model yields a vector whose length
// differs from the configured dimension.
var ErrDimensionMismatch = similarity.ErrDimensionMismatch

// Config selects and configures the model behind a Service.
type Config struct {
	Provider  string
	Options   Options
	MaxTokens int
	MaxLength int
}

// Service wraps an EmbeddingModel, bounding input length and checking that
// output has the model's dimension and unit norm.
type Service struct {
	model     EmbeddingModel
	truncator *Truncator
	maxLength int
	identity  string
}

// NewService builds the configured model from the default registry.
func NewService(cfg Config) (*Service, error) {
	model, err := GetModel(cfg.Provider, cfg.Options)
	if err != nil {
		return nil, err
	}
	svc, err := NewServiceWithModel(model, cfg.MaxTokens, cfg.MaxLength)
	if err != nil {
		_ = model.Close()
		return nil, err
	}
	return svc, nil
}

// NewServiceWithModel wraps an existing model. maxTokens <= 0 disables token
// truncation; maxLength <= 0 disables rune truncation.
func NewServiceWithModel(model EmbeddingModel, maxTokens, maxLength int) (*Service, error) {
	s := &Service{
		model:     model,
		maxLength: maxLength,
		identity:  fmt.Sprintf("%s:%s:%d", model.Version(), model.Name(), model.Dimensions()),
	}
	if maxTokens > 0 {
		t, err := NewTruncator(maxTokens)
		if err != nil {
			return nil, err
		}
		s.truncator = t
	}
	return s, nil
}

// Identity is stored with every embedding; vectors with different
// identities are not comparable.
func (s *Service) Identity() string { return s.identity }

// Dimensions returns the vector size.
func (s *Service) Dimensions() int { return s.model.Dimensions() }

// Embed returns the unit vector for text.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	text, err := s.prepare(text)
	if err != nil {
		return nil, err
	}
	v, err := s.model.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	return s.finish(v)
}

// EmbedBatch returns unit vectors for texts, in order.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	prepared := make([]string, len(texts))
	for i, t := range texts {
		p, err := s.prepare(t)
		if err != nil {
			return nil, err
		}
		prepared[i] = p
	}

	vs, err := s.model.EmbedBatch(ctx, prepared)
	if err != nil {
		return nil, err
	}
	for i := range vs {
		if vs[i], err = s.finish(vs[i]); err != nil {
			return nil, fmt.Errorf("input %d: %w", i, err)
		}
	}
	return vs, nil
}

// Close releases the underlying model.
func (s *Service) Close() error { return s.model.Close() }

func (s *Service) prepare(text string) (string, error) {
	text = textnorm.Truncate(text, s.maxLength)
	if s.truncator == nil {
		return text, nil
	}
	out, cut, err := s.truncator.Truncate(text)
	if err != nil {
		return "", err
	}
	if cut {
		log.Debug().Int("max_tokens", s.truncator.MaxTokens()).Msg("Embedding input truncated")
	}
	return out, nil
}

func (s *Service) finish(v []float32) ([]float32, error) {
	if len(v) != s.model.Dimensions() {
		return nil, fmt.Errorf("%w: model %s returned %d, want %d",
			ErrDimensionMismatch, s.identity, len(v), s.model.Dimensions())
	}
	return similarity.NormalizeL2(v), nil
}
