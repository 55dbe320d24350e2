package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
)

// HashModelVersion is the registry key of the feature-hashing model.
const HashModelVersion = "hash-v1"

// hashModel is a deterministic bag-of-features embedder. Each word and each
// character trigram of a padded word is hashed into one of D signed buckets.
// Used for local development and offline runs.
type hashModel struct {
	dimensions int
}

func init() {
	RegisterModel(ModelMetadata{
		Name:        "Feature Hashing",
		Version:     HashModelVersion,
		Description: "Deterministic word and trigram hashing, no external service",
	}, newHashModel)
}

func newHashModel(opts Options) (EmbeddingModel, error) {
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding dimensions must be positive, got %d", opts.Dimensions)
	}
	return &hashModel{dimensions: opts.Dimensions}, nil
}

func (m *hashModel) Name() string    { return "feature-hashing" }
func (m *hashModel) Version() string { return HashModelVersion }
func (m *hashModel) Dimensions() int { return m.dimensions }
func (m *hashModel) Close() error    { return nil }

func (m *hashModel) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v := make([]float32, m.dimensions)
	for _, word := range strings.Fields(text) {
		word = strings.Trim(word, ".,!?")
		if word == "" {
			continue
		}
		m.add(v, "w:"+word, 1.0)

		padded := []rune("^" + word + "$")
		for i := 0; i+3 <= len(padded); i++ {
			m.add(v, "t:"+string(padded[i:i+3]), 0.5)
		}
	}
	return v, nil
}

func (m *hashModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := m.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (m *hashModel) add(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()

	idx := int(sum % uint64(m.dimensions))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	v[idx] += weight
}
