// Package embedding turns normalized question text into fixed-dimension
// unit vectors with swappable models.
package embedding

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

// EmbeddingModel is one embedding backend.
type EmbeddingModel interface {
	// Name is the backend's own model name, e.g. "text-embedding-3-small".
	Name() string
	// Version is the registry key the model was built from, e.g. "openai".
	Version() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Close() error
}

// Options configures a model instance. Models ignore fields they do not use.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// ModelMetadata describes a registered model.
type ModelMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Default     bool   `json:"default"`
}

// ModelFactory builds a model from options.
type ModelFactory func(opts Options) (EmbeddingModel, error)

type registration struct {
	meta    ModelMetadata
	factory ModelFactory
}

// ModelRegistry maps provider names (the embedding_provider setting) to
// model factories.
type ModelRegistry struct {
	mu     sync.RWMutex
	models map[string]registration
}

// NewModelRegistry returns an empty registry.
func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{models: make(map[string]registration)}
}

// Register adds or replaces the factory for meta.Version.
func (r *ModelRegistry) Register(meta ModelMetadata, factory ModelFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.models[meta.Version] = registration{meta: meta, factory: factory}
}

// Get builds the model registered as version.
func (r *ModelRegistry) Get(version string, opts Options) (EmbeddingModel, error) {
	r.mu.RLock()
	reg, ok := r.models[version]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown embedding provider %q (available: %s)",
			version, strings.Join(r.Versions(), ", "))
	}
	return reg.factory(opts)
}

// Has reports whether version is registered.
func (r *ModelRegistry) Has(version string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.models[version]
	return ok
}

// Versions returns the registered provider names, sorted.
func (r *ModelRegistry) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.models))
}

// Metadata returns the metadata for version.
func (r *ModelRegistry) Metadata(version string) (ModelMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.models[version]
	return reg.meta, ok
}

// DefaultRegistry holds the built-in models; they register themselves in init.
var DefaultRegistry = NewModelRegistry()

// RegisterModel adds a model to DefaultRegistry.
func RegisterModel(meta ModelMetadata, factory ModelFactory) {
	DefaultRegistry.Register(meta, factory)
}

// GetModel builds a model from DefaultRegistry.
func GetModel(version string, opts Options) (EmbeddingModel, error) {
	return DefaultRegistry.Get(version, opts)
}
