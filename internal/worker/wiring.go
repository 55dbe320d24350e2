package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/clusterd/internal/cache"
	"github.com/thebtf/clusterd/internal/clustering"
	"github.com/thebtf/clusterd/internal/config"
	"github.com/thebtf/clusterd/internal/db/gorm"
	"github.com/thebtf/clusterd/internal/db/memory"
	"github.com/thebtf/clusterd/internal/embedding"
	"github.com/thebtf/clusterd/internal/maintenance"
)

// maintenanceInitialDelay lets the first sweep wait until startup traffic settles.
const maintenanceInitialDelay = time.Minute

// HealthFunc reports whether the store is reachable, with details for /api/ready.
type HealthFunc func(ctx context.Context) (details any, err error)

// Components is everything the HTTP surface drives.
type Components struct {
	Engine      *clustering.Engine
	Cache       *cache.ClusterCache
	Maintenance *maintenance.Service
	Health      HealthFunc

	closers []func() error
}

// Close releases components in reverse order of creation.
func (c *Components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Components) onClose(fn func() error) {
	c.closers = append(c.closers, fn)
}

// Build wires store, embedder, cache, engine and maintenance from cfg.
// On error everything created so far is closed.
func Build(ctx context.Context, cfg *config.Config) (_ *Components, err error) {
	comp := &Components{}
	defer func() {
		if err != nil {
			_ = comp.Close()
		}
	}()

	var (
		store     clustering.Store
		optimizer maintenance.Optimizer
	)
	switch cfg.StoreDriver {
	case config.StoreDriverMemory:
		mem := memory.NewStore()
		store = mem
		comp.Health = func(ctx context.Context) (any, error) {
			return map[string]string{"driver": "memory"}, mem.Ping(ctx)
		}
		log.Warn().Msg("Using in-memory store; data is lost on restart")
	case config.StoreDriverPostgres:
		pg, err := gorm.NewStore(ctx, gorm.Config{
			DSN:           cfg.DatabaseDSN,
			MaxConns:      cfg.DatabaseMaxConns,
			EmbeddingDims: cfg.EmbeddingDimensions,
			TxTimeout:     cfg.TransactionTimeout,
			LogLevel:      gorm.ParseLogLevel(cfg.DatabaseLogLevel),
		})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		comp.onClose(pg.Close)
		store = pg
		optimizer = pg
		comp.Health = func(ctx context.Context) (any, error) {
			info := pg.HealthCheck(ctx)
			if info.Status == "unhealthy" {
				return info, errors.New(info.Error)
			}
			return info, nil
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	emb, err := embedding.NewService(embedding.Config{
		Provider: cfg.EmbeddingProvider,
		Options: embedding.Options{
			BaseURL:    cfg.EmbeddingBaseURL,
			APIKey:     cfg.EmbeddingAPIKey,
			Model:      cfg.EmbeddingModel,
			Dimensions: cfg.EmbeddingDimensions,
			Timeout:    cfg.EmbeddingTimeout,
		},
		MaxTokens: cfg.EmbeddingMaxTokens,
		MaxLength: cfg.MaxTextLength,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding provider: %w", err)
	}
	comp.onClose(emb.Close)
	if emb.Dimensions() != cfg.EmbeddingDimensions {
		return nil, fmt.Errorf("embedding provider yields %d dimensions, configured %d",
			emb.Dimensions(), cfg.EmbeddingDimensions)
	}

	cacheOpts := cache.Options{TTL: cfg.CacheTTL, Capacity: cfg.CacheCapacity}
	if cfg.RedisAddr != "" {
		gen := cache.NewRedisGeneration(cache.NewRedisPool(cfg.RedisAddr), cfg.RedisGenerationKey)
		comp.onClose(gen.Close)
		if err := gen.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable; cache falls back to TTL until it returns")
		}
		cacheOpts.Generation = gen
	}
	comp.Cache = cache.New(store.ActiveClusters, cacheOpts)

	comp.Engine, err = clustering.NewEngine(store, emb, comp.Cache, clustering.Options{
		Threshold:               cfg.SimilarityThreshold,
		HighConfidenceThreshold: cfg.HighConfidenceThreshold,
		Dimensions:              cfg.EmbeddingDimensions,
		MinTextLength:           cfg.MinTextLength,
		MaxTextLength:           cfg.MaxTextLength,
		MaxBatchSize:            cfg.MaxQuestionsPerRequest,
		DefaultTopClusters:      cfg.DefaultTopClusters,
		DuplicateThreshold:      cfg.DuplicateThreshold,
	})
	if err != nil {
		return nil, err
	}

	comp.Maintenance = maintenance.NewService(comp.Engine, optimizer, maintenance.Options{
		Interval:           cfg.MaintenanceInterval,
		InitialDelay:       maintenanceInitialDelay,
		DuplicateThreshold: cfg.DuplicateThreshold,
		AutoMerge:          cfg.AutoMergeDuplicates,
	}, log.Logger)

	log.Info().
		Str("store", cfg.StoreDriver).
		Str("embedding", emb.Identity()).
		Float64("threshold", cfg.SimilarityThreshold).
		Bool("shared_cache_generation", cacheOpts.Generation != nil).
		Msg("Components ready")
	return comp, nil
}
