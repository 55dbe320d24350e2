// Package cache holds the per-process snapshot of active clusters used for
// matching new questions.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/thebtf/clusterd/pkg/models"
)

const (
	// DefaultTTL is how long a snapshot is served before a read reloads it.
	DefaultTTL = 5 * time.Minute
	// DefaultCapacity caps the number of clusters held, largest first.
	DefaultCapacity = 1000
	// DefaultGenerationCooldown is how long the shared generation is left
	// alone after a failed call.
	DefaultGenerationCooldown = 30 * time.Second
)

// Loader reads up to limit active clusters ordered by member count descending.
type Loader func(ctx context.Context, limit int) ([]models.Cluster, error)

// Generation is a shared invalidation counter. When several processes serve
// the same store, a bump by one makes the others drop their snapshots.
type Generation interface {
	Current(ctx context.Context) (int64, error)
	Bump(ctx context.Context) error
}

// Snapshot is an immutable view of the active clusters at LoadedAt.
// Callers must not modify the clusters.
type Snapshot struct {
	Clusters   []models.Cluster
	LoadedAt   time.Time
	generation int64
}

// Len returns the number of clusters in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Clusters)
}

// Stats reports cache activity.
type Stats struct {
	Hits          int64     `json:"hits"`
	Reloads       int64     `json:"reloads"`
	Invalidations int64     `json:"invalidations"`
	Size          int       `json:"size"`
	Capacity      int       `json:"capacity"`
	TTL           string    `json:"ttl"`
	LoadedAt      time.Time `json:"loaded_at,omitzero"`
}

// Options configures a ClusterCache.
type Options struct {
	TTL        time.Duration
	Capacity   int
	Generation Generation
	// GenerationCooldown defaults to DefaultGenerationCooldown.
	GenerationCooldown time.Duration
	Now                func() time.Time
}

// ClusterCache serves snapshots of active clusters. Reads past the TTL, or
// after Invalidate, reload synchronously; concurrent reloads are coalesced.
// The snapshot is eventually consistent with the store.
type ClusterCache struct {
	load   Loader
	opts   Options
	group  singleflight.Group
	logger zerolog.Logger

	mu       sync.RWMutex
	snapshot *Snapshot
	epoch    uint64

	// Shared generation health. While retryAt is in the future the cache
	// runs on TTL alone; bumps missed meanwhile are replayed once it is back.
	genMu      sync.Mutex
	genRetryAt time.Time
	genDown    bool
	missedBump bool

	hits          atomic.Int64
	reloads       atomic.Int64
	invalidations atomic.Int64
}

// New creates a cache over load.
func New(load Loader, opts Options) *ClusterCache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.GenerationCooldown <= 0 {
		opts.GenerationCooldown = DefaultGenerationCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &ClusterCache{
		load:   load,
		opts:   opts,
		logger: log.With().Str("component", "cluster-cache").Logger(),
	}
}

// Get returns the current snapshot, reloading it if it is missing, expired
// or superseded by a shared generation bump.
func (c *ClusterCache) Get(ctx context.Context) (*Snapshot, error) {
	gen, genOK := c.sharedGeneration(ctx)

	c.mu.RLock()
	snap, epoch := c.snapshot, c.epoch
	c.mu.RUnlock()

	if snap != nil && c.opts.Now().Sub(snap.LoadedAt) < c.opts.TTL && (!genOK || snap.generation == gen) {
		c.hits.Add(1)
		return snap, nil
	}

	// Keyed by epoch so a read after Invalidate never joins an older load.
	v, err, _ := c.group.Do(strconv.FormatUint(epoch, 10), func() (any, error) {
		return c.reload(ctx, epoch, gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

func (c *ClusterCache) reload(ctx context.Context, epoch uint64, gen int64) (*Snapshot, error) {
	start := c.opts.Now()
	clusters, err := c.load(ctx, c.opts.Capacity)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Cluster snapshot reload failed")
		return nil, fmt.Errorf("load active clusters: %w", err)
	}
	if len(clusters) > c.opts.Capacity {
		clusters = clusters[:c.opts.Capacity]
	}

	snap := &Snapshot{Clusters: clusters, LoadedAt: start, generation: gen}
	c.reloads.Add(1)

	c.mu.Lock()
	// An Invalidate that raced with the load wins; the caller still gets
	// what was read, but it is not installed.
	if c.epoch == epoch {
		c.snapshot = snap
	}
	c.mu.Unlock()

	c.logger.Debug().
		Int("clusters", len(clusters)).
		Dur("took", c.opts.Now().Sub(start)).
		Msg("Cluster snapshot reloaded")
	return snap, nil
}

// Invalidate drops the local snapshot and bumps the shared generation.
// A failed bump is logged; other processes then catch up at their TTL.
func (c *ClusterCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.snapshot = nil
	c.epoch++
	c.mu.Unlock()
	c.invalidations.Add(1)

	if c.opts.Generation == nil {
		return
	}
	if !c.generationUsable() {
		c.genMu.Lock()
		c.missedBump = true
		c.genMu.Unlock()
		return
	}
	if err := c.opts.Generation.Bump(ctx); err != nil {
		c.genMu.Lock()
		c.missedBump = true
		c.genMu.Unlock()
		c.generationFailed(err)
	}
}

// Stats returns a point-in-time view of cache activity.
func (c *ClusterCache) Stats() Stats {
	c.mu.RLock()
	snap := c.snapshot
	c.mu.RUnlock()

	s := Stats{
		Hits:          c.hits.Load(),
		Reloads:       c.reloads.Load(),
		Invalidations: c.invalidations.Load(),
		Size:          snap.Len(),
		Capacity:      c.opts.Capacity,
		TTL:           c.opts.TTL.String(),
	}
	if snap != nil {
		s.LoadedAt = snap.LoadedAt
	}
	return s
}

func (c *ClusterCache) sharedGeneration(ctx context.Context) (int64, bool) {
	if c.opts.Generation == nil || !c.generationUsable() {
		return 0, false
	}

	c.genMu.Lock()
	replay := c.missedBump
	c.genMu.Unlock()
	if replay {
		if err := c.opts.Generation.Bump(ctx); err != nil {
			c.generationFailed(err)
			return 0, false
		}
		c.genMu.Lock()
		c.missedBump = false
		c.genMu.Unlock()
	}

	gen, err := c.opts.Generation.Current(ctx)
	if err != nil {
		c.generationFailed(err)
		return 0, false
	}
	c.generationRecovered()
	return gen, true
}

// generationUsable reports whether the cooldown after a failure has passed.
func (c *ClusterCache) generationUsable() bool {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	return !c.genDown || !c.opts.Now().Before(c.genRetryAt)
}

// generationFailed starts a cooldown. Only the first failure of an outage
// is logged as a warning.
func (c *ClusterCache) generationFailed(err error) {
	c.genMu.Lock()
	first := !c.genDown
	c.genDown = true
	c.genRetryAt = c.opts.Now().Add(c.opts.GenerationCooldown)
	c.genMu.Unlock()

	if first {
		c.logger.Warn().Err(err).
			Dur("cooldown", c.opts.GenerationCooldown).
			Msg("Shared cache generation unavailable, falling back to TTL")
		return
	}
	c.logger.Debug().Err(err).Msg("Shared cache generation still unavailable")
}

func (c *ClusterCache) generationRecovered() {
	c.genMu.Lock()
	was := c.genDown
	c.genDown = false
	c.genMu.Unlock()
	if was {
		c.logger.Info().Msg("Shared cache generation available again")
	}
}
