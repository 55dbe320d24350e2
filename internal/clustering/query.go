package clustering

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/thebtf/clusterd/pkg/models"
)

// Request bounds. A non-positive value selects the default.
const (
	MaxTopClusters = 100

	DefaultTrendingDays  = 7
	MaxTrendingDays      = 90
	DefaultTrendingLimit = 3
	MaxTrendingLimit     = 20

	DefaultQuestionsLimit = 50
	MaxQuestionsLimit     = 100

	DefaultStatsDays = 30
	MaxStatsDays     = 365

	DefaultSearchLimit = 10
	MaxSearchLimit     = 50

	DefaultDuplicateLimit = 20
	MaxDuplicateLimit     = 200

	clusterDetailDays = 14
)

func clamp(v, def, maxV int) int {
	if v <= 0 {
		return def
	}
	return min(v, maxV)
}

// Search embeds query and returns the nearest stored questions, closest
// first. It reads the store's vector index directly and never touches
// clusters or the cache.
func (e *Engine) Search(ctx context.Context, query string, limit int) ([]models.SearchHit, error) {
	const op = "search"
	ctx, span := tracer.Start(ctx, "clustering.Search")
	defer span.End()

	normalized, err := e.prepare(op, query)
	if err != nil {
		e.metrics.failure(ctx, op, err)
		return nil, err
	}
	limit = clamp(limit, DefaultSearchLimit, MaxSearchLimit)

	vec, err := e.embed(ctx, op, normalized)
	if err != nil {
		e.metrics.failure(ctx, op, err)
		return nil, err
	}

	hits, err := e.store.SearchQuestions(ctx, vec, e.embedder.Identity(), limit)
	if err != nil {
		err = storeError(op, err)
		e.metrics.failure(ctx, op, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(hits)))
	e.metrics.searched(ctx)
	return hits, nil
}

// TopClusters returns active clusters by member count.
func (e *Engine) TopClusters(ctx context.Context, limit int) ([]models.TopCluster, error) {
	limit = clamp(limit, e.opts.DefaultTopClusters, MaxTopClusters)
	out, err := e.store.TopClusters(ctx, limit, models.Day(e.opts.Now()))
	if err != nil {
		return nil, storeError("top_clusters", err)
	}
	return out, nil
}

// TopClustersInPeriod ranks active clusters by questions received since the
// start of the day `days` days ago.
func (e *Engine) TopClustersInPeriod(ctx context.Context, days, limit int) (*models.TrendingResult, error) {
	days = clamp(days, DefaultTrendingDays, MaxTrendingDays)
	limit = clamp(limit, DefaultTrendingLimit, MaxTrendingLimit)

	since := models.Day(e.opts.Now()).AddDate(0, 0, -days)
	clusters, err := e.store.TrendingClusters(ctx, since, limit)
	if err != nil {
		return nil, storeError("trending_clusters", err)
	}
	return &models.TrendingResult{Days: days, Clusters: clusters}, nil
}

// ClusterDetail returns any existing cluster, active or merged, with its
// recent daily statistics.
func (e *Engine) ClusterDetail(ctx context.Context, id uuid.UUID) (*models.ClusterDetail, error) {
	const op = "cluster_detail"
	c, err := e.store.GetCluster(ctx, id)
	if err != nil {
		return nil, storeError(op, err)
	}
	since := models.Day(e.opts.Now()).AddDate(0, 0, -(clusterDetailDays - 1))
	stats, err := e.store.ClusterStats(ctx, id, since)
	if err != nil {
		return nil, storeError(op, err)
	}
	return &models.ClusterDetail{Cluster: *c, Stats: stats}, nil
}

// ClusterQuestions pages through a cluster's questions, newest first.
func (e *Engine) ClusterQuestions(ctx context.Context, id uuid.UUID, limit, offset int) (*models.ClusterQuestions, error) {
	const op = "cluster_questions"
	limit = clamp(limit, DefaultQuestionsLimit, MaxQuestionsLimit)
	offset = max(offset, 0)

	c, err := e.store.GetCluster(ctx, id)
	if err != nil {
		return nil, storeError(op, err)
	}
	qs, total, err := e.store.ClusterQuestions(ctx, id, limit, offset)
	if err != nil {
		return nil, storeError(op, err)
	}
	return &models.ClusterQuestions{
		Cluster:    *c,
		Questions:  qs,
		Pagination: models.Page{Limit: limit, Offset: offset, Total: total},
	}, nil
}

// DailyStats returns the statistics rows of the last `days` days, newest first.
func (e *Engine) DailyStats(ctx context.Context, days int) ([]models.DailyStat, error) {
	days = clamp(days, DefaultStatsDays, MaxStatsDays)
	since := models.Day(e.opts.Now()).AddDate(0, 0, -(days - 1))
	out, err := e.store.DailyStats(ctx, since)
	if err != nil {
		return nil, storeError("daily_stats", err)
	}
	return out, nil
}

// GlobalStats returns whole-system totals.
func (e *Engine) GlobalStats(ctx context.Context) (*models.GlobalStats, error) {
	out, err := e.store.GlobalStats(ctx, models.Day(e.opts.Now()))
	if err != nil {
		return nil, storeError("global_stats", err)
	}
	return out, nil
}

// InvalidateCache drops the cluster snapshot here and, when shared, in
// every other process.
func (e *Engine) InvalidateCache(ctx context.Context) {
	e.snapshots.Invalidate(ctx)
	e.logger.Info().Msg("Cluster cache invalidated")
}
