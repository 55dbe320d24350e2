package gorm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/thebtf/clusterd/internal/clustering"
	"github.com/thebtf/clusterd/pkg/models"
)

func notFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %s", clustering.ErrClusterNotFound, id)
}

// ActiveClusters returns active clusters, largest first.
func (s *Store) ActiveClusters(ctx context.Context, limit int) ([]models.Cluster, error) {
	ctx, cancel := withDeadline(ctx, DefaultQueryTimeout, "active_clusters")
	defer cancel()

	var records []clusterRecord
	q := s.DB.WithContext(ctx).
		Where("is_active").
		Order("question_count DESC, created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, classify("active_clusters", err)
	}

	out := make([]models.Cluster, len(records))
	for i, r := range records {
		out[i] = r.toModel()
	}
	return out, nil
}

// GetCluster returns a cluster whether or not it is active.
func (s *Store) GetCluster(ctx context.Context, id uuid.UUID) (*models.Cluster, error) {
	ctx, cancel := withDeadline(ctx, DefaultQueryTimeout, "get_cluster")
	defer cancel()

	var r clusterRecord
	err := s.DB.WithContext(ctx).Where("id = ?", id).Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, classify("get_cluster", err)
	}
	c := r.toModel()
	return &c, nil
}

type searchRow struct {
	Question           questionRecord `gorm:"embedded"`
	RepresentativeText string         `gorm:"column:representative_text"`
	Similarity         float64        `gorm:"column:similarity"`
}

// SearchQuestions ranks embeddings produced by modelName by cosine distance
// to vector. Ordering on the raw distance lets the HNSW index serve it.
func (s *Store) SearchQuestions(ctx context.Context, vector []float32, modelName string, limit int) ([]models.SearchHit, error) {
	ctx, cancel := withDeadline(ctx, DefaultQueryTimeout, "search_questions")
	defer cancel()

	queryVec := pgvec.NewVector(vector)
	var rows []searchRow
	err := s.DB.WithContext(ctx).Raw(`
		SELECT q.*, c.representative_text, 1 - (e.embedding <=> ?) AS similarity
		FROM question_embeddings e
		JOIN user_questions q ON q.id = e.question_id
		JOIN question_clusters c ON c.id = q.cluster_id
		WHERE e.model_name = ?
		ORDER BY e.embedding <=> ?
		LIMIT ?`,
		queryVec, modelName, queryVec, limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, classify("search_questions", err)
	}

	hits := make([]models.SearchHit, len(rows))
	for i, r := range rows {
		hits[i] = models.SearchHit{
			Question:              r.Question.toModel(),
			ClusterRepresentative: r.RepresentativeText,
			Similarity:            r.Similarity,
		}
	}
	return hits, nil
}

type countedClusterRow struct {
	Cluster clusterRecord `gorm:"embedded"`
	N       int64         `gorm:"column:n"`
}

// TopClusters returns the largest active clusters with today's intake.
func (s *Store) TopClusters(ctx context.Context, limit int, today time.Time) ([]models.TopCluster, error) {
	ctx, cancel := withDeadline(ctx, DefaultQueryTimeout, "top_clusters")
	defer cancel()

	var rows []countedClusterRow
	err := s.DB.WithContext(ctx).Raw(`
		SELECT c.*, COALESCE(t.n, 0) AS n
		FROM question_clusters c
		LEFT JOIN (
			SELECT cluster_id, COUNT(*) AS n
			FROM user_questions
			WHERE created_at >= ?
			GROUP BY cluster_id
		) t ON t.cluster_id = c.id
		WHERE c.is_active
		ORDER BY c.question_count DESC, c.created_at ASC
		LIMIT ?`,
		today, limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, classify("top_clusters", err)
	}

	out := make([]models.TopCluster, len(rows))
	for i, r := range rows {
		out[i] = models.TopCluster{Cluster: r.Cluster.toModel(), QuestionsToday: r.N}
	}
	return out, nil
}

// TrendingClusters ranks active clusters by questions created since since.
func (s *Store) TrendingClusters(ctx context.Context, since time.Time, limit int) ([]models.TrendingCluster, error) {
	ctx, cancel := withDeadline(ctx, DefaultQueryTimeout, "trending_clusters")
	defer cancel()

	var rows []countedClusterRow
	err := s.DB.WithContext(ctx).Raw(`
		SELECT c.*, p.n
		FROM question_clusters c
		JOIN (
			SELECT cluster_id, COUNT(*) AS n
			FROM user_questions
			WHERE created_at >= ?
			GROUP BY cluster_id
		) p ON p.cluster_id = c.id
		WHERE c.is_active
		ORDER BY p.n DESC, c.question_count DESC
		LIMIT ?`,
		since, limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, classify("trending_clusters", err)
	}

	out := make([]models.TrendingCluster, len(rows))
	for i, r := range rows {
		out[i] = models.TrendingCluster{Cluster: r.Cluster.toModel(), PeriodCount: r.N}
	}
	return out, nil
}

// ClusterStats returns per-day rows for a cluster, newest first.
func (s *Store) ClusterStats(ctx context.Context, id uuid.UUID, since time.Time) ([]models.ClusterStat, error) {
	ctx, cancel := withDeadline(ctx, DefaultQueryTimeout, "cluster_stats")
	defer cancel()

	var records []clusterStatRecord
	err := s.DB.WithContext(ctx).
		Where("cluster_id = ? AND stat_date >= ?", id, models.Day(since)).
		Order("stat_date DESC").
		Find(&records).Error
	if err != nil {
		return nil, classify("cluster_stats", err)
	}

	out := make([]models.ClusterStat, len(records))
	for i, r := range records {
		out[i] = r.toModel()
	}
	return out, nil
}

// ClusterQuestions pages through the questions owned by a cluster, newest first.
func (s *Store) ClusterQuestions(ctx context.Context, id uuid.UUID, limit, offset int) ([]models.Question, int64, error) {
	ctx, cancel := withDeadline(ctx, DefaultQueryTimeout, "cluster_questions")
	defer cancel()

	base := s.DB.WithContext(ctx).Model(&questionRecord{}).Where("cluster_id = ?", id)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, classify("cluster_questions", err)
	}

	var records []questionRecord
	err := base.Session(&gorm.Session{}).
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, 0, classify("cluster_questions", err)
	}

	out := make([]models.Question, len(records))
	for i, r := range records {
		out[i] = r.toModel()
	}
	return out, total, nil
}

// DailyStats returns rows on or after since, newest first.
func (s *Store) DailyStats(ctx context.Context, since time.Time) ([]models.DailyStat, error) {
	ctx, cancel := withDeadline(ctx, DefaultQueryTimeout, "daily_stats")
	defer cancel()

	var records []dailyStatRecord
	err := s.DB.WithContext(ctx).
		Where("stat_date >= ?", models.Day(since)).
		Order("stat_date DESC").
		Find(&records).Error
	if err != nil {
		return nil, classify("daily_stats", err)
	}

	out := make([]models.DailyStat, len(records))
	for i, r := range records {
		out[i] = r.toModel()
	}
	return out, nil
}

type globalStatsRow struct {
	TotalQuestions         int64   `gorm:"column:total_questions"`
	TotalClusters          int64   `gorm:"column:total_clusters"`
	AvgQuestionsPerCluster float64 `gorm:"column:avg_questions_per_cluster"`
	MaxQuestionsInCluster  int64   `gorm:"column:max_questions_in_cluster"`
	QuestionsToday         int64   `gorm:"column:questions_today"`
	OverallAvgSimilarity   float64 `gorm:"column:overall_avg_similarity"`
}

// GlobalStats computes whole-system totals in one round trip.
func (s *Store) GlobalStats(ctx context.Context, today time.Time) (*models.GlobalStats, error) {
	ctx, cancel := withDeadline(ctx, DefaultQueryTimeout, "global_stats")
	defer cancel()

	var row globalStatsRow
	err := s.DB.WithContext(ctx).Raw(`
		SELECT
			(SELECT COUNT(*) FROM user_questions) AS total_questions,
			(SELECT COUNT(*) FROM question_clusters WHERE is_active) AS total_clusters,
			(SELECT COALESCE(AVG(question_count), 0) FROM question_clusters WHERE is_active) AS avg_questions_per_cluster,
			(SELECT COALESCE(MAX(question_count), 0) FROM question_clusters WHERE is_active) AS max_questions_in_cluster,
			(SELECT COUNT(*) FROM user_questions WHERE created_at >= ?) AS questions_today,
			(SELECT COALESCE(AVG(similarity_score), 0) FROM user_questions) AS overall_avg_similarity`,
		today,
	).Scan(&row).Error
	if err != nil {
		return nil, classify("global_stats", err)
	}

	return &models.GlobalStats{
		TotalQuestions:         row.TotalQuestions,
		TotalClusters:          row.TotalClusters,
		AvgQuestionsPerCluster: row.AvgQuestionsPerCluster,
		MaxQuestionsInCluster:  row.MaxQuestionsInCluster,
		QuestionsToday:         row.QuestionsToday,
		OverallAvgSimilarity:   row.OverallAvgSimilarity,
	}, nil
}
