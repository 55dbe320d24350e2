package gorm

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thebtf/clusterd/internal/clustering"
	"github.com/thebtf/clusterd/pkg/models"
)

// tx implements clustering.Tx on an open GORM transaction.
type tx struct {
	db *gorm.DB
}

var _ clustering.Tx = (*tx)(nil)

// mappingBatchSize bounds the rows per INSERT when a merge moves members.
const mappingBatchSize = 500

// LockCluster reads the cluster row with SELECT ... FOR UPDATE.
func (t *tx) LockCluster(ctx context.Context, id uuid.UUID) (*models.Cluster, error) {
	var r clusterRecord
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		Take(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, classify("lock_cluster", err)
	}
	c := r.toModel()
	return &c, nil
}

func (t *tx) CreateCluster(ctx context.Context, c *models.Cluster) error {
	rec := newClusterRecord(c)
	return classify("create_cluster", t.db.WithContext(ctx).Create(&rec).Error)
}

func (t *tx) UpdateCluster(ctx context.Context, id uuid.UUID, centroid []float32, memberCount int64, lastActivity time.Time) error {
	res := t.db.WithContext(ctx).
		Model(&clusterRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"centroid":         vectorOrNil(centroid),
			"question_count":   memberCount,
			"last_activity_at": lastActivity,
		})
	if res.Error != nil {
		return classify("update_cluster", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

func (t *tx) DeactivateCluster(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := t.db.WithContext(ctx).
		Model(&clusterRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"is_active":        false,
			"question_count":   0,
			"last_activity_at": at,
		})
	if res.Error != nil {
		return classify("deactivate_cluster", res.Error)
	}
	if res.RowsAffected == 0 {
		return notFound(id)
	}
	return nil
}

func (t *tx) InsertQuestion(ctx context.Context, q *models.Question) error {
	rec := newQuestionRecord(q)
	return classify("insert_question", t.db.WithContext(ctx).Create(&rec).Error)
}

func (t *tx) InsertEmbedding(ctx context.Context, e *models.Embedding) error {
	rec := embeddingRecord{
		QuestionID: e.QuestionID,
		Embedding:  pgvec.NewVector(e.Vector),
		ModelName:  e.ModelName,
		CreatedAt:  e.CreatedAt,
	}
	return classify("insert_embedding", t.db.WithContext(ctx).Create(&rec).Error)
}

func (t *tx) InsertMapping(ctx context.Context, m *models.Mapping) error {
	rec := mappingRecord{
		QuestionID:      m.QuestionID,
		ClusterID:       m.ClusterID,
		SimilarityScore: m.SimilarityScore,
		IsCurrent:       m.IsCurrent,
		CreatedAt:       m.CreatedAt,
	}
	return classify("insert_mapping", t.db.WithContext(ctx).Create(&rec).Error)
}

// RecordDailyStat upserts the day's row, folding similarity into the
// running average in SQL so concurrent submitters never lose an update.
func (t *tx) RecordDailyStat(ctx context.Context, day time.Time, newCluster bool, similarity float64, at time.Time) error {
	rec := dailyStatRecord{
		StatDate:       models.Day(day),
		TotalQuestions: 1,
		AvgSimilarity:  similarity,
		UpdatedAt:      at,
	}
	if newCluster {
		rec.NewClusters = 1
	} else {
		rec.ExistingClusterMatches = 1
	}

	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "stat_date"}},
			DoUpdates: clause.Assignments(map[string]any{
				"avg_similarity":           gorm.Expr("(daily_stats.avg_similarity * daily_stats.total_questions + EXCLUDED.avg_similarity) / (daily_stats.total_questions + 1)"),
				"total_questions":          gorm.Expr("daily_stats.total_questions + 1"),
				"new_clusters":             gorm.Expr("daily_stats.new_clusters + EXCLUDED.new_clusters"),
				"existing_cluster_matches": gorm.Expr("daily_stats.existing_cluster_matches + EXCLUDED.existing_cluster_matches"),
				"updated_at":               gorm.Expr("EXCLUDED.updated_at"),
			}),
		}).
		Create(&rec).Error
	return classify("record_daily_stat", err)
}

// RecordClusterStat upserts the (cluster, day) row the same way.
func (t *tx) RecordClusterStat(ctx context.Context, clusterID uuid.UUID, day time.Time, similarity float64, at time.Time) error {
	rec := clusterStatRecord{
		ClusterID:     clusterID,
		StatDate:      models.Day(day),
		QuestionCount: 1,
		AvgSimilarity: similarity,
		UpdatedAt:     at,
	}

	err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "cluster_id"}, {Name: "stat_date"}},
			DoUpdates: clause.Assignments(map[string]any{
				"avg_similarity": gorm.Expr("(cluster_stats.avg_similarity * cluster_stats.question_count + EXCLUDED.avg_similarity) / (cluster_stats.question_count + 1)"),
				"question_count": gorm.Expr("cluster_stats.question_count + 1"),
				"updated_at":     gorm.Expr("EXCLUDED.updated_at"),
			}),
		}).
		Create(&rec).Error
	return classify("record_cluster_stat", err)
}

type memberRow struct {
	QuestionID uuid.UUID    `gorm:"column:question_id"`
	ClusterID  uuid.UUID    `gorm:"column:cluster_id"`
	Embedding  pgvec.Vector `gorm:"column:embedding"`
}

func (t *tx) CurrentMembers(ctx context.Context, clusterIDs ...uuid.UUID) ([]models.MemberVector, error) {
	if len(clusterIDs) == 0 {
		return nil, nil
	}

	var rows []memberRow
	err := t.db.WithContext(ctx).Raw(`
		SELECT m.question_id, m.cluster_id, e.embedding
		FROM question_cluster_map m
		JOIN question_embeddings e ON e.question_id = m.question_id
		WHERE m.is_current AND m.cluster_id IN ?`,
		clusterIDs,
	).Scan(&rows).Error
	if err != nil {
		return nil, classify("current_members", err)
	}

	out := make([]models.MemberVector, len(rows))
	for i, r := range rows {
		out[i] = models.MemberVector{
			QuestionID: r.QuestionID,
			ClusterID:  r.ClusterID,
			Vector:     r.Embedding.Slice(),
		}
	}
	return out, nil
}

func (t *tx) ReassignMembers(ctx context.Context, from, to uuid.UUID, scores map[uuid.UUID]float64, at time.Time) (int64, error) {
	db := t.db.WithContext(ctx)

	var moved []uuid.UUID
	err := db.Model(&mappingRecord{}).
		Where("cluster_id = ? AND is_current", from).
		Pluck("question_id", &moved).Error
	if err != nil {
		return 0, classify("reassign_members", err)
	}

	err = db.Model(&mappingRecord{}).
		Where("cluster_id = ? AND is_current", from).
		Update("is_current", false).Error
	if err != nil {
		return 0, classify("reassign_members", err)
	}

	if len(moved) > 0 {
		records := make([]mappingRecord, len(moved))
		for i, qid := range moved {
			records[i] = mappingRecord{
				QuestionID:      qid,
				ClusterID:       to,
				SimilarityScore: scores[qid],
				IsCurrent:       true,
				CreatedAt:       at,
			}
		}
		if err := db.CreateInBatches(&records, mappingBatchSize).Error; err != nil {
			return 0, classify("reassign_members", err)
		}
	}

	err = db.Model(&questionRecord{}).
		Where("cluster_id = ?", from).
		Update("cluster_id", to).Error
	if err != nil {
		return 0, classify("reassign_members", err)
	}
	return int64(len(moved)), nil
}

func (t *tx) CountCurrentMappings(ctx context.Context, clusterID uuid.UUID) (int64, error) {
	var n int64
	err := t.db.WithContext(ctx).
		Model(&mappingRecord{}).
		Where("cluster_id = ? AND is_current", clusterID).
		Count(&n).Error
	return n, classify("count_current_mappings", err)
}
