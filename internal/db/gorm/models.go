package gorm

import (
	"time"

	"github.com/google/uuid"
	pgvec "github.com/pgvector/pgvector-go"

	"github.com/thebtf/clusterd/pkg/models"
)

// GORM records. Tables are created by migrations; AutoMigrate is not used
// because the vector columns need an explicit width.

type clusterRecord struct {
	CreatedAt          time.Time     `gorm:"column:created_at"`
	LastActivityAt     time.Time     `gorm:"column:last_activity_at"`
	Centroid           *pgvec.Vector `gorm:"column:centroid"`
	RepresentativeText string        `gorm:"column:representative_text"`
	ID                 uuid.UUID     `gorm:"primaryKey;column:id;type:uuid"`
	QuestionCount      int64         `gorm:"column:question_count"`
	IsActive           bool          `gorm:"column:is_active"`
}

func (clusterRecord) TableName() string { return "question_clusters" }

func newClusterRecord(c *models.Cluster) clusterRecord {
	return clusterRecord{
		ID:                 c.ID,
		RepresentativeText: c.RepresentativeText,
		Centroid:           vectorOrNil(c.Centroid),
		QuestionCount:      c.MemberCount,
		IsActive:           c.Active,
		CreatedAt:          c.CreatedAt,
		LastActivityAt:     c.LastActivityAt,
	}
}

func (r clusterRecord) toModel() models.Cluster {
	c := models.Cluster{
		ID:                 r.ID,
		RepresentativeText: r.RepresentativeText,
		MemberCount:        r.QuestionCount,
		Active:             r.IsActive,
		CreatedAt:          r.CreatedAt.UTC(),
		LastActivityAt:     r.LastActivityAt.UTC(),
	}
	if r.Centroid != nil {
		c.Centroid = r.Centroid.Slice()
	}
	return c
}

type questionRecord struct {
	CreatedAt       time.Time `gorm:"column:created_at"`
	QuestionText    string    `gorm:"column:question_text"`
	NormalizedText  string    `gorm:"column:normalized_text"`
	Country         string    `gorm:"column:country"`
	Language        string    `gorm:"column:language"`
	SimilarityScore float64   `gorm:"column:similarity_score"`
	ID              uuid.UUID `gorm:"primaryKey;column:id;type:uuid"`
	ClusterID       uuid.UUID `gorm:"column:cluster_id;type:uuid"`
}

func (questionRecord) TableName() string { return "user_questions" }

func newQuestionRecord(q *models.Question) questionRecord {
	return questionRecord{
		ID:              q.ID,
		QuestionText:    q.Text,
		NormalizedText:  q.NormalizedText,
		ClusterID:       q.ClusterID,
		SimilarityScore: q.SimilarityScore,
		Country:         q.Country,
		Language:        q.Language,
		CreatedAt:       q.CreatedAt,
	}
}

func (r questionRecord) toModel() models.Question {
	return models.Question{
		ID:              r.ID,
		Text:            r.QuestionText,
		NormalizedText:  r.NormalizedText,
		ClusterID:       r.ClusterID,
		SimilarityScore: r.SimilarityScore,
		Country:         r.Country,
		Language:        r.Language,
		CreatedAt:       r.CreatedAt.UTC(),
	}
}

type embeddingRecord struct {
	CreatedAt  time.Time    `gorm:"column:created_at"`
	ModelName  string       `gorm:"column:model_name"`
	Embedding  pgvec.Vector `gorm:"column:embedding"`
	QuestionID uuid.UUID    `gorm:"primaryKey;column:question_id;type:uuid"`
}

func (embeddingRecord) TableName() string { return "question_embeddings" }

type mappingRecord struct {
	CreatedAt       time.Time `gorm:"column:created_at"`
	SimilarityScore float64   `gorm:"column:similarity_score"`
	ID              int64     `gorm:"primaryKey;autoIncrement;column:id"`
	QuestionID      uuid.UUID `gorm:"column:question_id;type:uuid"`
	ClusterID       uuid.UUID `gorm:"column:cluster_id;type:uuid"`
	IsCurrent       bool      `gorm:"column:is_current"`
}

func (mappingRecord) TableName() string { return "question_cluster_map" }

type dailyStatRecord struct {
	StatDate               time.Time `gorm:"primaryKey;column:stat_date;type:date"`
	UpdatedAt              time.Time `gorm:"column:updated_at"`
	TotalQuestions         int64     `gorm:"column:total_questions"`
	NewClusters            int64     `gorm:"column:new_clusters"`
	ExistingClusterMatches int64     `gorm:"column:existing_cluster_matches"`
	AvgSimilarity          float64   `gorm:"column:avg_similarity"`
}

func (dailyStatRecord) TableName() string { return "daily_stats" }

func (r dailyStatRecord) toModel() models.DailyStat {
	return models.DailyStat{
		Date:                   models.Day(r.StatDate),
		TotalQuestions:         r.TotalQuestions,
		NewClusters:            r.NewClusters,
		ExistingClusterMatches: r.ExistingClusterMatches,
		AvgSimilarity:          r.AvgSimilarity,
		UpdatedAt:              r.UpdatedAt.UTC(),
	}
}

type clusterStatRecord struct {
	StatDate      time.Time `gorm:"column:stat_date;type:date"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
	QuestionCount int64     `gorm:"column:question_count"`
	AvgSimilarity float64   `gorm:"column:avg_similarity"`
	ID            int64     `gorm:"primaryKey;autoIncrement;column:id"`
	ClusterID     uuid.UUID `gorm:"column:cluster_id;type:uuid"`
}

func (clusterStatRecord) TableName() string { return "cluster_stats" }

func (r clusterStatRecord) toModel() models.ClusterStat {
	return models.ClusterStat{
		ClusterID:     r.ClusterID,
		Date:          models.Day(r.StatDate),
		QuestionCount: r.QuestionCount,
		AvgSimilarity: r.AvgSimilarity,
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func vectorOrNil(v []float32) *pgvec.Vector {
	if v == nil {
		return nil
	}
	vec := pgvec.NewVector(v)
	return &vec
}
