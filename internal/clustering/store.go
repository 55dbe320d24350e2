package clustering

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/clusterd/pkg/models"
)

// Store is the persistence contract the engine runs against.
// Lookups of a missing cluster return an error wrapping ErrClusterNotFound.
type Store interface {
	// ActiveClusters returns up to limit active clusters by member count descending.
	ActiveClusters(ctx context.Context, limit int) ([]models.Cluster, error)
	// InTx runs fn in one transaction; any error rolls everything back.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	SearchQuestions(ctx context.Context, vector []float32, modelName string, limit int) ([]models.SearchHit, error)
	TopClusters(ctx context.Context, limit int, today time.Time) ([]models.TopCluster, error)
	TrendingClusters(ctx context.Context, since time.Time, limit int) ([]models.TrendingCluster, error)
	GetCluster(ctx context.Context, id uuid.UUID) (*models.Cluster, error)
	ClusterStats(ctx context.Context, id uuid.UUID, since time.Time) ([]models.ClusterStat, error)
	ClusterQuestions(ctx context.Context, id uuid.UUID, limit, offset int) ([]models.Question, int64, error)
	DailyStats(ctx context.Context, since time.Time) ([]models.DailyStat, error)
	GlobalStats(ctx context.Context, today time.Time) (*models.GlobalStats, error)
}

// Tx is the set of writes available inside Store.InTx.
type Tx interface {
	// LockCluster reads a cluster and holds it against concurrent writers
	// until the transaction ends.
	LockCluster(ctx context.Context, id uuid.UUID) (*models.Cluster, error)
	CreateCluster(ctx context.Context, c *models.Cluster) error
	UpdateCluster(ctx context.Context, id uuid.UUID, centroid []float32, memberCount int64, lastActivity time.Time) error
	DeactivateCluster(ctx context.Context, id uuid.UUID, at time.Time) error

	InsertQuestion(ctx context.Context, q *models.Question) error
	InsertEmbedding(ctx context.Context, e *models.Embedding) error
	InsertMapping(ctx context.Context, m *models.Mapping) error

	// RecordDailyStat folds one submission into the row for day.
	RecordDailyStat(ctx context.Context, day time.Time, newCluster bool, similarity float64, at time.Time) error
	// RecordClusterStat folds one submission into the (cluster, day) row.
	RecordClusterStat(ctx context.Context, clusterID uuid.UUID, day time.Time, similarity float64, at time.Time) error

	// CurrentMembers returns the embeddings of questions currently mapped to
	// any of clusterIDs.
	CurrentMembers(ctx context.Context, clusterIDs ...uuid.UUID) ([]models.MemberVector, error)
	// ReassignMembers retires every current mapping of from, inserts a
	// current mapping to to for each question with the given score, and
	// rewrites the questions' owning cluster. It returns the number moved.
	ReassignMembers(ctx context.Context, from, to uuid.UUID, scores map[uuid.UUID]float64, at time.Time) (int64, error)
	CountCurrentMappings(ctx context.Context, clusterID uuid.UUID) (int64, error)
}
