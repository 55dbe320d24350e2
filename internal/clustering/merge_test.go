package clustering_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/clusterd/internal/clustering"
	"github.com/thebtf/clusterd/pkg/models"
	"github.com/thebtf/clusterd/pkg/similarity"
)

func seedTwoClusters(t *testing.T, f *fixture) (a, b *models.SubmitResult) {
	t.Helper()
	ctx := context.Background()
	f.embedder.set("topic a one", vecAt(1))
	f.embedder.set("topic a two", vecAt(0.9))
	f.embedder.set("topic b one", []float32{0, 0, 1, 0})
	f.embedder.set("topic b two", []float32{0, 0, 1, 0.2})
	f.embedder.set("topic b three", []float32{0, 0.1, 1, 0})

	var err error
	a, err = f.engine.Submit(ctx, "topic a one", models.Origin{})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, "topic a two", models.Origin{})
	require.NoError(t, err)
	b, err = f.engine.Submit(ctx, "topic b one", models.Origin{})
	require.NoError(t, err)
	for _, text := range []string{"topic b two", "topic b three"} {
		res, err := f.engine.Submit(ctx, text, models.Origin{})
		require.NoError(t, err)
		require.Equal(t, b.Cluster.ID, res.Cluster.ID)
	}
	return a, b
}

func TestMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := seedTwoClusters(t, f)

	res, err := f.engine.Merge(ctx, a.Cluster.ID, b.Cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.MovedQuestions)
	assert.Equal(t, int64(5), res.TargetMemberCount)

	source, err := f.store.GetCluster(ctx, a.Cluster.ID)
	require.NoError(t, err)
	assert.False(t, source.Active)

	target, err := f.store.GetCluster(ctx, b.Cluster.ID)
	require.NoError(t, err)
	assert.True(t, target.Active)
	assert.Equal(t, int64(5), target.MemberCount)

	// Centroid is recomputed over all five members.
	var members [][]float32
	for _, text := range []string{"topic a one", "topic a two", "topic b one", "topic b two", "topic b three"} {
		members = append(members, f.embedder.vectors[text])
	}
	want, err := similarity.ComputeCentroid(members)
	require.NoError(t, err)
	for i := range want {
		assert.InDelta(t, want[i], target.Centroid[i], 1e-5)
	}

	// No current mapping points at the source any more.
	require.NoError(t, f.store.InTx(ctx, func(tx clustering.Tx) error {
		n, err := tx.CountCurrentMappings(ctx, a.Cluster.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
		return nil
	}))
	history := f.store.Mappings(a.Question.ID)
	require.Len(t, history, 2)
	assert.False(t, history[0].IsCurrent)
	assert.Equal(t, b.Cluster.ID, history[1].ClusterID)

	qs, err := f.engine.ClusterQuestions(ctx, b.Cluster.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), qs.Pagination.Total)

	// The source is excluded from matching: a question close to the old
	// source now lands in the target or founds a new cluster, never in a.
	f.embedder.set("topic a three", vecAt(0.97))
	next, err := f.engine.Submit(ctx, "topic a three", models.Origin{})
	require.NoError(t, err)
	assert.NotEqual(t, a.Cluster.ID, next.Cluster.ID)
}

func TestMerge_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := seedTwoClusters(t, f)

	tests := []struct {
		name     string
		source   uuid.UUID
		target   uuid.UUID
		wantErr  error
		wantKind clustering.Kind
	}{
		{"same id", a.Cluster.ID, a.Cluster.ID, clustering.ErrInvalidArguments, clustering.KindInvalidArguments},
		{"nil id", uuid.Nil, b.Cluster.ID, clustering.ErrInvalidArguments, clustering.KindInvalidArguments},
		{"missing source", uuid.New(), b.Cluster.ID, clustering.ErrClusterNotFound, clustering.KindClusterNotFound},
		{"missing target", a.Cluster.ID, uuid.New(), clustering.ErrClusterNotFound, clustering.KindClusterNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Merge(ctx, tt.source, tt.target)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.wantKind, clustering.KindOf(err))
			assert.False(t, clustering.IsRetryable(err))
		})
	}

	// Nothing changed.
	src, err := f.store.GetCluster(ctx, a.Cluster.ID)
	require.NoError(t, err)
	assert.True(t, src.Active)
	assert.Equal(t, int64(2), src.MemberCount)

	_, err = f.engine.Merge(ctx, a.Cluster.ID, b.Cluster.ID)
	require.NoError(t, err)
	_, err = f.engine.Merge(ctx, a.Cluster.ID, b.Cluster.ID)
	assert.ErrorIs(t, err, clustering.ErrInvalidArguments)
}

func TestNearDuplicatesAndMergeDuplicates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Three founding texts whose vectors sit below the attach threshold of
	// each other but above a lower duplicate threshold.
	f.embedder.set("dup one", vecAt(1))
	f.embedder.set("dup two", vecAt(0.78))
	f.embedder.set("dup two again", vecAt(0.78))
	f.embedder.set("unrelated", []float32{0, 0, 0, 1})

	one, err := f.engine.Submit(ctx, "dup one", models.Origin{})
	require.NoError(t, err)
	two, err := f.engine.Submit(ctx, "dup two", models.Origin{})
	require.NoError(t, err)
	require.True(t, two.IsNew)
	_, err = f.engine.Submit(ctx, "dup two again", models.Origin{})
	require.NoError(t, err)
	_, err = f.engine.Submit(ctx, "unrelated", models.Origin{})
	require.NoError(t, err)

	pairs, err := f.engine.NearDuplicates(ctx, 0.75, 10)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, one.Cluster.ID, pairs[0].Source.ID, "smaller cluster is the source")
	assert.Equal(t, two.Cluster.ID, pairs[0].Target.ID)
	assert.InDelta(t, 0.78, pairs[0].Similarity, 1e-5)

	none, err := f.engine.NearDuplicates(ctx, 0.9, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = f.engine.NearDuplicates(ctx, 1.5, 10)
	assert.ErrorIs(t, err, clustering.ErrInvalidArguments)

	merged, err := f.engine.MergeDuplicates(ctx, 0.75, 5)
	require.NoError(t, err)
	require.Len(t, merged, 1)
	assert.Equal(t, int64(3), merged[0].TargetMemberCount)

	after, err := f.engine.NearDuplicates(ctx, 0.75, 10)
	require.NoError(t, err)
	assert.Empty(t, after)
}
