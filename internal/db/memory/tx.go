package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/clusterd/internal/clustering"
	"github.com/thebtf/clusterd/pkg/models"
)

type tx struct {
	st *state
}

var _ clustering.Tx = (*tx)(nil)

func notFound(id uuid.UUID) error {
	return fmt.Errorf("%w: %s", clustering.ErrClusterNotFound, id)
}

func (t *tx) LockCluster(_ context.Context, id uuid.UUID) (*models.Cluster, error) {
	c, ok := t.st.clusters[id]
	if !ok {
		return nil, notFound(id)
	}
	c = c.Clone()
	return &c, nil
}

func (t *tx) CreateCluster(_ context.Context, c *models.Cluster) error {
	if _, exists := t.st.clusters[c.ID]; exists {
		return fmt.Errorf("cluster %s already exists", c.ID)
	}
	t.st.clusters[c.ID] = c.Clone()
	return nil
}

func (t *tx) UpdateCluster(_ context.Context, id uuid.UUID, centroid []float32, memberCount int64, lastActivity time.Time) error {
	c, ok := t.st.clusters[id]
	if !ok {
		return notFound(id)
	}
	c.Centroid = append([]float32(nil), centroid...)
	c.MemberCount = memberCount
	c.LastActivityAt = lastActivity
	t.st.clusters[id] = c
	return nil
}

func (t *tx) DeactivateCluster(_ context.Context, id uuid.UUID, at time.Time) error {
	c, ok := t.st.clusters[id]
	if !ok {
		return notFound(id)
	}
	c.Active = false
	c.MemberCount = 0
	c.LastActivityAt = at
	t.st.clusters[id] = c
	return nil
}

func (t *tx) InsertQuestion(_ context.Context, q *models.Question) error {
	if _, exists := t.st.questions[q.ID]; exists {
		return fmt.Errorf("question %s already exists", q.ID)
	}
	if _, ok := t.st.clusters[q.ClusterID]; !ok {
		return notFound(q.ClusterID)
	}
	t.st.questions[q.ID] = *q
	return nil
}

func (t *tx) InsertEmbedding(_ context.Context, e *models.Embedding) error {
	if _, ok := t.st.questions[e.QuestionID]; !ok {
		return fmt.Errorf("embedding for unknown question %s", e.QuestionID)
	}
	if _, exists := t.st.embeddings[e.QuestionID]; exists {
		return fmt.Errorf("question %s already has an embedding", e.QuestionID)
	}
	cp := *e
	cp.Vector = append([]float32(nil), e.Vector...)
	t.st.embeddings[e.QuestionID] = cp
	return nil
}

func (t *tx) InsertMapping(_ context.Context, m *models.Mapping) error {
	if m.IsCurrent {
		for _, existing := range t.st.mappings {
			if existing.QuestionID == m.QuestionID && existing.IsCurrent {
				return fmt.Errorf("question %s already has a current mapping", m.QuestionID)
			}
		}
	}
	t.st.mappings = append(t.st.mappings, *m)
	return nil
}

func (t *tx) RecordDailyStat(_ context.Context, day time.Time, newCluster bool, sim float64, at time.Time) error {
	key := day.Unix()
	d, ok := t.st.daily[key]
	if !ok {
		d = models.DailyStat{Date: day}
	}
	d.Fold(newCluster, sim)
	d.UpdatedAt = at
	t.st.daily[key] = d
	return nil
}

func (t *tx) RecordClusterStat(_ context.Context, clusterID uuid.UUID, day time.Time, sim float64, at time.Time) error {
	key := statKey{cluster: clusterID, day: day.Unix()}
	c, ok := t.st.clusterStats[key]
	if !ok {
		c = models.ClusterStat{ClusterID: clusterID, Date: day}
	}
	c.Fold(sim)
	c.UpdatedAt = at
	t.st.clusterStats[key] = c
	return nil
}

func (t *tx) CurrentMembers(_ context.Context, clusterIDs ...uuid.UUID) ([]models.MemberVector, error) {
	want := make(map[uuid.UUID]bool, len(clusterIDs))
	for _, id := range clusterIDs {
		want[id] = true
	}
	var out []models.MemberVector
	for _, m := range t.st.mappings {
		if !m.IsCurrent || !want[m.ClusterID] {
			continue
		}
		out = append(out, models.MemberVector{
			QuestionID: m.QuestionID,
			ClusterID:  m.ClusterID,
			Vector:     t.st.embeddings[m.QuestionID].Vector,
		})
	}
	return out, nil
}

func (t *tx) ReassignMembers(_ context.Context, from, to uuid.UUID, scores map[uuid.UUID]float64, at time.Time) (int64, error) {
	var moved []uuid.UUID
	for i, m := range t.st.mappings {
		if m.ClusterID == from && m.IsCurrent {
			t.st.mappings[i].IsCurrent = false
			moved = append(moved, m.QuestionID)
		}
	}
	for _, qid := range moved {
		t.st.mappings = append(t.st.mappings, models.Mapping{
			QuestionID:      qid,
			ClusterID:       to,
			SimilarityScore: scores[qid],
			IsCurrent:       true,
			CreatedAt:       at,
		})
	}
	for id, q := range t.st.questions {
		if q.ClusterID == from {
			q.ClusterID = to
			t.st.questions[id] = q
		}
	}
	return int64(len(moved)), nil
}

func (t *tx) CountCurrentMappings(_ context.Context, clusterID uuid.UUID) (int64, error) {
	var n int64
	for _, m := range t.st.mappings {
		if m.ClusterID == clusterID && m.IsCurrent {
			n++
		}
	}
	return n, nil
}
