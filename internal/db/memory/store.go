// Package memory is an in-process implementation of clustering.Store for
// tests and single-node development. Transactions run against a copy of the
// state and are swapped in on success.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/thebtf/clusterd/internal/clustering"
	"github.com/thebtf/clusterd/pkg/models"
	"github.com/thebtf/clusterd/pkg/similarity"
)

type statKey struct {
	cluster uuid.UUID
	day     int64
}

type state struct {
	clusters     map[uuid.UUID]models.Cluster
	questions    map[uuid.UUID]models.Question
	embeddings   map[uuid.UUID]models.Embedding
	mappings     []models.Mapping
	daily        map[int64]models.DailyStat
	clusterStats map[statKey]models.ClusterStat
}

func newState() *state {
	return &state{
		clusters:     make(map[uuid.UUID]models.Cluster),
		questions:    make(map[uuid.UUID]models.Question),
		embeddings:   make(map[uuid.UUID]models.Embedding),
		daily:        make(map[int64]models.DailyStat),
		clusterStats: make(map[statKey]models.ClusterStat),
	}
}

// clone copies the containers. Stored vectors are never modified in place,
// so they are shared.
func (s *state) clone() *state {
	out := &state{
		clusters:     make(map[uuid.UUID]models.Cluster, len(s.clusters)),
		questions:    make(map[uuid.UUID]models.Question, len(s.questions)),
		embeddings:   make(map[uuid.UUID]models.Embedding, len(s.embeddings)),
		mappings:     append([]models.Mapping(nil), s.mappings...),
		daily:        make(map[int64]models.DailyStat, len(s.daily)),
		clusterStats: make(map[statKey]models.ClusterStat, len(s.clusterStats)),
	}
	for k, v := range s.clusters {
		out.clusters[k] = v
	}
	for k, v := range s.questions {
		out.questions[k] = v
	}
	for k, v := range s.embeddings {
		out.embeddings[k] = v
	}
	for k, v := range s.daily {
		out.daily[k] = v
	}
	for k, v := range s.clusterStats {
		out.clusterStats[k] = v
	}
	return out
}

// Store holds every record family in memory.
type Store struct {
	mu    sync.RWMutex
	state *state
}

var _ clustering.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{state: newState()}
}

// InTx serialises writers. fn sees a private copy that becomes visible only
// if fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx clustering.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&tx{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// ActiveClusters returns active clusters by member count descending.
func (s *Store) ActiveClusters(ctx context.Context, limit int) ([]models.Cluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.activeSorted()
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) activeSorted() []models.Cluster {
	out := make([]models.Cluster, 0, len(s.state.clusters))
	for _, c := range s.state.clusters {
		if c.Active {
			out = append(out, c.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MemberCount != out[j].MemberCount {
			return out[i].MemberCount > out[j].MemberCount
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// GetCluster returns any cluster, active or not.
func (s *Store) GetCluster(ctx context.Context, id uuid.UUID) (*models.Cluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.state.clusters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", clustering.ErrClusterNotFound, id)
	}
	c = c.Clone()
	return &c, nil
}

// SearchQuestions ranks stored embeddings of modelName by cosine similarity.
func (s *Store) SearchQuestions(ctx context.Context, vector []float32, modelName string, limit int) ([]models.SearchHit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := make([]models.SearchHit, 0)
	for qid, e := range s.state.embeddings {
		if e.ModelName != modelName {
			continue
		}
		sim, err := similarity.CosineSimilarity(vector, e.Vector)
		if err != nil {
			return nil, err
		}
		q := s.state.questions[qid]
		hits = append(hits, models.SearchHit{
			Question:              q,
			ClusterRepresentative: s.state.clusters[q.ClusterID].RepresentativeText,
			Similarity:            sim,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// TopClusters returns the largest active clusters with today's intake.
func (s *Store) TopClusters(ctx context.Context, limit int, today time.Time) ([]models.TopCluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := s.activeSorted()
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}
	todayCounts := s.countSince(today)

	out := make([]models.TopCluster, len(active))
	for i, c := range active {
		out[i] = models.TopCluster{Cluster: c, QuestionsToday: todayCounts[c.ID]}
	}
	return out, nil
}

// TrendingClusters ranks active clusters by questions created since since.
func (s *Store) TrendingClusters(ctx context.Context, since time.Time, limit int) ([]models.TrendingCluster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := s.countSince(since)
	out := make([]models.TrendingCluster, 0, len(counts))
	for id, n := range counts {
		c, ok := s.state.clusters[id]
		if !ok || !c.Active {
			continue
		}
		out = append(out, models.TrendingCluster{Cluster: c.Clone(), PeriodCount: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PeriodCount != out[j].PeriodCount {
			return out[i].PeriodCount > out[j].PeriodCount
		}
		return out[i].MemberCount > out[j].MemberCount
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) countSince(since time.Time) map[uuid.UUID]int64 {
	counts := make(map[uuid.UUID]int64)
	for _, q := range s.state.questions {
		if !q.CreatedAt.Before(since) {
			counts[q.ClusterID]++
		}
	}
	return counts
}

// ClusterStats returns the per-day rows of a cluster since since, newest first.
func (s *Store) ClusterStats(ctx context.Context, id uuid.UUID, since time.Time) ([]models.ClusterStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ClusterStat, 0)
	for k, st := range s.state.clusterStats {
		if k.cluster == id && !st.Date.Before(since) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

// ClusterQuestions pages through questions owned by id, newest first.
func (s *Store) ClusterQuestions(ctx context.Context, id uuid.UUID, limit, offset int) ([]models.Question, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]models.Question, 0)
	for _, q := range s.state.questions {
		if q.ClusterID == id {
			all = append(all, q)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	total := int64(len(all))
	if offset >= len(all) {
		return []models.Question{}, total, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

// DailyStats returns rows on or after since, newest first.
func (s *Store) DailyStats(ctx context.Context, since time.Time) ([]models.DailyStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.DailyStat, 0, len(s.state.daily))
	for _, d := range s.state.daily {
		if !d.Date.Before(since) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.After(out[j].Date) })
	return out, nil
}

// GlobalStats computes whole-system totals.
func (s *Store) GlobalStats(ctx context.Context, today time.Time) (*models.GlobalStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := &models.GlobalStats{TotalQuestions: int64(len(s.state.questions))}
	var members int64
	for _, c := range s.state.clusters {
		if !c.Active {
			continue
		}
		g.TotalClusters++
		members += c.MemberCount
		g.MaxQuestionsInCluster = max(g.MaxQuestionsInCluster, c.MemberCount)
	}
	if g.TotalClusters > 0 {
		g.AvgQuestionsPerCluster = float64(members) / float64(g.TotalClusters)
	}

	var simSum float64
	for _, q := range s.state.questions {
		simSum += q.SimilarityScore
		if !q.CreatedAt.Before(today) {
			g.QuestionsToday++
		}
	}
	if g.TotalQuestions > 0 {
		g.OverallAvgSimilarity = simSum / float64(g.TotalQuestions)
	}
	return g, nil
}

// Mappings returns every mapping row for questionID, oldest first.
func (s *Store) Mappings(questionID uuid.UUID) []models.Mapping {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Mapping
	for _, m := range s.state.mappings {
		if m.QuestionID == questionID {
			out = append(out, m)
		}
	}
	return out
}

// Counts reports the size of each record family.
func (s *Store) Counts() (questions, embeddings, clusters, mappings int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.state.questions), len(s.state.embeddings), len(s.state.clusters), len(s.state.mappings)
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }
