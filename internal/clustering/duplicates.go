package clustering

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/thebtf/clusterd/pkg/models"
	"github.com/thebtf/clusterd/pkg/similarity"
)

// duplicateScanLimit bounds the pairwise comparison to the largest clusters.
const duplicateScanLimit = 1000

// NearDuplicates compares the centroids of active clusters pairwise and
// returns pairs at or above threshold, most similar first. A threshold of
// zero selects the configured duplicate threshold. In each pair the smaller
// cluster is the suggested merge source.
func (e *Engine) NearDuplicates(ctx context.Context, threshold float64, limit int) ([]models.DuplicatePair, error) {
	const op = "near_duplicates"
	if threshold == 0 {
		threshold = e.opts.DuplicateThreshold
	}
	if threshold < 0 || threshold > 1 {
		return nil, NewError(op, KindInvalidArguments, fmt.Errorf("threshold %v out of (0,1]", threshold))
	}
	limit = clamp(limit, DefaultDuplicateLimit, MaxDuplicateLimit)

	clusters, err := e.store.ActiveClusters(ctx, duplicateScanLimit)
	if err != nil {
		return nil, storeError(op, err)
	}

	var pairs []models.DuplicatePair
	for i := 0; i < len(clusters); i++ {
		if clusters[i].Centroid == nil {
			continue
		}
		for j := i + 1; j < len(clusters); j++ {
			if clusters[j].Centroid == nil {
				continue
			}
			sim, err := similarity.CosineSimilarity(clusters[i].Centroid, clusters[j].Centroid)
			if err != nil {
				return nil, NewError(op, KindDimensionMismatch, err)
			}
			if sim < threshold {
				continue
			}
			source, target := orderPair(clusters[i], clusters[j])
			pairs = append(pairs, models.DuplicatePair{Source: source, Target: target, Similarity: sim})
		}
	}

	sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].Similarity > pairs[b].Similarity })
	if len(pairs) > limit {
		pairs = pairs[:limit]
	}
	return pairs, nil
}

// orderPair makes the smaller cluster the source. On equal counts the older
// cluster is kept as target.
func orderPair(a, b models.Cluster) (source, target models.Cluster) {
	switch {
	case a.MemberCount < b.MemberCount:
		return a, b
	case b.MemberCount < a.MemberCount:
		return b, a
	case b.CreatedAt.Before(a.CreatedAt):
		return a, b
	default:
		return b, a
	}
}

// MergeDuplicates merges up to maxMerges near-duplicate pairs, most similar
// first. A cluster takes part in at most one merge per call so every merge
// acts on fresh centroids. It returns the merges performed.
func (e *Engine) MergeDuplicates(ctx context.Context, threshold float64, maxMerges int) ([]models.MergeResult, error) {
	pairs, err := e.NearDuplicates(ctx, threshold, MaxDuplicateLimit)
	if err != nil {
		return nil, err
	}

	touched := make(map[uuid.UUID]bool)
	var merged []models.MergeResult
	for _, p := range pairs {
		if maxMerges > 0 && len(merged) >= maxMerges {
			break
		}
		if touched[p.Source.ID] || touched[p.Target.ID] {
			continue
		}
		res, err := e.Merge(ctx, p.Source.ID, p.Target.ID)
		if err != nil {
			return merged, err
		}
		touched[p.Source.ID], touched[p.Target.ID] = true, true
		merged = append(merged, *res)
	}
	return merged, nil
}
