package clustering

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/thebtf/clusterd/pkg/models"
	"github.com/thebtf/clusterd/pkg/similarity"
)

// Merge moves every current member of source into target and deactivates
// source. The target's member count is recounted and its centroid is
// recomputed from the merged membership, so both aggregates describe the
// same member set afterwards.
func (e *Engine) Merge(ctx context.Context, sourceID, targetID uuid.UUID) (*models.MergeResult, error) {
	const op = "merge"
	ctx, span := tracer.Start(ctx, "clustering.Merge")
	defer span.End()
	span.SetAttributes(
		attribute.String("cluster.source", sourceID.String()),
		attribute.String("cluster.target", targetID.String()),
	)

	res, err := e.merge(ctx, op, sourceID, targetID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.failure(ctx, op, err)
		return nil, err
	}
	e.metrics.merged(ctx, res)
	return res, nil
}

func (e *Engine) merge(ctx context.Context, op string, sourceID, targetID uuid.UUID) (*models.MergeResult, error) {
	if sourceID == uuid.Nil || targetID == uuid.Nil {
		return nil, NewError(op, KindInvalidArguments, errors.New("source and target are required"))
	}
	if sourceID == targetID {
		return nil, NewError(op, KindInvalidArguments, errors.New("source and target must differ"))
	}

	now := e.opts.Now().UTC()
	res := &models.MergeResult{SourceID: sourceID, TargetID: targetID}

	err := e.store.InTx(ctx, func(tx Tx) error {
		source, target, err := lockPair(ctx, tx, sourceID, targetID)
		if err != nil {
			return err
		}
		if !source.Active {
			return NewError(op, KindInvalidArguments, fmt.Errorf("source %s is already merged", sourceID))
		}
		if !target.Active {
			return NewError(op, KindInvalidArguments, fmt.Errorf("target %s is inactive", targetID))
		}

		members, err := tx.CurrentMembers(ctx, sourceID, targetID)
		if err != nil {
			return fmt.Errorf("load members: %w", err)
		}
		vectors := make([][]float32, len(members))
		for i, m := range members {
			vectors[i] = m.Vector
		}
		centroid, err := similarity.ComputeCentroid(vectors)
		if err != nil {
			return err
		}
		if centroid == nil {
			centroid = target.Centroid
		}

		scores := make(map[uuid.UUID]float64)
		for _, m := range members {
			if m.ClusterID != sourceID {
				continue
			}
			s, err := similarity.CosineSimilarity(m.Vector, centroid)
			if err != nil {
				return err
			}
			scores[m.QuestionID] = s
		}

		moved, err := tx.ReassignMembers(ctx, sourceID, targetID, scores, now)
		if err != nil {
			return fmt.Errorf("reassign members: %w", err)
		}
		if err := tx.DeactivateCluster(ctx, sourceID, now); err != nil {
			return fmt.Errorf("deactivate source: %w", err)
		}
		count, err := tx.CountCurrentMappings(ctx, targetID)
		if err != nil {
			return fmt.Errorf("count target members: %w", err)
		}
		if err := tx.UpdateCluster(ctx, targetID, centroid, count, now); err != nil {
			return fmt.Errorf("update target: %w", err)
		}

		res.MovedQuestions = moved
		res.TargetMemberCount = count
		return nil
	})
	if err != nil {
		return nil, storeError(op, err)
	}

	e.snapshots.Invalidate(ctx)
	e.logger.Info().
		Str("source", sourceID.String()).
		Str("target", targetID.String()).
		Int64("moved", res.MovedQuestions).
		Int64("target_count", res.TargetMemberCount).
		Msg("Merged clusters")
	return res, nil
}

// lockPair locks both clusters in id order so concurrent merges of the same
// pair cannot deadlock.
func lockPair(ctx context.Context, tx Tx, sourceID, targetID uuid.UUID) (source, target *models.Cluster, err error) {
	first, second := sourceID, targetID
	if bytes.Compare(first[:], second[:]) > 0 {
		first, second = second, first
	}

	locked := make(map[uuid.UUID]*models.Cluster, 2)
	for _, id := range []uuid.UUID{first, second} {
		c, err := tx.LockCluster(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("cluster %s: %w", id, err)
		}
		locked[id] = c
	}
	return locked[sourceID], locked[targetID], nil
}
