// Package clustering assigns incoming questions to semantic clusters.
//
// Each submission is matched against a cached snapshot of active cluster
// centroids. A match at or above the threshold attaches the question and
// folds its vector into the cluster centroid; anything else founds a new
// cluster. The snapshot is eventually consistent with the store, so two
// near-identical questions submitted concurrently may found two clusters;
// NearDuplicates finds such pairs for Merge.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/thebtf/clusterd/internal/cache"
	"github.com/thebtf/clusterd/internal/textnorm"
	"github.com/thebtf/clusterd/pkg/models"
	"github.com/thebtf/clusterd/pkg/similarity"
)

const instrumentationName = "github.com/thebtf/clusterd/internal/clustering"

var tracer = otel.Tracer(instrumentationName)

// errStaleSnapshot means the snapshot offered a cluster that has since been
// deactivated or removed.
var errStaleSnapshot = errors.New("matched cluster is no longer active")

// Embedder produces unit vectors for normalized text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Identity names the model; it is stored with each embedding.
	Identity() string
}

// Snapshots serves the active cluster set. *cache.ClusterCache implements it.
type Snapshots interface {
	Get(ctx context.Context) (*cache.Snapshot, error)
	Invalidate(ctx context.Context)
}

// Options tunes the engine.
type Options struct {
	Threshold               float64
	HighConfidenceThreshold float64
	Dimensions              int
	MinTextLength           int
	MaxTextLength           int
	MaxBatchSize            int
	DefaultTopClusters      int
	DuplicateThreshold      float64
	// Now defaults to time.Now. Statistics are bucketed by UTC day.
	Now func() time.Time
}

// DefaultOptions mirrors config defaults.
func DefaultOptions() Options {
	return Options{
		Threshold:               0.80,
		HighConfidenceThreshold: 0.90,
		Dimensions:              384,
		MinTextLength:           3,
		MaxTextLength:           512,
		MaxBatchSize:            100,
		DefaultTopClusters:      10,
		DuplicateThreshold:      0.92,
	}
}

// Engine is the clustering orchestrator.
type Engine struct {
	store     Store
	embedder  Embedder
	snapshots Snapshots
	opts      Options
	metrics   *metrics
	logger    zerolog.Logger
}

// NewEngine wires an engine. The caller owns the cache and should build it
// over store.ActiveClusters.
func NewEngine(store Store, embedder Embedder, snapshots Snapshots, opts Options) (*Engine, error) {
	if store == nil || embedder == nil || snapshots == nil {
		return nil, errors.New("clustering: store, embedder and snapshots are required")
	}
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		return nil, fmt.Errorf("clustering: threshold %v out of (0,1]", opts.Threshold)
	}
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("clustering: dimensions must be positive, got %d", opts.Dimensions)
	}
	if opts.MinTextLength <= 0 {
		opts.MinTextLength = 1
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 100
	}
	if opts.DefaultTopClusters <= 0 {
		opts.DefaultTopClusters = 10
	}
	if opts.DuplicateThreshold <= 0 {
		opts.DuplicateThreshold = opts.Threshold
	}
	if opts.HighConfidenceThreshold <= 0 {
		opts.HighConfidenceThreshold = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m, err := newMetrics()
	if err != nil {
		return nil, fmt.Errorf("clustering: metrics: %w", err)
	}

	return &Engine{
		store:     store,
		embedder:  embedder,
		snapshots: snapshots,
		opts:      opts,
		metrics:   m,
		logger:    log.With().Str("component", "clustering").Logger(),
	}, nil
}

// Threshold returns the similarity needed to attach to an existing cluster.
func (e *Engine) Threshold() float64 { return e.opts.Threshold }

// BatchEmbedder is implemented by embedders that can embed several texts
// in one provider call. SubmitBatch uses it when available.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Submit assigns one question to a cluster and persists it.
func (e *Engine) Submit(ctx context.Context, text string, origin models.Origin) (*models.SubmitResult, error) {
	return e.observe(ctx, "submit", func(ctx context.Context) (*models.SubmitResult, error) {
		normalized, err := e.prepare("submit", text)
		if err != nil {
			return nil, err
		}
		vec, err := e.embed(ctx, "submit", normalized)
		if err != nil {
			return nil, err
		}
		return e.assign(ctx, "submit", text, normalized, vec, origin)
	})
}

// observe wraps one submission in a span and records its metrics.
func (e *Engine) observe(ctx context.Context, op string, fn func(context.Context) (*models.SubmitResult, error)) (*models.SubmitResult, error) {
	ctx, span := tracer.Start(ctx, "clustering.Submit")
	defer span.End()

	start := e.opts.Now()
	res, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.metrics.failure(ctx, op, err)
		return nil, err
	}

	span.SetAttributes(
		attribute.String("cluster.id", res.Cluster.ID.String()),
		attribute.Bool("cluster.new", res.IsNew),
		attribute.Float64("similarity", res.Similarity),
	)
	e.metrics.submitted(ctx, res, e.opts.Now().Sub(start))
	return res, nil
}

// prepare validates raw text and returns its normalized form.
func (e *Engine) prepare(op, text string) (string, error) {
	if err := textnorm.Validate(text, e.opts.MinTextLength, e.opts.MaxTextLength); err != nil {
		if errors.Is(err, textnorm.ErrTooLong) {
			return "", NewError(op, KindInvalidInput, ErrTextTooLong)
		}
		return "", NewError(op, KindInvalidInput, ErrTextTooShort)
	}

	normalized := textnorm.Normalize(text)
	if utf8.RuneCountInString(normalized) < e.opts.MinTextLength {
		return "", NewError(op, KindInvalidInput, fmt.Errorf("%w after normalization", ErrTextTooShort))
	}
	return normalized, nil
}

// assign matches vec against the snapshot and persists the question in one
// transaction, attaching it to the best cluster or founding a new one.
func (e *Engine) assign(ctx context.Context, op, text, normalized string, vec []float32, origin models.Origin) (*models.SubmitResult, error) {
	snap, err := e.snapshots.Get(ctx)
	if err != nil {
		return nil, storeError(op, err)
	}

	match, matched, err := bestMatch(vec, snap)
	if err != nil {
		return nil, NewError(op, KindDimensionMismatch, err)
	}
	attach := matched && match.Similarity >= e.opts.Threshold

	now := e.opts.Now().UTC()
	var result *models.SubmitResult
	err = e.store.InTx(ctx, func(tx Tx) error {
		var err error
		if attach {
			result, err = e.attach(ctx, tx, match, vec, now)
		} else {
			result, err = e.found(ctx, tx, strings.TrimSpace(text), vec, now)
		}
		if err != nil {
			return err
		}
		return e.persistQuestion(ctx, tx, result, text, normalized, vec, origin, now)
	})
	if err != nil {
		if errors.Is(err, errStaleSnapshot) {
			e.snapshots.Invalidate(ctx)
		}
		return nil, storeError(op, err)
	}

	e.snapshots.Invalidate(ctx)
	result.Threshold = e.opts.Threshold

	ev := e.logger.Debug().
		Str("question_id", result.Question.ID.String()).
		Str("cluster_id", result.Cluster.ID.String()).
		Float64("similarity", result.Similarity)
	switch {
	case result.IsNew:
		ev.Msg("Founded cluster")
	case result.Similarity >= e.opts.HighConfidenceThreshold:
		ev.Bool("high_confidence", true).Msg("Attached to cluster")
	default:
		ev.Msg("Attached to cluster")
	}
	return result, nil
}

func (e *Engine) embed(ctx context.Context, op, normalized string) ([]float32, error) {
	vec, err := e.embedder.Embed(ctx, normalized)
	if err != nil {
		if errors.Is(err, ErrDimensionMismatch) {
			return nil, NewError(op, KindDimensionMismatch, err)
		}
		return nil, NewError(op, KindEmbeddingUnavailable, err)
	}
	if len(vec) != e.opts.Dimensions {
		return nil, NewError(op, KindDimensionMismatch,
			fmt.Errorf("embedding has %d dimensions, configured %d", len(vec), e.opts.Dimensions))
	}
	return vec, nil
}

func bestMatch(vec []float32, snap *cache.Snapshot) (similarity.Match, bool, error) {
	if snap.Len() == 0 {
		return similarity.Match{}, false, nil
	}
	candidates := make([]similarity.Candidate, len(snap.Clusters))
	for i, c := range snap.Clusters {
		candidates[i] = similarity.Candidate{ID: c.ID, Centroid: c.Centroid}
	}
	return similarity.FindBestMatch(vec, candidates)
}

// found creates a cluster seeded by vec. Self-similarity is 1.
func (e *Engine) found(ctx context.Context, tx Tx, representative string, vec []float32, now time.Time) (*models.SubmitResult, error) {
	c := models.Cluster{
		ID:                 uuid.New(),
		RepresentativeText: representative,
		Centroid:           append([]float32(nil), vec...),
		MemberCount:        1,
		Active:             true,
		CreatedAt:          now,
		LastActivityAt:     now,
	}
	if err := tx.CreateCluster(ctx, &c); err != nil {
		return nil, fmt.Errorf("create cluster: %w", err)
	}
	return &models.SubmitResult{Cluster: c, IsNew: true, Similarity: 1.0}, nil
}

// attach folds vec into the matched cluster. The centroid and count come
// from the locked row, not the snapshot, so concurrent attachments compose.
func (e *Engine) attach(ctx context.Context, tx Tx, match similarity.Match, vec []float32, now time.Time) (*models.SubmitResult, error) {
	c, err := tx.LockCluster(ctx, match.ID)
	if errors.Is(err, ErrClusterNotFound) {
		return nil, errStaleSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("lock cluster %s: %w", match.ID, err)
	}
	if !c.Active {
		return nil, errStaleSnapshot
	}

	var centroid []float32
	if c.Centroid == nil {
		centroid = append([]float32(nil), vec...)
	} else {
		centroid, err = similarity.UpdateCentroid(c.Centroid, vec, c.MemberCount)
		if err != nil {
			return nil, err
		}
	}

	c.Centroid = centroid
	c.MemberCount++
	c.LastActivityAt = now
	if err := tx.UpdateCluster(ctx, c.ID, c.Centroid, c.MemberCount, now); err != nil {
		return nil, fmt.Errorf("update cluster %s: %w", c.ID, err)
	}
	return &models.SubmitResult{Cluster: *c, Similarity: match.Similarity}, nil
}

func (e *Engine) persistQuestion(ctx context.Context, tx Tx, res *models.SubmitResult, text, normalized string,
	vec []float32, origin models.Origin, now time.Time,
) error {
	q := models.Question{
		ID:              uuid.New(),
		Text:            text,
		NormalizedText:  normalized,
		ClusterID:       res.Cluster.ID,
		SimilarityScore: res.Similarity,
		Country:         origin.Country,
		Language:        origin.Language,
		CreatedAt:       now,
	}
	if err := tx.InsertQuestion(ctx, &q); err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	if err := tx.InsertEmbedding(ctx, &models.Embedding{
		QuestionID: q.ID,
		Vector:     vec,
		ModelName:  e.embedder.Identity(),
		CreatedAt:  now,
	}); err != nil {
		return fmt.Errorf("insert embedding: %w", err)
	}
	if err := tx.InsertMapping(ctx, &models.Mapping{
		QuestionID:      q.ID,
		ClusterID:       res.Cluster.ID,
		SimilarityScore: res.Similarity,
		IsCurrent:       true,
		CreatedAt:       now,
	}); err != nil {
		return fmt.Errorf("insert mapping: %w", err)
	}

	day := models.Day(now)
	if err := tx.RecordDailyStat(ctx, day, res.IsNew, res.Similarity, now); err != nil {
		return fmt.Errorf("record daily stat: %w", err)
	}
	if err := tx.RecordClusterStat(ctx, res.Cluster.ID, day, res.Similarity, now); err != nil {
		return fmt.Errorf("record cluster stat: %w", err)
	}

	res.Question = q
	return nil
}

// BatchItem is one entry of SubmitBatch.
type BatchItem struct {
	Text   string
	Origin models.Origin
}

// BatchResult pairs each batch item with its outcome.
type BatchResult struct {
	Result *models.SubmitResult
	Err    error
}

// SubmitBatch submits items in order, each in its own transaction. A failed
// item does not stop the batch. When the embedder implements BatchEmbedder
// the valid items are embedded in a single call; if that call fails each
// item is embedded on its own so the failure is reported per item.
func (e *Engine) SubmitBatch(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	const op = "submit_batch"
	if len(items) == 0 {
		return nil, NewError(op, KindInvalidInput, errors.New("no questions"))
	}
	if len(items) > e.opts.MaxBatchSize {
		return nil, NewError(op, KindInvalidInput,
			fmt.Errorf("%d questions exceeds batch limit %d", len(items), e.opts.MaxBatchSize))
	}

	out := make([]BatchResult, len(items))
	normalized := make([]string, len(items))
	var pending []int
	for i, it := range items {
		n, err := e.prepare("submit", it.Text)
		if err != nil {
			e.metrics.failure(ctx, "submit", err)
			out[i] = BatchResult{Err: err}
			continue
		}
		normalized[i] = n
		pending = append(pending, i)
	}
	vectors := e.embedAll(ctx, normalized, pending)

	for _, i := range pending {
		if err := ctx.Err(); err != nil {
			out[i] = BatchResult{Err: NewError(op, KindPersistence, err)}
			continue
		}
		it := items[i]
		res, err := e.observe(ctx, "submit", func(ctx context.Context) (*models.SubmitResult, error) {
			vec := vectors[i]
			if vec == nil {
				var err error
				if vec, err = e.embed(ctx, "submit", normalized[i]); err != nil {
					return nil, err
				}
			}
			return e.assign(ctx, "submit", it.Text, normalized[i], vec, it.Origin)
		})
		out[i] = BatchResult{Result: res, Err: err}
	}
	return out, nil
}

// embedAll embeds normalized[i] for every i in idx with one provider call.
// It returns nil vectors when the embedder cannot batch or the call fails.
func (e *Engine) embedAll(ctx context.Context, normalized []string, idx []int) [][]float32 {
	vectors := make([][]float32, len(normalized))
	be, ok := e.embedder.(BatchEmbedder)
	if !ok || len(idx) < 2 {
		return vectors
	}

	texts := make([]string, len(idx))
	for j, i := range idx {
		texts[j] = normalized[i]
	}
	vs, err := be.EmbedBatch(ctx, texts)
	if err != nil || len(vs) != len(texts) {
		e.logger.Warn().Err(err).Int("items", len(texts)).Msg("Batch embedding failed, embedding items one by one")
		return vectors
	}
	for j, i := range idx {
		if len(vs[j]) == e.opts.Dimensions {
			vectors[i] = vs[j]
		}
	}
	return vectors
}
