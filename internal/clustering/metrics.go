package clustering

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/clusterd/pkg/models"
)

type metrics struct {
	submissions metric.Int64Counter
	similarity  metric.Float64Histogram
	latency     metric.Float64Histogram
	merges      metric.Int64Counter
	moved       metric.Int64Counter
	searches    metric.Int64Counter
	failures    metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}
	var err error

	if m.submissions, err = meter.Int64Counter("clusterd.submissions",
		metric.WithDescription("Questions assigned to a cluster"),
		metric.WithUnit("{question}")); err != nil {
		return nil, err
	}
	if m.similarity, err = meter.Float64Histogram("clusterd.submission.similarity",
		metric.WithDescription("Similarity recorded for each submission"),
		metric.WithExplicitBucketBoundaries(0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 0.99, 1)); err != nil {
		return nil, err
	}
	if m.latency, err = meter.Float64Histogram("clusterd.submission.duration",
		metric.WithDescription("End-to-end submission latency"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.merges, err = meter.Int64Counter("clusterd.merges",
		metric.WithDescription("Completed cluster merges")); err != nil {
		return nil, err
	}
	if m.moved, err = meter.Int64Counter("clusterd.merge.moved_questions",
		metric.WithDescription("Questions reassigned by merges"),
		metric.WithUnit("{question}")); err != nil {
		return nil, err
	}
	if m.searches, err = meter.Int64Counter("clusterd.searches",
		metric.WithDescription("Similarity searches served")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("clusterd.failures",
		metric.WithDescription("Failed engine operations by kind")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) submitted(ctx context.Context, res *models.SubmitResult, took time.Duration) {
	outcome := "attached"
	if res.IsNew {
		outcome = "founded"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.submissions.Add(ctx, 1, attrs)
	m.similarity.Record(ctx, res.Similarity, attrs)
	m.latency.Record(ctx, took.Seconds(), attrs)
}

func (m *metrics) merged(ctx context.Context, res *models.MergeResult) {
	m.merges.Add(ctx, 1)
	m.moved.Add(ctx, res.MovedQuestions)
}

func (m *metrics) searched(ctx context.Context) {
	m.searches.Add(ctx, 1)
}

func (m *metrics) failure(ctx context.Context, op string, err error) {
	kind := string(KindOf(err))
	if kind == "" {
		kind = "unknown"
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("kind", kind),
	))
}
