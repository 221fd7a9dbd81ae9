package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/fyrsmithlabs/taskrouter/internal/embeddings"

// Metrics records embedding generation. Instruments that fail to register
// are skipped.
type Metrics struct {
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics() *Metrics {
	meter := otel.Meter(instrumentationName)
	m := &Metrics{}
	m.duration, _ = meter.Float64Histogram(
		"taskrouter.embedding.duration_seconds",
		metric.WithDescription("Embedding generation duration by model and operation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	m.batchSize, _ = meter.Int64Histogram(
		"taskrouter.embedding.batch_size",
		metric.WithDescription("Texts per embedding request."),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100),
	)
	m.errors, _ = meter.Int64Counter(
		"taskrouter.embedding.errors_total",
		metric.WithDescription("Embedding generation errors by model and operation."),
		metric.WithUnit("{error}"),
	)
	return m
}

// RecordGeneration records one call.
func (m *Metrics) RecordGeneration(ctx context.Context, model, operation string, d time.Duration, batchSize int, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if d > 0 && m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}
