// Package observability provides metrics recording for the orchestrator.
// Metrics are OpenTelemetry counters behind a small interface so tests and
// metric-less deployments can use the no-op recorder.
package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records orchestrator metrics.
type MetricsRecorder interface {
	// RecordEventReceived counts an ingested CloudEvent by type.
	RecordEventReceived(ctx context.Context, eventType string)

	// RecordOrderViolation counts a sequence regression on a stream.
	RecordOrderViolation(ctx context.Context, streamKey string)

	// RecordSequenceGap counts a non-contiguous sequence jump.
	RecordSequenceGap(ctx context.Context, streamKey string, gap int64)

	// RecordRejection counts an admission rejection by reason
	// (rate_limited, queue_full, concurrency_limit, backoff_active).
	RecordRejection(ctx context.Context, reason string)

	// RecordJobCreated counts a job submitted to the external engine.
	RecordJobCreated(ctx context.Context, tenantID string)

	// RecordJobCompleted counts a terminal job state with its duration.
	RecordJobCompleted(ctx context.Context, tenantID string, success bool, duration time.Duration)
}

type otelMetrics struct {
	eventsReceived  metric.Int64Counter
	orderViolations metric.Int64Counter
	sequenceGaps    metric.Int64Counter
	rejections      metric.Int64Counter
	jobsCreated     metric.Int64Counter
	jobsCompleted   metric.Int64Counter
	jobDuration     metric.Float64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("forgeline")

	eventsReceived, err := meter.Int64Counter("forgeline.events.received",
		metric.WithDescription("Number of CloudEvents received"),
	)
	if err != nil {
		return nil, err
	}

	orderViolations, err := meter.Int64Counter("forgeline.sequence.order_violations",
		metric.WithDescription("Number of sequence regressions detected"),
	)
	if err != nil {
		return nil, err
	}

	sequenceGaps, err := meter.Int64Counter("forgeline.sequence.gaps",
		metric.WithDescription("Number of non-contiguous sequence jumps observed"),
	)
	if err != nil {
		return nil, err
	}

	rejections, err := meter.Int64Counter("forgeline.admission.rejections",
		metric.WithDescription("Number of admission rejections"),
	)
	if err != nil {
		return nil, err
	}

	jobsCreated, err := meter.Int64Counter("forgeline.jobs.created",
		metric.WithDescription("Number of build jobs submitted to the engine"),
	)
	if err != nil {
		return nil, err
	}

	jobsCompleted, err := meter.Int64Counter("forgeline.jobs.completed",
		metric.WithDescription("Number of build jobs reaching a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	jobDuration, err := meter.Float64Histogram("forgeline.jobs.duration_ms",
		metric.WithDescription("Build job duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		eventsReceived:  eventsReceived,
		orderViolations: orderViolations,
		sequenceGaps:    sequenceGaps,
		rejections:      rejections,
		jobsCreated:     jobsCreated,
		jobsCompleted:   jobsCompleted,
		jobDuration:     jobDuration,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider. If metric initialization fails, a no-op recorder is
// returned so processing never depends on the metrics pipeline.
func NewMetricsRecorder() MetricsRecorder {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	if defaultMetricsErr != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			"error", defaultMetricsErr)
		return NoopMetrics{}
	}
	return defaultMetrics
}

func (m *otelMetrics) RecordEventReceived(ctx context.Context, eventType string) {
	m.eventsReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

func (m *otelMetrics) RecordOrderViolation(ctx context.Context, streamKey string) {
	m.orderViolations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", streamKey),
	))
}

func (m *otelMetrics) RecordSequenceGap(ctx context.Context, streamKey string, gap int64) {
	m.sequenceGaps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stream", streamKey),
		attribute.Int64("gap", gap),
	))
}

func (m *otelMetrics) RecordRejection(ctx context.Context, reason string) {
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (m *otelMetrics) RecordJobCreated(ctx context.Context, tenantID string) {
	m.jobsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenantID),
	))
}

func (m *otelMetrics) RecordJobCompleted(ctx context.Context, tenantID string, success bool, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tenant", tenantID),
		attribute.Bool("success", success),
	)
	m.jobsCompleted.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// NoopMetrics discards all recordings.
type NoopMetrics struct{}

func (NoopMetrics) RecordEventReceived(context.Context, string)  {}
func (NoopMetrics) RecordOrderViolation(context.Context, string) {}
func (NoopMetrics) RecordSequenceGap(context.Context, string, int64) {
}
func (NoopMetrics) RecordRejection(context.Context, string)  {}
func (NoopMetrics) RecordJobCreated(context.Context, string) {}
func (NoopMetrics) RecordJobCompleted(context.Context, string, bool, time.Duration) {
}
