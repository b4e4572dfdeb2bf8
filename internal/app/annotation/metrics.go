package annotation

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// JobServiceMetrics defines the user activity the web tier reports.
type JobServiceMetrics interface {
	IncJobsSubmitted(ctx context.Context)
	IncRestoresRequested(ctx context.Context, n int)
	IncRoleChanges(ctx context.Context, role string)
}

// AnnotatorMetrics defines the metrics the annotator worker reports.
type AnnotatorMetrics interface {
	IncJobsCompleted(ctx context.Context)
	IncJobsFailed(ctx context.Context, stage string)
	IncJobsSkipped(ctx context.Context, reason string)
	TrackAnnotation(ctx context.Context, f func() error) error
}

var _ AnnotatorMetrics = (*annotatorMetrics)(nil)

type annotatorMetrics struct {
	jobsCompleted     metric.Int64Counter
	jobsFailed        metric.Int64Counter
	jobsSkipped       metric.Int64Counter
	activeAnnotations metric.Int64UpDownCounter
	annotationTime    metric.Float64Histogram
}

const namespace = "annotator"

// NewAnnotatorMetrics creates the annotator's OpenTelemetry instruments.
func NewAnnotatorMetrics(mp metric.MeterProvider) (*annotatorMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(annotatorMetrics)
	var err error

	if m.jobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of annotation jobs completed"),
	); err != nil {
		return nil, err
	}

	if m.jobsFailed, err = meter.Int64Counter(
		"jobs_failed_total",
		metric.WithDescription("Total number of annotation jobs marked failed"),
	); err != nil {
		return nil, err
	}

	if m.jobsSkipped, err = meter.Int64Counter(
		"jobs_skipped_total",
		metric.WithDescription("Total number of job requests dropped without running the tool"),
	); err != nil {
		return nil, err
	}

	if m.activeAnnotations, err = meter.Int64UpDownCounter(
		"active_annotations",
		metric.WithDescription("Number of annotation tool processes currently running"),
	); err != nil {
		return nil, err
	}

	if m.annotationTime, err = meter.Float64Histogram(
		"annotation_duration_seconds",
		metric.WithDescription("Time spent running the annotation tool"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *annotatorMetrics) IncJobsCompleted(ctx context.Context) { m.jobsCompleted.Add(ctx, 1) }

func (m *annotatorMetrics) IncJobsFailed(ctx context.Context, stage string) {
	m.jobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *annotatorMetrics) IncJobsSkipped(ctx context.Context, reason string) {
	m.jobsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// TrackAnnotation records the duration of f and counts it as active while it runs.
func (m *annotatorMetrics) TrackAnnotation(ctx context.Context, f func() error) error {
	m.activeAnnotations.Add(ctx, 1)
	defer m.activeAnnotations.Add(ctx, -1)

	start := time.Now()
	err := f()
	m.annotationTime.Record(ctx, time.Since(start).Seconds())
	return err
}
