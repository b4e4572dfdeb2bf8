package archival

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics defines the metrics reported by the archive, restore and thaw workers.
type Metrics interface {
	IncArchived(ctx context.Context)
	IncSkipped(ctx context.Context, worker, reason string)
	IncRetrievalsStarted(ctx context.Context, tier string)
	IncThawed(ctx context.Context)
	IncThawFailures(ctx context.Context)
}

var _ Metrics = (*archivalMetrics)(nil)

type archivalMetrics struct {
	archived          metric.Int64Counter
	skipped           metric.Int64Counter
	retrievalsStarted metric.Int64Counter
	thawed            metric.Int64Counter
	thawFailures      metric.Int64Counter
}

const namespace = "archival"

// NewMetrics creates the archival workers' OpenTelemetry instruments.
func NewMetrics(mp metric.MeterProvider) (*archivalMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(archivalMetrics)
	var err error

	if m.archived, err = meter.Int64Counter(
		"results_archived_total",
		metric.WithDescription("Total number of results moved to the vault"),
	); err != nil {
		return nil, err
	}

	if m.skipped, err = meter.Int64Counter(
		"requests_skipped_total",
		metric.WithDescription("Total number of archival requests acknowledged without work"),
	); err != nil {
		return nil, err
	}

	if m.retrievalsStarted, err = meter.Int64Counter(
		"retrievals_started_total",
		metric.WithDescription("Total number of vault retrievals started"),
	); err != nil {
		return nil, err
	}

	if m.thawed, err = meter.Int64Counter(
		"results_thawed_total",
		metric.WithDescription("Total number of results restored to hot storage"),
	); err != nil {
		return nil, err
	}

	if m.thawFailures, err = meter.Int64Counter(
		"thaw_failures_total",
		metric.WithDescription("Total number of vault retrievals that failed"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *archivalMetrics) IncArchived(ctx context.Context)     { m.archived.Add(ctx, 1) }
func (m *archivalMetrics) IncThawed(ctx context.Context)       { m.thawed.Add(ctx, 1) }
func (m *archivalMetrics) IncThawFailures(ctx context.Context) { m.thawFailures.Add(ctx, 1) }

func (m *archivalMetrics) IncSkipped(ctx context.Context, worker, reason string) {
	m.skipped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("worker", worker),
		attribute.String("reason", reason),
	))
}

func (m *archivalMetrics) IncRetrievalsStarted(ctx context.Context, tier string) {
	m.retrievalsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}
