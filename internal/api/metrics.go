package api

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/gas/internal/app/annotation"
	"github.com/ahrav/gas/internal/infra/eventbus/kafka"
)

const namespace = "web"

// APIMetrics is everything the web process reports: HTTP traffic, the user
// activity behind it and the job and restore requests it publishes.
type APIMetrics interface {
	kafka.EventBusMetrics
	annotation.JobServiceMetrics

	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
	IncAuthFailures(ctx context.Context, reason string)
}

var _ APIMetrics = (*apiMetrics)(nil)

type apiMetrics struct {
	published     metric.Int64Counter
	consumed      metric.Int64Counter
	publishErrors metric.Int64Counter
	consumeErrors metric.Int64Counter

	requests     metric.Int64Counter
	latency      metric.Float64Histogram
	authFailures metric.Int64Counter

	jobsSubmitted      metric.Int64Counter
	restoresRequested  metric.Int64Counter
	subscriptionEvents metric.Int64Counter
}

// NewAPIMetrics registers the web process instruments with mp.
func NewAPIMetrics(mp metric.MeterProvider) (*apiMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))
	m := new(apiMetrics)

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.published, "messages_published_total", "Events published to the bus"},
		{&m.consumed, "messages_consumed_total", "Events consumed from the bus"},
		{&m.publishErrors, "publish_errors_total", "Events the bus failed to publish"},
		{&m.consumeErrors, "consume_errors_total", "Events the bus failed to consume"},
		{&m.requests, "requests_total", "HTTP requests served"},
		{&m.authFailures, "auth_failures_total", "Rejected bearer tokens"},
		{&m.jobsSubmitted, "jobs_submitted_total", "Annotation jobs accepted from users"},
		{&m.restoresRequested, "restores_requested_total", "Archived results queued for restore after an upgrade"},
		{&m.subscriptionEvents, "role_changes_total", "Subscribe and unsubscribe requests by resulting role"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	var err error
	if m.latency, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func topicAttr(topic string) metric.AddOption {
	return metric.WithAttributes(attribute.String("topic", topic))
}

func (m *apiMetrics) IncMessagePublished(ctx context.Context, topic string) {
	m.published.Add(ctx, 1, topicAttr(topic))
}

func (m *apiMetrics) IncMessageConsumed(ctx context.Context, topic string) {
	m.consumed.Add(ctx, 1, topicAttr(topic))
}

func (m *apiMetrics) IncPublishError(ctx context.Context, topic string) {
	m.publishErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *apiMetrics) IncConsumeError(ctx context.Context, topic string) {
	m.consumeErrors.Add(ctx, 1, topicAttr(topic))
}

func (m *apiMetrics) IncRequestsTotal(ctx context.Context, method, path string, status int) {
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	))
}

func (m *apiMetrics) ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration) {
	m.latency.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
	))
}

func (m *apiMetrics) IncAuthFailures(ctx context.Context, reason string) {
	m.authFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *apiMetrics) IncJobsSubmitted(ctx context.Context) { m.jobsSubmitted.Add(ctx, 1) }

func (m *apiMetrics) IncRestoresRequested(ctx context.Context, n int) {
	if n > 0 {
		m.restoresRequested.Add(ctx, int64(n))
	}
}

func (m *apiMetrics) IncRoleChanges(ctx context.Context, role string) {
	m.subscriptionEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}
