package api

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestAPIMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	m, err := NewAPIMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	m.IncJobsSubmitted(ctx)
	m.IncJobsSubmitted(ctx)
	m.IncRestoresRequested(ctx, 3)
	m.IncRestoresRequested(ctx, 0)
	m.IncRoleChanges(ctx, "premium_user")
	m.IncMessagePublished(ctx, "gas-job-requests")
	m.IncRequestsTotal(ctx, "GET", "/v1/annotations", 200)

	sums := collectSums(t, reader)
	assert.Equal(t, int64(2), sums["jobs_submitted_total"])
	assert.Equal(t, int64(3), sums["restores_requested_total"])
	assert.Equal(t, int64(1), sums["role_changes_total"])
	assert.Equal(t, int64(1), sums["messages_published_total"])
	assert.Equal(t, int64(1), sums["requests_total"])
}
