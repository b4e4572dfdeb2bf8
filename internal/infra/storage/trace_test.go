package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestQueryAndTrace(t *testing.T) {
	t.Parallel()

	errBoom := errors.New("boom")
	tests := []struct {
		name       string
		opErr      error
		wantStatus codes.Code
	}{
		{name: "success", wantStatus: codes.Unset},
		{name: "failure", opErr: errBoom, wantStatus: codes.Error},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := tracetest.NewSpanRecorder()
			tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")

			got, err := QueryAndTrace(context.Background(), tracer, "postgres.get_job",
				[]attribute.KeyValue{attribute.String("job_id", "j-1")},
				func(ctx context.Context) (int, error) {
					assert.True(t, trace.SpanFromContext(ctx).SpanContext().IsValid())
					return 7, tt.opErr
				})
			assert.Equal(t, 7, got)
			assert.ErrorIs(t, err, tt.opErr)

			spans := rec.Ended()
			require.Len(t, spans, 1)
			assert.Equal(t, "postgres.get_job", spans[0].Name())
			assert.Equal(t, trace.SpanKindClient, spans[0].SpanKind())
			assert.Equal(t, tt.wantStatus, spans[0].Status().Code)
		})
	}
}
