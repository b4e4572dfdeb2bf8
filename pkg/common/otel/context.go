package otel

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const (
	tracerKey ctxKey = iota + 1
	traceIDKey
)

const zeroTraceID = "00000000000000000000000000000000"

// InjectTracing stores the tracer and the trace id of the current span in ctx.
// Requests that arrive without a sampled span still get a unique id so their
// log lines can be correlated.
func InjectTracing(ctx context.Context, tracer trace.Tracer) context.Context {
	ctx = context.WithValue(ctx, tracerKey, tracer)

	traceID := zeroTraceID
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		traceID = span.SpanContext().TraceID().String()
	}
	if traceID == zeroTraceID {
		traceID = uuid.NewString()
	}

	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTracer returns the tracer stored by InjectTracing, if any.
func GetTracer(ctx context.Context) (trace.Tracer, bool) {
	t, ok := ctx.Value(tracerKey).(trace.Tracer)
	return t, ok
}

// GetTraceID returns the trace id from the current span context.
func GetTraceID(ctx context.Context) string {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return zeroTraceID
}
