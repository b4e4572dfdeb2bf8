package mid

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/pkg/common/otel"
	"github.com/ahrav/gas/pkg/web"
)

// Otel stores the tracer and trace id in the request context and names the
// server span after the matched route rather than the raw path, so requests
// for different job ids share one span name.
func Otel(tracer trace.Tracer) web.MidFunc {
	return func(next web.HandlerFunc) web.HandlerFunc {
		return func(ctx context.Context, r *http.Request) web.Encoder {
			ctx = otel.InjectTracing(ctx, tracer)
			web.GetValues(ctx).TraceID = otel.GetTraceID(ctx)

			if route := routePattern(r); route != "" {
				span := trace.SpanFromContext(ctx)
				span.SetName(r.Method + " " + route)
				span.SetAttributes(semconv.HTTPRoute(route), semconv.HTTPRequestMethodKey.String(r.Method))
			}

			return next(ctx, r)
		}
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}
