package mid

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/gas/pkg/web"
)

// RequestMetrics records request counts and latency.
type RequestMetrics interface {
	IncRequestsTotal(ctx context.Context, method, path string, status int)
	ObserveRequestDuration(ctx context.Context, method, path string, duration time.Duration)
}

// Metrics records the outcome of each request. Register it ahead of Errors so
// the status code seen is the final one.
func Metrics(m RequestMetrics) web.MidFunc {
	mw := func(next web.HandlerFunc) web.HandlerFunc {
		h := func(ctx context.Context, r *http.Request) web.Encoder {
			start := time.Now()
			resp := next(ctx, r)

			// Use the route pattern so ids do not explode cardinality.
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			status := statusOf(resp)
			m.IncRequestsTotal(ctx, r.Method, route, status)
			m.ObserveRequestDuration(ctx, r.Method, route, time.Since(start))
			return resp
		}

		return h
	}

	return mw
}

// statusOf mirrors the status code web.Respond writes for resp.
func statusOf(resp web.Encoder) int {
	switch v := resp.(type) {
	case nil:
		return http.StatusNoContent
	case web.Redirect:
		if v.Status != 0 {
			return v.Status
		}
		return http.StatusSeeOther
	case interface{ HTTPStatus() int }:
		return v.HTTPStatus()
	case error:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}
