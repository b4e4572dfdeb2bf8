// Package mux assembles the web tier's http.Handler from its routes and
// shared middleware.
package mux

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/internal/api"
	"github.com/ahrav/gas/internal/api/auth"
	"github.com/ahrav/gas/internal/api/mid"
	"github.com/ahrav/gas/internal/app/annotation"
	"github.com/ahrav/gas/pkg/common/logger"
	"github.com/ahrav/gas/pkg/web"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config carries the dependencies route groups are built from.
type Config struct {
	Build string
	Log   *logger.Logger

	// Ready names the dependencies the readiness probe checks.
	Ready   map[string]Pinger
	Auth    *auth.Auth
	Jobs    *annotation.JobService
	Metrics api.APIMetrics
	Tracer  trace.Tracer
}

// RouteAdder binds a set of route groups to an App.
type RouteAdder interface {
	Add(app *web.App, cfg Config)
}

// Option adjusts the handler WebAPI builds.
type Option func(*options)

type options struct {
	corsOrigins []string
}

// WithCORS answers preflight requests and sets CORS headers for origins.
// "*" allows any origin.
func WithCORS(origins []string) Option {
	return func(o *options) { o.corsOrigins = origins }
}

// WebAPI returns the handler serving every route routes adds.
func WebAPI(cfg Config, routes RouteAdder, opts ...Option) http.Handler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	app := web.NewApp(appLogger(cfg.Log), cfg.Tracer, middleware(cfg)...)
	if len(o.corsOrigins) > 0 {
		app.EnableCORS(o.corsOrigins)
	}

	routes.Add(app, cfg)
	return app
}

// middleware is applied outermost first. Panics sits innermost so a recovered
// panic still reaches Errors as a 500.
func middleware(cfg Config) []web.MidFunc {
	return []web.MidFunc{
		mid.Otel(cfg.Tracer),
		mid.Logger(cfg.Log),
		mid.Metrics(cfg.Metrics),
		mid.Errors(cfg.Log),
		mid.Panics(),
	}
}

func appLogger(log *logger.Logger) web.Logger {
	return func(ctx context.Context, msg string, args ...any) {
		log.Info(ctx, msg, args...)
	}
}
