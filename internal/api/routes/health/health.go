package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ahrav/gas/internal/api/errs"
	"github.com/ahrav/gas/pkg/common/logger"
	"github.com/ahrav/gas/pkg/web"
)

const checkTimeout = time.Second

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds what the probes report on.
type Config struct {
	Build string
	Log   *logger.Logger
	// Checks are run concurrently by the readiness probe, keyed by the name
	// reported when one fails.
	Checks map[string]Pinger
}

// Routes binds the liveness and readiness probes. They skip the application
// middleware so probes neither log nor count as traffic.
func Routes(app *web.App, cfg Config) {
	const version = "v1"

	app.HandlerFuncNoMid(http.MethodGet, version, "/health", liveness(cfg))
	app.HandlerFuncNoMid(http.MethodGet, version, "/readiness", readiness(cfg))
}

type status struct {
	Status string `json:"status"`
	Build  string `json:"build,omitempty"`
}

// Encode implements the web.Encoder interface.
func (s status) Encode() ([]byte, string, error) {
	data, err := json.Marshal(s)
	return data, "application/json", err
}

func liveness(cfg Config) web.HandlerFunc {
	return func(context.Context, *http.Request) web.Encoder {
		return status{Status: "ok", Build: cfg.Build}
	}
}

func readiness(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, _ *http.Request) web.Encoder {
		if failed := runChecks(ctx, cfg); len(failed) > 0 {
			return errs.Newf(errs.Unavailable, "not ready: %s", strings.Join(failed, ", "))
		}
		return status{Status: "ready"}
	}
}

// runChecks pings every dependency and returns the sorted names of those
// that failed.
func runChecks(ctx context.Context, cfg Config) []string {
	var (
		mu     sync.Mutex
		failed []string
	)

	g, ctx := errgroup.WithContext(ctx)
	for name, p := range cfg.Checks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()

			if err := p.Ping(ctx); err != nil {
				cfg.Log.Info(ctx, "readiness failure", "dependency", name, "error", err)
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(failed)
	return failed
}
