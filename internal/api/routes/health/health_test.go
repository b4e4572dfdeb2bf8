package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/gas/pkg/common/logger"
	"github.com/ahrav/gas/pkg/web"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	up   = pingFunc(func(context.Context) error { return nil })
	down = pingFunc(func(context.Context) error { return errors.New("refused") })
)

func TestHealthRoutes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		path     string
		checks   map[string]Pinger
		wantCode int
		wantBody string
	}{
		{name: "liveness", path: "/v1/health", wantCode: http.StatusOK, wantBody: `{"status":"ok","build":"test"}`},
		{name: "no dependencies", path: "/v1/readiness", wantCode: http.StatusOK, wantBody: `{"status":"ready"}`},
		{
			name:     "ready",
			path:     "/v1/readiness",
			checks:   map[string]Pinger{"postgres": up, "inputs_bucket": up},
			wantCode: http.StatusOK,
			wantBody: `{"status":"ready"}`,
		},
		{
			name:     "dependencies down",
			path:     "/v1/readiness",
			checks:   map[string]Pinger{"postgres": down, "results_bucket": down, "inputs_bucket": up},
			wantCode: http.StatusServiceUnavailable,
			wantBody: `{"code":"unavailable","message":"not ready: postgres, results_bucket"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			app := web.NewApp(func(context.Context, string, ...any) {}, noop.NewTracerProvider().Tracer(""))
			Routes(app, Config{Build: "test", Log: logger.Noop(), Checks: tt.checks})

			rec := httptest.NewRecorder()
			app.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.JSONEq(t, tt.wantBody, rec.Body.String())
		})
	}
}
