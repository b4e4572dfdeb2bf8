package routes

import (
	"github.com/ahrav/gas/internal/api/mid"
	"github.com/ahrav/gas/internal/api/mux"
	"github.com/ahrav/gas/internal/api/routes/account"
	"github.com/ahrav/gas/internal/api/routes/annotations"
	"github.com/ahrav/gas/internal/api/routes/health"
	"github.com/ahrav/gas/pkg/web"
)

// Routes constructs an add value which provides the implementation of
// RouteAdder for specifying what routes to bind to this instance.
func Routes() add {
	return add{}
}

type add struct{}

// Add implements the RouteAdder interface.
func (add) Add(app *web.App, cfg mux.Config) {
	authen := mid.Authenticate(cfg.Auth, cfg.Metrics)

	checks := make(map[string]health.Pinger, len(cfg.Ready))
	for name, p := range cfg.Ready {
		checks[name] = p
	}
	health.Routes(app, health.Config{
		Build:  cfg.Build,
		Log:    cfg.Log,
		Checks: checks,
	})

	annotations.Routes(app, annotations.Config{
		Log:     cfg.Log,
		Jobs:    cfg.Jobs,
		AuthMid: authen,
	})

	account.Routes(app, account.Config{
		Log:      cfg.Log,
		Accounts: cfg.Jobs,
		AuthMid:  authen,
	})
}
