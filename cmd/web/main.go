package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/gas/internal/api"
	"github.com/ahrav/gas/internal/api/auth"
	"github.com/ahrav/gas/internal/api/mux"
	"github.com/ahrav/gas/internal/api/routes"
	"github.com/ahrav/gas/internal/app/annotation"
	"github.com/ahrav/gas/internal/bootstrap"
	"github.com/ahrav/gas/internal/config"
	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/internal/infra/storage/annotation/postgres"
	"github.com/ahrav/gas/pkg/common/logger"
	"github.com/ahrav/gas/pkg/common/otel"
)

var build = "develop"

func main() {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	ctx := context.Background()

	cfg, err := config.Load(ctx, config.ServiceWeb)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	log, hostname, err := bootstrap.NewLogger(cfg.Service, cfg.Log.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, log, cfg, hostname); err != nil {
		log.Error(ctx, "startup", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, cfg *config.Config, hostname string) error {
	// -------------------------------------------------------------------------
	// GOMAXPROCS
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	// -------------------------------------------------------------------------
	// Start Tracing Support
	log.Info(ctx, "startup", "status", "initializing tracing support")

	tracer, teardown, err := bootstrap.Telemetry(log, cfg, hostname)
	if err != nil {
		return err
	}
	defer teardown(ctx)

	// -------------------------------------------------------------------------
	// Database Support
	pool, err := bootstrap.OpenDB(ctx, log, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	// -------------------------------------------------------------------------
	// Start Debug Service
	bootstrap.StartDebug(ctx, log, cfg.Debug.Host)

	// -------------------------------------------------------------------------
	// Initialize Event Bus
	metricCollector, err := api.NewAPIMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics collector: %w", err)
	}

	bus, err := bootstrap.ConnectBusWithMetrics(log, cfg, metricCollector, tracer)
	if err != nil {
		return err
	}
	defer bus.Close()

	awsCfg, err := bootstrap.AWS(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	// -------------------------------------------------------------------------
	// Start API Service
	log.Info(ctx, "startup", "status", "initializing API support")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	authn, err := auth.New(auth.Config{
		Secret: []byte(cfg.Auth.Secret),
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TTL,
	})
	if err != nil {
		return fmt.Errorf("creating authenticator: %w", err)
	}

	objects := bootstrap.ObjectStore(awsCfg, cfg.AWS, tracer)
	jobs := annotation.NewJobService(
		postgres.NewJobStore(pool, tracer),
		postgres.NewProfileStore(pool, tracer),
		objects,
		events.NewBusPublisher(bus),
		annotation.JobServiceConfig{
			InputsBucket:      cfg.Storage.InputsBucket,
			ResultsBucket:     cfg.Storage.ResultsBucket,
			KeyPrefix:         cfg.Storage.KeyPrefix,
			UploadRedirectURL: cfg.Web.UploadRedirectURL,
			UploadExpires:     cfg.Storage.UploadExpires,
			Encryption:        cfg.Storage.Encryption,
			ACL:               cfg.Storage.ACL,
			DownloadExpires:   cfg.Storage.DownloadExpires,
			FreeAccessWindow:  cfg.Storage.FreeAccessWindow,
		},
		log,
		metricCollector,
		tracer,
	)

	// Initialize centralized mux configuration with all dependencies.
	cfgMux := mux.Config{
		Build: build,
		Log:   log,
		Ready: map[string]mux.Pinger{
			"postgres":       pool,
			"inputs_bucket":  objects.BucketCheck(cfg.Storage.InputsBucket),
			"results_bucket": objects.BucketCheck(cfg.Storage.ResultsBucket),
		},
		Auth:    authn,
		Jobs:    jobs,
		Metrics: metricCollector,
		Tracer:  tracer,
	}

	webAPI := mux.WebAPI(cfgMux,
		routes.Routes(),
		mux.WithCORS(cfg.Web.CORSAllowedOrigins),
	)

	api := http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Web.Host, cfg.Web.Port),
		Handler:      webAPI,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		ErrorLog:     logger.NewStdLogger(log, logger.LevelError),
	}

	serverErrors := make(chan error, 1)

	go func() {
		log.Info(ctx, "startup", "status", "api router started", "host", api.Addr)
		serverErrors <- api.ListenAndServe()
	}()

	// -------------------------------------------------------------------------
	// Shutdown

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		log.Info(ctx, "shutdown", "status", "shutdown started", "signal", sig)
		defer log.Info(ctx, "shutdown", "status", "shutdown complete", "signal", sig)

		ctx, cancel := context.WithTimeout(ctx, cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := api.Shutdown(ctx); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}
