package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/ahrav/gas/internal/app/annotation"
	"github.com/ahrav/gas/internal/bootstrap"
	"github.com/ahrav/gas/internal/config"
	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/internal/infra/annotator/anntools"
	"github.com/ahrav/gas/internal/infra/storage/annotation/postgres"
	"github.com/ahrav/gas/pkg/common/logger"
	"github.com/ahrav/gas/pkg/common/otel"
)

func main() {
	_, _ = maxprocs.Set()

	ctx := context.Background()

	cfg, err := config.Load(ctx, config.ServiceAnnotator)
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
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0))

	tracer, teardown, err := bootstrap.Telemetry(log, cfg, hostname)
	if err != nil {
		return err
	}
	defer teardown(ctx)

	pool, err := bootstrap.OpenDB(ctx, log, cfg.DB)
	if err != nil {
		return err
	}
	defer pool.Close()

	bootstrap.StartDebug(ctx, log, cfg.Debug.Host)

	awsCfg, err := bootstrap.AWS(ctx, cfg.AWS)
	if err != nil {
		return err
	}

	tool, err := anntools.NewRunner(cfg.Annotator.Command, log)
	if err != nil {
		return fmt.Errorf("creating annotation runner: %w", err)
	}

	metrics, err := annotation.NewAnnotatorMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating annotator metrics: %w", err)
	}

	bus, err := bootstrap.ConnectBus(log, cfg, tracer)
	if err != nil {
		return err
	}

	// Claimed jobs outlive consumer rebalances and stop only on shutdown.
	shutdown, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	annotator := annotation.NewAnnotator(
		postgres.NewJobStore(pool, tracer),
		bootstrap.ObjectStore(awsCfg, cfg.AWS, tracer),
		tool,
		events.NewBusPublisher(bus),
		annotation.AnnotatorConfig{
			WorkDir:       cfg.Annotator.WorkDir,
			ResultsBucket: cfg.Storage.ResultsBucket,
			KeyPrefix:     cfg.Storage.KeyPrefix,
			MaxConcurrent: int64(cfg.Annotator.MaxConcurrent),
			RunTimeout:    cfg.Annotator.RunTimeout,
		},
		log,
		metrics,
		tracer,
	).StopOn(shutdown)

	return bootstrap.RunWorker(ctx, log, bus, annotator)
}
