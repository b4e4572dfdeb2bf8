// Package bootstrap holds the startup sequence shared by the service binaries:
// logging, telemetry, the database pool, the event bus and the AWS clients.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awsglacier "github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/db"
	"github.com/ahrav/gas/internal/api/debug"
	"github.com/ahrav/gas/internal/config"
	"github.com/ahrav/gas/internal/infra/coldstore/glacier"
	"github.com/ahrav/gas/internal/infra/eventbus/kafka"
	"github.com/ahrav/gas/internal/infra/objectstore/s3store"
	"github.com/ahrav/gas/pkg/common/logger"
	"github.com/ahrav/gas/pkg/common/otel"
)

// NewLogger builds the JSON logger of a service. Error records are echoed to
// stderr with their attributes so they stand out in container logs.
func NewLogger(service, level string) (*logger.Logger, string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, "", fmt.Errorf("failed to get hostname: %w", err)
	}

	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return nil, "", err
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	svcName := fmt.Sprintf("GAS-%s-%s", strings.ToUpper(service), hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       service,
	}

	log := logger.NewWithMetadata(os.Stdout, lvl, svcName, otel.GetTraceID, logEvents, metadata)
	return log, hostname, nil
}

// Telemetry starts tracing and metrics export and returns the service tracer.
func Telemetry(log *logger.Logger, cfg *config.Config, hostname string) (trace.Tracer, func(context.Context), error) {
	tp, teardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      "gas-" + cfg.Service,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/readiness": {},
			"/v1/health":    {},
			"/debug":        {},
		},
		Probability: cfg.Telemetry.Probability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("starting tracing: %w", err)
	}
	return tp.Tracer("gas-" + cfg.Service), teardown, nil
}

// OpenDB creates a traced connection pool and applies pending migrations
// when cfg.Migrate is set.
func OpenDB(ctx context.Context, log *logger.Logger, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating db pool: %w", err)
	}

	if cfg.Migrate {
		log.Info(ctx, "startup", "status", "applying migrations")
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrating db: %w", err)
		}
	}
	return pool, nil
}

// ConnectBus connects the Kafka event bus. Processes without a consumer group
// get a publish-only bus.
func ConnectBus(log *logger.Logger, cfg *config.Config, tracer trace.Tracer) (*kafka.EventBus, error) {
	metrics, err := kafka.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("creating event bus metrics: %w", err)
	}
	return ConnectBusWithMetrics(log, cfg, metrics, tracer)
}

// ConnectBusWithMetrics is ConnectBus with caller supplied bus metrics.
func ConnectBusWithMetrics(
	log *logger.Logger,
	cfg *config.Config,
	metrics kafka.EventBusMetrics,
	tracer trace.Tracer,
) (*kafka.EventBus, error) {
	log.Info(context.Background(), "startup", "status", "initializing event bus")

	bus, err := kafka.ConnectEventBus(KafkaConfig(cfg), log, metrics, tracer, cfg.Kafka.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("connecting event bus: %w", err)
	}
	return bus, nil
}

// KafkaConfig maps the service configuration onto the event bus settings.
func KafkaConfig(cfg *config.Config) *kafka.Config {
	return &kafka.Config{
		Brokers:              cfg.Kafka.Brokers,
		JobRequestsTopic:     cfg.Kafka.JobRequestsTopic,
		JobResultsTopic:      cfg.Kafka.JobResultsTopic,
		ArchiveRequestsTopic: cfg.Kafka.ArchiveRequestsTopic,
		RestoreRequestsTopic: cfg.Kafka.RestoreRequestsTopic,
		ThawRequestsTopic:    cfg.Kafka.ThawRequestsTopic,
		GroupID:              cfg.Kafka.GroupID,
		ClientID:             cfg.Kafka.ClientID,
		ServiceType:          cfg.Service,
		HandlerRetries:       cfg.Kafka.HandlerRetries,
		CommitInterval:       cfg.Kafka.CommitInterval,
	}
}

// AWS loads the shared AWS configuration. Static keys, when configured,
// replace the default credential chain.
func AWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading aws config: %w", err)
	}
	return awsCfg, nil
}

// ObjectStore builds the S3 backed object store.
func ObjectStore(awsCfg aws.Config, cfg config.AWSConfig, tracer trace.Tracer) *s3store.Store {
	client := s3store.NewClient(awsCfg, s3store.Options{
		Region:       cfg.Region,
		Endpoint:     cfg.S3Endpoint,
		UsePathStyle: cfg.S3PathStyle,
	})
	return s3store.NewStore(client, tracer)
}

// Vault builds the Glacier backed cold storage.
func Vault(awsCfg aws.Config, cfg config.AWSConfig, tracer trace.Tracer) *glacier.Vault {
	return glacier.NewVault(awsglacier.NewFromConfig(awsCfg), cfg.VaultName, cfg.VaultRPS, cfg.VaultBurst, tracer)
}

// StartDebug serves the pprof and statsviz endpoints until the process exits.
func StartDebug(ctx context.Context, log *logger.Logger, host string) {
	if host == "" {
		return
	}
	go func() {
		log.Info(ctx, "startup", "status", "debug router started", "host", host)
		if err := http.ListenAndServe(host, debug.Mux()); err != nil {
			log.Error(ctx, "shutdown", "status", "debug router closed", "host", host, "msg", err)
		}
	}()
}
