package archival

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/pkg/common/logger"
)

var errRetrievalInProgress = errors.New("vault retrieval still in progress")

// ThawerConfig controls how long the thawer waits on a vault retrieval.
// Expedited retrievals finish within minutes, standard ones within hours.
type ThawerConfig struct {
	ResultsBucket   string
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	// MaxWait bounds a single wait; the request is delivered again afterwards.
	MaxWait time.Duration
}

// Thawer copies retrieved archives back into hot storage.
type Thawer struct {
	jobs    annotation.JobRepository
	objects annotation.ObjectStore
	vault   annotation.ColdStorage
	cfg     ThawerConfig

	logger  *logger.Logger
	metrics Metrics
	tracer  trace.Tracer
}

var _ events.EventHandler = (*Thawer)(nil)

// NewThawer creates a Thawer.
func NewThawer(
	jobs annotation.JobRepository,
	objects annotation.ObjectStore,
	vault annotation.ColdStorage,
	cfg ThawerConfig,
	logger *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) *Thawer {
	return &Thawer{
		jobs:    jobs,
		objects: objects,
		vault:   vault,
		cfg:     cfg,
		logger:  logger.With("component", "thawer"),
		metrics: metrics,
		tracer:  tracer,
	}
}

// SupportedEvents implements events.EventHandler.
func (t *Thawer) SupportedEvents() []events.EventType {
	return []events.EventType{annotation.EventTypeThawRequested}
}

// HandleEvent waits for the retrieval named in a ThawRequestedEvent and, once
// it succeeds, writes the bytes back to the job's result key and drops the archive.
func (t *Thawer) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := t.tracer.Start(ctx, "thawer.handle_thaw_request",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	req, ok := evt.Payload.(annotation.ThawRequestedEvent)
	if !ok {
		t.skip(ctx, ack, "bad_payload", "unexpected payload type", "type", fmt.Sprintf("%T", evt.Payload))
		return nil
	}
	span.SetAttributes(
		attribute.String("job_id", req.JobID.String()),
		attribute.String("retrieval_job_id", req.RetrievalJobID),
	)

	job, err := t.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, annotation.ErrJobNotFound) {
			t.skip(ctx, ack, "unknown_job", "job does not exist", "job_id", req.JobID)
			return nil
		}
		return fmt.Errorf("loading job %s: %w", req.JobID, err)
	}
	switch {
	case !job.IsArchived():
		t.skip(ctx, ack, "already_thawed", "job result is already in hot storage", "job_id", req.JobID)
		return nil
	case job.RestoreJobID() != req.RetrievalJobID:
		t.skip(ctx, ack, "stale_retrieval", "retrieval is no longer the job's current one",
			"job_id", req.JobID, "current", job.RestoreJobID())
		return nil
	}

	status, err := t.waitForRetrieval(ctx, req.RetrievalJobID)
	if err != nil {
		span.RecordError(err)
		return err
	}

	if status == annotation.RetrievalFailed {
		t.metrics.IncThawFailures(ctx)
		span.SetStatus(codes.Error, "retrieval failed")
		t.logger.Error(ctx, "vault retrieval failed", "job_id", req.JobID, "retrieval_job_id", req.RetrievalJobID)
		// A later upgrade may try again.
		if err := t.jobs.ClearRestore(ctx, job.JobID()); err != nil {
			return fmt.Errorf("clearing failed retrieval of job %s: %w", job.JobID(), err)
		}
		ack(nil)
		return nil
	}

	if err := t.restore(ctx, job, req.RetrievalJobID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "restore failed")
		return err
	}

	if err := t.jobs.ClearArchive(ctx, job.JobID()); err != nil {
		return fmt.Errorf("clearing archive of job %s: %w", job.JobID(), err)
	}
	ack(nil)

	if err := t.vault.DeleteArchive(ctx, job.ArchiveID()); err != nil {
		t.logger.Error(ctx, "failed to delete thawed archive", "archive_id", job.ArchiveID(), "error", err)
	}

	t.metrics.IncThawed(ctx)
	t.logger.Info(ctx, "result restored", "job_id", job.JobID(), "key", job.Results().ResultKey)
	return nil
}

// waitForRetrieval polls the vault with exponential backoff until the
// retrieval finishes, ctx is done or MaxWait elapses.
func (t *Thawer) waitForRetrieval(ctx context.Context, retrievalID string) (annotation.RetrievalStatus, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = t.cfg.PollInterval
	policy.MaxInterval = t.cfg.MaxPollInterval
	policy.MaxElapsedTime = t.cfg.MaxWait

	var status annotation.RetrievalStatus
	operation := func() error {
		s, err := t.vault.DescribeRetrieval(ctx, retrievalID)
		if err != nil {
			return err
		}
		if s == annotation.RetrievalInProgress {
			return errRetrievalInProgress
		}
		status = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		t.logger.Debug(ctx, "retrieval not ready", "retrieval_job_id", retrievalID, "reason", err, "next_poll", wait)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("waiting for retrieval %s: %w", retrievalID, err)
	}
	return status, nil
}

func (t *Thawer) restore(ctx context.Context, job *annotation.Job, retrievalID string) error {
	body, err := t.vault.RetrievalOutput(ctx, retrievalID)
	if err != nil {
		return fmt.Errorf("reading retrieval %s: %w", retrievalID, err)
	}
	defer body.Close()

	res := job.Results()
	bucket := res.Bucket
	if bucket == "" {
		bucket = t.cfg.ResultsBucket
	}
	if err := t.objects.Put(ctx, bucket, res.ResultKey, body); err != nil {
		return fmt.Errorf("restoring result of job %s: %w", job.JobID(), err)
	}
	return nil
}

func (t *Thawer) skip(ctx context.Context, ack events.AckFunc, reason, msg string, kv ...any) {
	t.metrics.IncSkipped(ctx, "thawer", reason)
	t.logger.Info(ctx, msg, kv...)
	ack(nil)
}
