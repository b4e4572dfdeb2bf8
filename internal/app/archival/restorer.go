package archival

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/pkg/common/logger"
)

// Restorer starts vault retrievals for archived results of upgraded users.
type Restorer struct {
	jobs      annotation.JobRepository
	vault     annotation.ColdStorage
	publisher events.DomainEventPublisher

	logger  *logger.Logger
	metrics Metrics
	tracer  trace.Tracer
}

var _ events.EventHandler = (*Restorer)(nil)

// NewRestorer creates a Restorer.
func NewRestorer(
	jobs annotation.JobRepository,
	vault annotation.ColdStorage,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) *Restorer {
	return &Restorer{
		jobs:      jobs,
		vault:     vault,
		publisher: publisher,
		logger:    logger.With("component", "restorer"),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// SupportedEvents implements events.EventHandler.
func (r *Restorer) SupportedEvents() []events.EventType {
	return []events.EventType{annotation.EventTypeRestoreRequested}
}

// HandleEvent starts the retrieval of one archived result and hands it to
// the thawer.
func (r *Restorer) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := r.tracer.Start(ctx, "restorer.handle_restore_request",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	req, ok := evt.Payload.(annotation.RestoreRequestedEvent)
	if !ok {
		r.skip(ctx, ack, "bad_payload", "unexpected payload type", "type", fmt.Sprintf("%T", evt.Payload))
		return nil
	}
	span.SetAttributes(attribute.String("job_id", req.JobID.String()))

	job, err := r.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, annotation.ErrJobNotFound) {
			r.skip(ctx, ack, "unknown_job", "job does not exist", "job_id", req.JobID)
			return nil
		}
		return fmt.Errorf("loading job %s: %w", req.JobID, err)
	}
	switch {
	case !job.IsArchived():
		r.skip(ctx, ack, "not_archived", "job result is not archived", "job_id", req.JobID)
		return nil
	case job.IsRestoring():
		r.skip(ctx, ack, "already_restoring", "job result is already being restored",
			"job_id", req.JobID, "retrieval_job_id", job.RestoreJobID())
		return nil
	}

	// The retrieval starts before it is recorded. A request redelivered while
	// this one is in flight may pay for a second retrieval; only one is kept.
	retrievalID, tier, err := r.initiate(ctx, job.ArchiveID())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "retrieval not started")
		return err
	}
	span.SetAttributes(
		attribute.String("retrieval_job_id", retrievalID),
		attribute.String("tier", string(tier)),
	)
	r.metrics.IncRetrievalsStarted(ctx, string(tier))

	if err := r.jobs.SetRestoreJobID(ctx, job.JobID(), retrievalID); err != nil {
		if errors.Is(err, annotation.ErrStatusConflict) {
			r.skip(ctx, ack, "already_restoring", "another retrieval was recorded first", "job_id", req.JobID)
			return nil
		}
		return fmt.Errorf("recording retrieval for job %s: %w", job.JobID(), err)
	}

	thaw := annotation.NewThawRequestedEvent(job, retrievalID)
	if err := r.publisher.PublishDomainEvent(ctx, thaw, events.WithKey(job.JobID().String())); err != nil {
		span.RecordError(err)
		// Forget the retrieval so the redelivered request starts a new one.
		if cerr := r.jobs.ClearRestore(ctx, job.JobID()); cerr != nil {
			r.logger.Error(ctx, "failed to clear unannounced retrieval", "job_id", job.JobID(), "error", cerr)
		}
		return fmt.Errorf("requesting thaw of job %s: %w", job.JobID(), err)
	}
	ack(nil)

	r.logger.Info(ctx, "retrieval started",
		"job_id", job.JobID(),
		"archive_id", job.ArchiveID(),
		"retrieval_job_id", retrievalID,
		"tier", tier,
	)
	return nil
}

// initiate asks for an expedited retrieval and falls back to the standard
// tier when expedited capacity is exhausted.
func (r *Restorer) initiate(ctx context.Context, archiveID string) (string, annotation.RetrievalTier, error) {
	id, err := r.vault.InitiateRetrieval(ctx, archiveID, annotation.TierExpedited)
	if err == nil {
		return id, annotation.TierExpedited, nil
	}
	if !errors.Is(err, annotation.ErrInsufficientCapacity) {
		return "", "", fmt.Errorf("starting expedited retrieval of %s: %w", archiveID, err)
	}

	r.logger.Warn(ctx, "expedited retrieval unavailable, using standard tier", "archive_id", archiveID)
	id, err = r.vault.InitiateRetrieval(ctx, archiveID, annotation.TierStandard)
	if err != nil {
		return "", "", fmt.Errorf("starting standard retrieval of %s: %w", archiveID, err)
	}
	return id, annotation.TierStandard, nil
}

func (r *Restorer) skip(ctx context.Context, ack events.AckFunc, reason, msg string, kv ...any) {
	r.metrics.IncSkipped(ctx, "restorer", reason)
	r.logger.Info(ctx, msg, kv...)
	ack(nil)
}
