// Package archival moves results of free users to cold storage and brings
// them back when their owner upgrades.
package archival

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/pkg/common/logger"
)

// ArchiverConfig controls when and from where results are archived.
type ArchiverConfig struct {
	ResultsBucket    string
	FreeAccessWindow time.Duration
	// SpoolDir holds result copies while they are uploaded; empty means os.TempDir.
	SpoolDir string
}

// Archiver moves a free user's result to the vault once their free access
// window has passed.
type Archiver struct {
	jobs      annotation.JobRepository
	profiles  annotation.ProfileRepository
	objects   annotation.ObjectStore
	vault     annotation.ColdStorage
	publisher events.DomainEventPublisher
	cfg       ArchiverConfig

	now func() time.Time

	logger  *logger.Logger
	metrics Metrics
	tracer  trace.Tracer
}

var _ events.EventHandler = (*Archiver)(nil)

// NewArchiver creates an Archiver.
func NewArchiver(
	jobs annotation.JobRepository,
	profiles annotation.ProfileRepository,
	objects annotation.ObjectStore,
	vault annotation.ColdStorage,
	publisher events.DomainEventPublisher,
	cfg ArchiverConfig,
	logger *logger.Logger,
	metrics Metrics,
	tracer trace.Tracer,
) *Archiver {
	return &Archiver{
		jobs:      jobs,
		profiles:  profiles,
		objects:   objects,
		vault:     vault,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "archiver"),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// SupportedEvents implements events.EventHandler.
func (a *Archiver) SupportedEvents() []events.EventType {
	return []events.EventType{annotation.EventTypeArchiveRequested}
}

// HandleEvent archives the result named by an ArchiveRequestedEvent. It blocks
// until the job's free access window has passed; cancelling ctx leaves the
// request unacknowledged.
func (a *Archiver) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := a.tracer.Start(ctx, "archiver.handle_archive_request",
		trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	req, ok := evt.Payload.(annotation.ArchiveRequestedEvent)
	if !ok {
		a.skip(ctx, ack, "bad_payload", "unexpected payload type", "type", fmt.Sprintf("%T", evt.Payload))
		return nil
	}
	span.SetAttributes(attribute.String("job_id", req.JobID.String()))

	due := req.CompletedAt().Add(a.cfg.FreeAccessWindow)
	if err := sleepUntil(ctx, a.now, due); err != nil {
		return err
	}
	span.AddEvent("free_access_window_elapsed")

	job, err := a.jobs.GetJob(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, annotation.ErrJobNotFound) {
			a.skip(ctx, ack, "unknown_job", "job does not exist", "job_id", req.JobID)
			return nil
		}
		return fmt.Errorf("loading job %s: %w", req.JobID, err)
	}

	switch {
	case job.Status() != annotation.JobStatusCompleted:
		a.skip(ctx, ack, "not_completed", "job is not completed", "job_id", req.JobID, "status", job.Status())
		return nil
	case job.IsArchived():
		// A redelivered request may find the job archived while the restore for
		// an upgraded owner was never requested.
		if !job.IsRestoring() {
			if err := a.restoreIfUpgraded(ctx, job); err != nil {
				return err
			}
		}
		a.skip(ctx, ack, "already_archived", "job result already archived", "job_id", req.JobID)
		return nil
	}

	premium, err := a.ownerIsPremium(ctx, job.UserID())
	if err != nil {
		return err
	}
	if premium {
		a.skip(ctx, ack, "premium_owner", "owner is premium, keeping result", "job_id", req.JobID)
		return nil
	}

	archiveID, err := a.archive(ctx, job)
	if errors.Is(err, annotation.ErrObjectNotFound) {
		a.skip(ctx, ack, "result_missing", "result object missing", "job_id", req.JobID)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "archive failed")
		return err
	}

	if err := a.jobs.SetArchiveID(ctx, job.JobID(), archiveID); err != nil {
		span.RecordError(err)
		if errors.Is(err, annotation.ErrStatusConflict) || errors.Is(err, annotation.ErrJobNotFound) {
			// The job changed under us; do not leave an unreferenced archive behind.
			if derr := a.vault.DeleteArchive(ctx, archiveID); derr != nil {
				a.logger.Error(ctx, "failed to delete orphaned archive", "archive_id", archiveID, "error", derr)
			}
			a.skip(ctx, ack, "conflict", "job changed while archiving", "job_id", req.JobID, "error", err)
			return nil
		}
		return fmt.Errorf("recording archive of job %s: %w", job.JobID(), err)
	}

	res := job.Results()
	if err := a.objects.Delete(ctx, res.Bucket, res.ResultKey); err != nil {
		a.logger.Error(ctx, "failed to delete archived hot object", "job_id", job.JobID(), "key", res.ResultKey, "error", err)
	}
	a.metrics.IncArchived(ctx)
	a.logger.Info(ctx, "result archived", "job_id", job.JobID(), "archive_id", archiveID)

	// The owner may have upgraded after the role check above. Their upgrade
	// only restored jobs that were archived at the time, so this one is ours.
	if err := a.restoreIfUpgraded(ctx, job); err != nil {
		span.RecordError(err)
		return err
	}
	ack(nil)
	return nil
}

// restoreIfUpgraded requests a restore of an archived job whose owner is now premium.
func (a *Archiver) restoreIfUpgraded(ctx context.Context, job *annotation.Job) error {
	premium, err := a.ownerIsPremium(ctx, job.UserID())
	if err != nil || !premium {
		return err
	}

	evt := annotation.NewRestoreRequestedEvent(job)
	if err := a.publisher.PublishDomainEvent(ctx, evt, events.WithKey(job.JobID().String())); err != nil {
		return fmt.Errorf("requesting restore of job %s: %w", job.JobID(), err)
	}
	a.logger.Info(ctx, "owner upgraded during archival, restore requested", "job_id", job.JobID())
	return nil
}

// archive copies the job's result into the vault through a local spool file,
// since the vault needs a seekable body to compute its tree hash.
func (a *Archiver) archive(ctx context.Context, job *annotation.Job) (string, error) {
	res := job.Results()
	bucket := res.Bucket
	if bucket == "" {
		bucket = a.cfg.ResultsBucket
	}

	body, err := a.objects.Get(ctx, bucket, res.ResultKey)
	if err != nil {
		return "", fmt.Errorf("reading result of job %s: %w", job.JobID(), err)
	}
	defer body.Close()

	spool, err := os.CreateTemp(a.cfg.SpoolDir, "archive-*")
	if err != nil {
		return "", fmt.Errorf("creating spool file: %w", err)
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()

	if _, err := io.Copy(spool, body); err != nil {
		return "", fmt.Errorf("spooling result of job %s: %w", job.JobID(), err)
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewinding spool file: %w", err)
	}

	archiveID, err := a.vault.UploadArchive(ctx, job.JobID().String(), spool)
	if err != nil {
		return "", fmt.Errorf("archiving result of job %s: %w", job.JobID(), err)
	}
	return archiveID, nil
}

func (a *Archiver) ownerIsPremium(ctx context.Context, userID string) (bool, error) {
	p, err := a.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, annotation.ErrProfileNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("loading profile of %s: %w", userID, err)
	}
	return p.Role.IsPremium(), nil
}

func (a *Archiver) skip(ctx context.Context, ack events.AckFunc, reason, msg string, kv ...any) {
	a.metrics.IncSkipped(ctx, "archiver", reason)
	a.logger.Info(ctx, msg, kv...)
	ack(nil)
}

// sleepUntil blocks until now() reaches t or ctx is done.
func sleepUntil(ctx context.Context, now func() time.Time, t time.Time) error {
	d := t.Sub(now())
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
