package annotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	domain "github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/pkg/common/logger"
)

// failTimeout bounds the bookkeeping done after the tool fails, which runs
// even when the handler context is already cancelled.
const failTimeout = 10 * time.Second

const defaultRunTimeout = time.Hour

// AnnotatorConfig controls where the annotator stages files and stores results.
type AnnotatorConfig struct {
	WorkDir       string
	ResultsBucket string
	KeyPrefix     string
	MaxConcurrent int64
	// RunTimeout bounds a claimed job from tool start to completion.
	RunTimeout time.Duration
}

// Annotator consumes job requests and runs the annotation tool on each input.
type Annotator struct {
	jobs      domain.JobRepository
	objects   domain.ObjectStore
	tool      domain.Tool
	publisher events.DomainEventPublisher
	cfg       AnnotatorConfig

	sem *semaphore.Weighted
	now func() time.Time

	// root is cancelled on process shutdown. Claimed jobs run under it rather
	// than the delivery context, which ends on every consumer rebalance.
	root context.Context

	logger  *logger.Logger
	metrics AnnotatorMetrics
	tracer  trace.Tracer
}

var _ events.EventHandler = (*Annotator)(nil)

// NewAnnotator creates an annotator running at most cfg.MaxConcurrent tools at once.
func NewAnnotator(
	jobs domain.JobRepository,
	objects domain.ObjectStore,
	tool domain.Tool,
	publisher events.DomainEventPublisher,
	cfg AnnotatorConfig,
	logger *logger.Logger,
	metrics AnnotatorMetrics,
	tracer trace.Tracer,
) *Annotator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = defaultRunTimeout
	}
	return &Annotator{
		jobs:      jobs,
		objects:   objects,
		tool:      tool,
		publisher: publisher,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		now:       time.Now,
		root:      context.Background(),
		logger:    logger.With("component", "annotator"),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// StopOn makes claimed jobs stop when root is cancelled. Without it a claimed
// job runs until it finishes or RunTimeout passes.
func (a *Annotator) StopOn(root context.Context) *Annotator {
	a.root = root
	return a
}

// SupportedEvents implements events.EventHandler.
func (a *Annotator) SupportedEvents() []events.EventType {
	return []events.EventType{domain.EventTypeJobRequested}
}

// HandleEvent processes one job request. Transient failures before the job is
// claimed return an error so the request is delivered again; everything after
// the claim ends with the job COMPLETED or FAILED.
func (a *Annotator) HandleEvent(ctx context.Context, evt events.EventEnvelope, ack events.AckFunc) error {
	ctx, span := a.tracer.Start(ctx, "annotator.handle_job_request",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("event_type", string(evt.Type))))
	defer span.End()

	req, ok := evt.Payload.(domain.JobRequestedEvent)
	if !ok {
		a.skip(ctx, ack, "bad_payload", "unexpected payload type", "type", fmt.Sprintf("%T", evt.Payload))
		return nil
	}
	span.SetAttributes(
		attribute.String("job_id", req.JobID.String()),
		attribute.String("user_id", req.UserID),
	)
	if req.InputFileName == "" || req.InputKey == "" || req.UserID == "" {
		a.skip(ctx, ack, "invalid_request", "job request is missing input details", "job_id", req.JobID)
		return nil
	}

	if err := a.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for annotation slot: %w", err)
	}
	defer a.sem.Release(1)

	jobDir := filepath.Join(a.cfg.WorkDir, req.UserID, req.JobID.String())
	defer func() {
		if err := os.RemoveAll(jobDir); err != nil {
			a.logger.Warn(ctx, "failed to clean job directory", "dir", jobDir, "error", err)
		}
	}()

	job := domain.NewJob(
		req.JobID,
		domain.Profile{UserID: req.UserID, Email: req.Email, Role: req.UserRole},
		domain.Input{FileName: req.InputFileName, Bucket: req.InputsBucket, Key: req.InputKey},
		time.Unix(req.SubmitTime, 0),
	)

	inputPath := filepath.Join(jobDir, req.InputFileName)
	if err := a.objects.Download(ctx, req.InputsBucket, req.InputKey, inputPath); err != nil {
		if errors.Is(err, domain.ErrObjectNotFound) {
			a.failJob(ctx, job, "download", err)
			ack(nil)
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("downloading input for job %s: %w", req.JobID, err)
	}

	err := a.jobs.TransitionStatus(ctx, req.JobID, domain.JobStatusPending, domain.JobStatusRunning)
	switch {
	case errors.Is(err, domain.ErrStatusConflict):
		a.skip(ctx, ack, "already_claimed", "job already claimed", "job_id", req.JobID)
		return nil
	case errors.Is(err, domain.ErrJobNotFound):
		a.skip(ctx, ack, "unknown_job", "job does not exist", "job_id", req.JobID)
		return nil
	case err != nil:
		span.RecordError(err)
		return fmt.Errorf("claiming job %s: %w", req.JobID, err)
	}
	span.AddEvent("job_claimed")

	// From here on the job is ours; every outcome is recorded on it.
	ack(nil)
	if err := job.UpdateStatus(domain.JobStatusRunning); err != nil {
		span.RecordError(err)
		a.failJob(ctx, job, "claim", err)
		return nil
	}

	ctx, cancel := a.detach(ctx)
	defer cancel()

	var out *domain.ToolOutput
	err = a.metrics.TrackAnnotation(ctx, func() error {
		var err error
		out, err = a.tool.Run(ctx, inputPath)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "annotation tool failed")
		a.failJob(ctx, job, "annotate", err)
		return nil
	}

	results := domain.Results{
		Bucket:    a.cfg.ResultsBucket,
		ResultKey: domain.ResultKey(a.cfg.KeyPrefix, req.UserID, req.JobID, req.InputFileName),
		LogKey:    domain.LogKey(a.cfg.KeyPrefix, req.UserID, req.JobID, req.InputFileName),
	}
	if err := a.upload(ctx, out, results); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "result upload failed")
		a.failJob(ctx, job, "upload", err)
		return nil
	}

	if err := job.Complete(results, a.now()); err != nil {
		return err
	}
	if err := a.jobs.CompleteJob(ctx, job); err != nil {
		span.RecordError(err)
		a.logger.Error(ctx, "failed to record job completion", "job_id", req.JobID, "error", err)
		a.metrics.IncJobsFailed(ctx, "complete")
		return nil
	}
	a.metrics.IncJobsCompleted(ctx)

	a.logger.Info(ctx, "job completed",
		"job_id", req.JobID,
		"user_id", req.UserID,
		"duration", out.Duration,
	)
	a.announce(ctx, job)
	return nil
}

// detach returns a context for a claimed job that outlives the delivery
// context. It ends when the run times out or the root is cancelled.
func (a *Annotator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.RunTimeout)
	stop := context.AfterFunc(a.root, cancel)
	return runCtx, func() {
		stop()
		cancel()
	}
}

func (a *Annotator) upload(ctx context.Context, out *domain.ToolOutput, results domain.Results) error {
	if err := a.objects.Upload(ctx, results.Bucket, results.ResultKey, out.ResultPath); err != nil {
		return fmt.Errorf("uploading result: %w", err)
	}
	if err := a.objects.Upload(ctx, results.Bucket, results.LogKey, out.LogPath); err != nil {
		return fmt.Errorf("uploading log: %w", err)
	}
	return nil
}

// announce publishes the completion and, for free users, the archive request.
// The job is already COMPLETED, so publish failures are logged, not retried.
func (a *Annotator) announce(ctx context.Context, job *domain.Job) {
	key := events.WithKey(job.JobID().String())
	if err := a.publisher.PublishDomainEvent(ctx, domain.NewJobCompletedEvent(job), key); err != nil {
		a.logger.Error(ctx, "failed to publish job completion", "job_id", job.JobID(), "error", err)
	}
	if job.UserRole().IsPremium() {
		return
	}
	if err := a.publisher.PublishDomainEvent(ctx, domain.NewArchiveRequestedEvent(job), key); err != nil {
		a.logger.Error(ctx, "failed to publish archive request", "job_id", job.JobID(), "error", err)
	}
}

// failJob records a FAILED status. It uses a detached context so that a
// shutdown interrupting the tool still leaves the job in a terminal state.
func (a *Annotator) failJob(ctx context.Context, job *domain.Job, stage string, cause error) {
	a.metrics.IncJobsFailed(ctx, stage)
	a.logger.Error(ctx, "annotation job failed", "job_id", job.JobID(), "stage", stage, "error", cause)

	if err := job.Fail(a.now()); err != nil {
		a.logger.Error(ctx, "cannot fail job", "job_id", job.JobID(), "error", err)
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failTimeout)
	defer cancel()
	if err := a.jobs.FailJob(fctx, job); err != nil {
		a.logger.Error(ctx, "failed to record job failure", "job_id", job.JobID(), "error", err)
	}
}

func (a *Annotator) skip(ctx context.Context, ack events.AckFunc, reason, msg string, kv ...any) {
	a.metrics.IncJobsSkipped(ctx, reason)
	a.logger.Warn(ctx, msg, kv...)
	ack(nil)
}
