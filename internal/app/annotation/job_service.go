// Package annotation provides the services that accept annotation requests
// from users and run them on worker nodes.
package annotation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/pkg/common/logger"
)

// maxLogBytes bounds how much of an annotation log is returned to a viewer.
const maxLogBytes = 4 << 20

// JobServiceConfig holds the storage layout and access policy for the web tier.
type JobServiceConfig struct {
	InputsBucket  string
	ResultsBucket string
	KeyPrefix     string

	// UploadRedirectURL is where the object store sends the browser after a
	// successful upload; it must route to CreateJob.
	UploadRedirectURL string
	UploadExpires     time.Duration
	Encryption        string
	ACL               string

	DownloadExpires  time.Duration
	FreeAccessWindow time.Duration
}

// JobDetail is a job together with what its viewer may do with the result.
type JobDetail struct {
	Job       *domain.Job
	Access    domain.ResultAccess
	ResultURL string
}

// JobService implements the user facing operations of the annotation service.
type JobService struct {
	jobs      domain.JobRepository
	profiles  domain.ProfileRepository
	objects   domain.ObjectStore
	publisher events.DomainEventPublisher
	cfg       JobServiceConfig

	now     func() time.Time
	logger  *logger.Logger
	metrics JobServiceMetrics
	tracer  trace.Tracer
}

// NewJobService creates a JobService.
func NewJobService(
	jobs domain.JobRepository,
	profiles domain.ProfileRepository,
	objects domain.ObjectStore,
	publisher events.DomainEventPublisher,
	cfg JobServiceConfig,
	logger *logger.Logger,
	metrics JobServiceMetrics,
	tracer trace.Tracer,
) *JobService {
	return &JobService{
		jobs:      jobs,
		profiles:  profiles,
		objects:   objects,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "job_service"),
		metrics:   metrics,
		tracer:    tracer,
	}
}

// PrepareUpload returns a presigned form the browser posts the input file to.
// Each call reserves a fresh key prefix so uploads never overwrite each other.
func (s *JobService) PrepareUpload(ctx context.Context, userID string) (*domain.PresignedPost, error) {
	ctx, span := s.tracer.Start(ctx, "job_service.prepare_upload",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	post, err := s.objects.PresignPost(ctx, domain.PostPolicy{
		Bucket:      s.cfg.InputsBucket,
		KeyTemplate: domain.InputKeyTemplate(s.cfg.KeyPrefix, userID, uuid.New()),
		RedirectURL: s.cfg.UploadRedirectURL,
		Encryption:  s.cfg.Encryption,
		ACL:         s.cfg.ACL,
		Expires:     s.cfg.UploadExpires,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "presign failed")
		return nil, fmt.Errorf("preparing upload: %w", err)
	}
	return post, nil
}

// CreateJob registers the uploaded object bucket/key as a PENDING job and
// requests its annotation. The key must belong to userID.
func (s *JobService) CreateJob(ctx context.Context, userID, email, bucket, key string) (*domain.Job, error) {
	ctx, span := s.tracer.Start(ctx, "job_service.create_job",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("s3.key", key),
		))
	defer span.End()

	if bucket != s.cfg.InputsBucket {
		return nil, fmt.Errorf("%w: unexpected bucket %q", domain.ErrMalformedKey, bucket)
	}
	parsed, err := domain.ParseInputKey(s.cfg.KeyPrefix, key)
	if err != nil {
		return nil, err
	}
	if parsed.UserID != userID {
		return nil, fmt.Errorf("%w: upload key %q", domain.ErrNotOwner, key)
	}

	owner, err := s.profiles.EnsureProfile(ctx, userID, email)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}

	job := domain.NewJob(
		uuid.New(),
		*owner,
		domain.Input{FileName: parsed.FileName, Bucket: bucket, Key: key},
		s.now(),
	)
	span.SetAttributes(attribute.String("job_id", job.JobID().String()))

	if err := s.jobs.CreateJob(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist job")
		return nil, fmt.Errorf("creating job: %w", err)
	}

	err = s.publisher.PublishDomainEvent(ctx, domain.NewJobRequestedEvent(job), events.WithKey(job.JobID().String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish job request")
		// No annotator will ever see this job; fail it rather than leave it pending.
		if ferr := job.Fail(s.now()); ferr == nil {
			if ferr = s.jobs.FailJob(ctx, job); ferr != nil {
				s.logger.Error(ctx, "failed to mark unpublished job failed", "job_id", job.JobID(), "error", ferr)
			}
		}
		return nil, fmt.Errorf("requesting annotation: %w", err)
	}

	s.metrics.IncJobsSubmitted(ctx)
	s.logger.Info(ctx, "job submitted", "job_id", job.JobID(), "user_id", userID, "file", parsed.FileName)
	return job, nil
}

// ListJobs returns userID's jobs, newest first.
func (s *JobService) ListJobs(ctx context.Context, userID string) ([]*domain.Job, error) {
	jobs, err := s.jobs.ListJobsByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// GetJobDetail loads a job owned by userID and decides whether its result
// may be downloaded, signing a link when it may.
func (s *JobService) GetJobDetail(ctx context.Context, userID string, jobID uuid.UUID) (*JobDetail, error) {
	ctx, span := s.tracer.Start(ctx, "job_service.get_job_detail",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("job_id", jobID.String()),
		))
	defer span.End()

	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return nil, err
	}

	role, err := s.viewerRole(ctx, userID)
	if err != nil {
		return nil, err
	}

	detail := &JobDetail{
		Job:    job,
		Access: job.ResultAccessFor(role, s.now(), s.cfg.FreeAccessWindow),
	}
	if detail.Access.Downloadable {
		res := job.Results()
		url, err := s.objects.PresignGet(ctx, res.Bucket, res.ResultKey, s.cfg.DownloadExpires)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("signing result link: %w", err)
		}
		detail.ResultURL = url
	}
	return detail, nil
}

// GetJobLog returns the annotation log of a completed job owned by userID.
func (s *JobService) GetJobLog(ctx context.Context, userID string, jobID uuid.UUID) (string, error) {
	job, err := s.ownedJob(ctx, userID, jobID)
	if err != nil {
		return "", err
	}
	if job.Status() != domain.JobStatusCompleted {
		return "", fmt.Errorf("%w: job %s is %s", domain.ErrNotCompleted, jobID, job.Status())
	}

	res := job.Results()
	body, err := s.objects.Get(ctx, res.Bucket, res.LogKey)
	if err != nil {
		return "", fmt.Errorf("reading job log: %w", err)
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxLogBytes))
	if err != nil {
		return "", fmt.Errorf("reading job log: %w", err)
	}
	return string(data), nil
}

// Subscribe upgrades userID to premium and requests the restore of every
// archived result. It returns the number of restores requested.
func (s *JobService) Subscribe(ctx context.Context, userID string) (int, error) {
	ctx, span := s.tracer.Start(ctx, "job_service.subscribe",
		trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	if err := s.profiles.UpdateRole(ctx, userID, domain.RolePremium); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("upgrading user: %w", err)
	}
	s.metrics.IncRoleChanges(ctx, string(domain.RolePremium))

	archived, err := s.jobs.ListArchivedJobs(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("listing archived jobs: %w", err)
	}

	requested := 0
	defer func() { s.metrics.IncRestoresRequested(ctx, requested) }()
	for _, job := range archived {
		if job.IsRestoring() {
			continue
		}
		evt := domain.NewRestoreRequestedEvent(job)
		if err := s.publisher.PublishDomainEvent(ctx, evt, events.WithKey(job.JobID().String())); err != nil {
			span.RecordError(err)
			return requested, fmt.Errorf("requesting restore of job %s: %w", job.JobID(), err)
		}
		requested++
	}
	span.SetAttributes(attribute.Int("restores_requested", requested))

	s.logger.Info(ctx, "user upgraded to premium", "user_id", userID, "restores_requested", requested)
	return requested, nil
}

// Unsubscribe resets userID to the free tier.
func (s *JobService) Unsubscribe(ctx context.Context, userID string) error {
	if err := s.profiles.UpdateRole(ctx, userID, domain.RoleFree); err != nil {
		return fmt.Errorf("downgrading user: %w", err)
	}
	s.metrics.IncRoleChanges(ctx, string(domain.RoleFree))
	s.logger.Info(ctx, "user reset to free tier", "user_id", userID)
	return nil
}

// Profile returns the caller's profile, creating a free one on first sight.
func (s *JobService) Profile(ctx context.Context, userID, email string) (*domain.Profile, error) {
	p, err := s.profiles.EnsureProfile(ctx, userID, email)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}
	return p, nil
}

func (s *JobService) ownedJob(ctx context.Context, userID string, jobID uuid.UUID) (*domain.Job, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.OwnedBy(userID) {
		return nil, fmt.Errorf("%w: job %s", domain.ErrNotOwner, jobID)
	}
	return job, nil
}

// viewerRole reads the current role; users without a profile are free.
func (s *JobService) viewerRole(ctx context.Context, userID string) (domain.UserRole, error) {
	p, err := s.profiles.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			return domain.RoleFree, nil
		}
		return "", fmt.Errorf("loading profile: %w", err)
	}
	return p.Role, nil
}
