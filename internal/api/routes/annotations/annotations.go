// Package annotations binds the endpoints users submit and inspect
// annotation jobs through.
package annotations

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/ahrav/gas/internal/api/errs"
	"github.com/ahrav/gas/internal/api/mid"
	app "github.com/ahrav/gas/internal/app/annotation"
	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/pkg/common/logger"
	"github.com/ahrav/gas/pkg/web"
)

// JobService is the subset of the job service these handlers use.
type JobService interface {
	PrepareUpload(ctx context.Context, userID string) (*annotation.PresignedPost, error)
	CreateJob(ctx context.Context, userID, email, bucket, key string) (*annotation.Job, error)
	ListJobs(ctx context.Context, userID string) ([]*annotation.Job, error)
	GetJobDetail(ctx context.Context, userID string, jobID uuid.UUID) (*app.JobDetail, error)
	GetJobLog(ctx context.Context, userID string, jobID uuid.UUID) (string, error)
}

var _ JobService = (*app.JobService)(nil)

// Config contains the dependencies needed by the annotation handlers.
type Config struct {
	Log     *logger.Logger
	Jobs    JobService
	AuthMid web.MidFunc
}

// Routes binds all the annotation endpoints.
func Routes(a *web.App, cfg Config) {
	const version = "v1"

	a.HandlerFunc(http.MethodGet, version, "/annotate", prepareUpload(cfg), cfg.AuthMid)
	a.HandlerFunc(http.MethodGet, version, "/annotate/job", createJob(cfg), cfg.AuthMid)
	a.HandlerFunc(http.MethodGet, version, "/annotations", listJobs(cfg), cfg.AuthMid)
	a.HandlerFunc(http.MethodGet, version, "/annotations/{id}", getJob(cfg), cfg.AuthMid)
	a.HandlerFunc(http.MethodGet, version, "/annotations/{id}/log", getJobLog(cfg), cfg.AuthMid)
}

func prepareUpload(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		claims := mid.GetClaims(ctx)

		post, err := cfg.Jobs.PrepareUpload(ctx, claims.UserID())
		if err != nil {
			return toAppError(err)
		}

		return uploadFormResponse{URL: post.URL, Fields: post.Fields}
	}
}

// createJobRequest is the query the object store appends when it redirects
// the browser back after an upload.
type createJobRequest struct {
	Bucket string `json:"bucket" validate:"required"`
	Key    string `json:"key" validate:"required"`
}

func createJob(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		q := r.URL.Query()
		req := createJobRequest{Bucket: q.Get("bucket"), Key: q.Get("key")}
		if err := errs.Check(req); err != nil {
			return errs.New(errs.InvalidArgument, err)
		}

		claims := mid.GetClaims(ctx)
		job, err := cfg.Jobs.CreateJob(ctx, claims.UserID(), claims.Email, req.Bucket, req.Key)
		if err != nil {
			return toAppError(err)
		}

		return createdResponse{toJobResponse(job)}
	}
}

func listJobs(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		jobs, err := cfg.Jobs.ListJobs(ctx, mid.GetClaims(ctx).UserID())
		if err != nil {
			return toAppError(err)
		}

		resp := jobListResponse{Jobs: make([]jobResponse, 0, len(jobs))}
		for _, job := range jobs {
			resp.Jobs = append(resp.Jobs, toJobResponse(job))
		}
		return resp
	}
}

func getJob(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		jobID, err := uuid.Parse(web.Param(r, "id"))
		if err != nil {
			return errs.Newf(errs.InvalidArgument, "invalid job id %q", web.Param(r, "id"))
		}

		detail, err := cfg.Jobs.GetJobDetail(ctx, mid.GetClaims(ctx).UserID(), jobID)
		if err != nil {
			return toAppError(err)
		}

		resp := toJobResponse(detail.Job)
		resp.ResultURL = detail.ResultURL
		resp.FreeAccessExpired = detail.Access.FreeAccessExpired
		resp.Restoring = detail.Access.Restoring
		return resp
	}
}

func getJobLog(cfg Config) web.HandlerFunc {
	return func(ctx context.Context, r *http.Request) web.Encoder {
		jobID, err := uuid.Parse(web.Param(r, "id"))
		if err != nil {
			return errs.Newf(errs.InvalidArgument, "invalid job id %q", web.Param(r, "id"))
		}

		log, err := cfg.Jobs.GetJobLog(ctx, mid.GetClaims(ctx).UserID(), jobID)
		if err != nil {
			return toAppError(err)
		}

		return logResponse(log)
	}
}

// toAppError maps domain errors onto web error codes.
func toAppError(err error) *errs.Error {
	switch {
	case errors.Is(err, annotation.ErrJobNotFound):
		return errs.New(errs.NotFound, annotation.ErrJobNotFound)
	case errors.Is(err, annotation.ErrNotOwner):
		return errs.New(errs.PermissionDenied, errors.New("not authorized to access this job"))
	case errors.Is(err, annotation.ErrMalformedKey):
		return errs.New(errs.InvalidArgument, err)
	case errors.Is(err, annotation.ErrNotCompleted):
		return errs.New(errs.FailedPrecondition, err)
	case errors.Is(err, annotation.ErrObjectNotFound):
		return errs.New(errs.NotFound, err)
	default:
		return errs.New(errs.Internal, err)
	}
}
