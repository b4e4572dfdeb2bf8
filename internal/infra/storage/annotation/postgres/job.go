package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/infra/storage"
)

// jobStore implements annotation.JobRepository using PostgreSQL as the backing store.
// Status changes are conditional updates keyed on the expected current status so
// that concurrent workers cannot both claim the same job.
var _ annotation.JobRepository = (*jobStore)(nil)

type jobStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewJobStore creates a new PostgreSQL-backed job repository with tracing capabilities.
func NewJobStore(pool *pgxpool.Pool, tracer trace.Tracer) *jobStore {
	return &jobStore{db: pool, tracer: tracer}
}

// defaultDBAttributes defines standard OpenTelemetry attributes for database operations.
var defaultDBAttributes = []attribute.KeyValue{
	attribute.String("db.system", "postgresql"),
}

func dbAttrs(extra ...attribute.KeyValue) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(defaultDBAttributes)+len(extra))
	attrs = append(attrs, defaultDBAttributes...)
	return append(attrs, extra...)
}

const jobColumns = `
	job_id, user_id, user_role, user_email,
	input_file_name, s3_inputs_bucket, s3_key_input_file,
	job_status, submit_time, completion_time,
	s3_results_bucket, s3_key_result_file, s3_key_log_file,
	results_file_archive_id, restore_job_id`

const (
	insertJobQuery = `
INSERT INTO annotation_jobs (
	job_id, user_id, user_role, user_email,
	input_file_name, s3_inputs_bucket, s3_key_input_file,
	job_status, submit_time
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	getJobQuery = `SELECT` + jobColumns + ` FROM annotation_jobs WHERE job_id = $1`

	listJobsByUserQuery = `SELECT` + jobColumns + `
FROM annotation_jobs
WHERE user_id = $1
ORDER BY submit_time DESC`

	listArchivedJobsQuery = `SELECT` + jobColumns + `
FROM annotation_jobs
WHERE user_id = $1 AND results_file_archive_id <> ''
ORDER BY submit_time DESC`

	transitionStatusQuery = `
UPDATE annotation_jobs
SET job_status = $3, updated_at = NOW()
WHERE job_id = $1 AND job_status = $2`

	completeJobQuery = `
UPDATE annotation_jobs
SET job_status = 'COMPLETED',
	s3_results_bucket = $2,
	s3_key_result_file = $3,
	s3_key_log_file = $4,
	completion_time = $5,
	updated_at = NOW()
WHERE job_id = $1 AND job_status = 'RUNNING'`

	failJobQuery = `
UPDATE annotation_jobs
SET job_status = 'FAILED', completion_time = $2, updated_at = NOW()
WHERE job_id = $1 AND job_status IN ('PENDING', 'RUNNING')`

	setArchiveIDQuery = `
UPDATE annotation_jobs
SET results_file_archive_id = $2, updated_at = NOW()
WHERE job_id = $1 AND job_status = 'COMPLETED' AND results_file_archive_id = ''`

	setRestoreJobIDQuery = `
UPDATE annotation_jobs
SET restore_job_id = $2, updated_at = NOW()
WHERE job_id = $1 AND results_file_archive_id <> '' AND restore_job_id = ''`

	clearRestoreQuery = `
UPDATE annotation_jobs
SET restore_job_id = '', updated_at = NOW()
WHERE job_id = $1`

	clearArchiveQuery = `
UPDATE annotation_jobs
SET results_file_archive_id = '', restore_job_id = '', updated_at = NOW()
WHERE job_id = $1`

	jobExistsQuery = `SELECT EXISTS (SELECT 1 FROM annotation_jobs WHERE job_id = $1)`
)

func pgUUID(id uuid.UUID) pgtype.UUID { return pgtype.UUID{Bytes: id, Valid: true} }

// CreateJob persists a new annotation job.
func (r *jobStore) CreateJob(ctx context.Context, job *annotation.Job) error {
	attrs := dbAttrs(
		attribute.String("job_id", job.JobID().String()),
		attribute.String("user_id", job.UserID()),
		attribute.String("status", job.Status().String()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.create_job", attrs, func(ctx context.Context) error {
		in := job.Input()
		_, err := r.db.Exec(ctx, insertJobQuery,
			pgUUID(job.JobID()),
			job.UserID(),
			job.UserRole().String(),
			job.UserEmail(),
			in.FileName,
			in.Bucket,
			in.Key,
			job.Status().String(),
			pgtype.Timestamptz{Time: job.SubmitTime(), Valid: true},
		)
		if err != nil {
			return fmt.Errorf("CreateJob insert error: %w", err)
		}
		return nil
	})
}

// GetJob retrieves a job by id.
func (r *jobStore) GetJob(ctx context.Context, jobID uuid.UUID) (*annotation.Job, error) {
	attrs := dbAttrs(attribute.String("job_id", jobID.String()))

	return storage.QueryAndTrace(ctx, r.tracer, "postgres.get_job", attrs, func(ctx context.Context) (*annotation.Job, error) {
		job, err := scanJob(r.db.QueryRow(ctx, getJobQuery, pgUUID(jobID)))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("%w: %s", annotation.ErrJobNotFound, jobID)
			}
			return nil, fmt.Errorf("GetJob query error: %w", err)
		}
		return job, nil
	})
}

// ListJobsByUser returns all jobs owned by userID, newest first.
func (r *jobStore) ListJobsByUser(ctx context.Context, userID string) ([]*annotation.Job, error) {
	return r.listJobs(ctx, "postgres.list_jobs_by_user", listJobsByUserQuery, userID)
}

// ListArchivedJobs returns userID's jobs whose results currently live in the vault.
func (r *jobStore) ListArchivedJobs(ctx context.Context, userID string) ([]*annotation.Job, error) {
	return r.listJobs(ctx, "postgres.list_archived_jobs", listArchivedJobsQuery, userID)
}

func (r *jobStore) listJobs(ctx context.Context, span, query, userID string) ([]*annotation.Job, error) {
	attrs := dbAttrs(attribute.String("user_id", userID))

	return storage.QueryAndTrace(ctx, r.tracer, span, attrs, func(ctx context.Context) ([]*annotation.Job, error) {
		jobs, err := r.queryJobs(ctx, query, userID)
		if err != nil {
			return nil, fmt.Errorf("%s query error: %w", span, err)
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.Int("num_jobs", len(jobs)))
		return jobs, nil
	})
}

// TransitionStatus moves a job from one status to another in a single
// conditional UPDATE. Zero affected rows means either the job is missing or
// another writer already changed its status.
func (r *jobStore) TransitionStatus(ctx context.Context, jobID uuid.UUID, from, to annotation.JobStatus) error {
	attrs := dbAttrs(
		attribute.String("job_id", jobID.String()),
		attribute.String("from_status", from.String()),
		attribute.String("to_status", to.String()),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.transition_job_status", attrs, func(ctx context.Context) error {
		if err := from.ValidateTransition(to); err != nil {
			return err
		}

		tag, err := r.db.Exec(ctx, transitionStatusQuery, pgUUID(jobID), from.String(), to.String())
		if err != nil {
			return fmt.Errorf("TransitionStatus update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.missOrConflict(ctx, jobID)
		}
		return nil
	})
}

// CompleteJob stores the job's results and marks it COMPLETED if it is still RUNNING.
func (r *jobStore) CompleteJob(ctx context.Context, job *annotation.Job) error {
	attrs := dbAttrs(attribute.String("job_id", job.JobID().String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.complete_job", attrs, func(ctx context.Context) error {
		completed, ok := job.CompletionTime()
		if !ok || job.Status() != annotation.JobStatusCompleted {
			return fmt.Errorf("%w: job %s is %s", annotation.ErrInvalidTransition, job.JobID(), job.Status())
		}

		res := job.Results()
		tag, err := r.db.Exec(ctx, completeJobQuery,
			pgUUID(job.JobID()),
			res.Bucket,
			res.ResultKey,
			res.LogKey,
			pgtype.Timestamptz{Time: completed, Valid: true},
		)
		if err != nil {
			return fmt.Errorf("CompleteJob update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.missOrConflict(ctx, job.JobID())
		}
		return nil
	})
}

// FailJob marks a PENDING or RUNNING job FAILED.
func (r *jobStore) FailJob(ctx context.Context, job *annotation.Job) error {
	attrs := dbAttrs(attribute.String("job_id", job.JobID().String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.fail_job", attrs, func(ctx context.Context) error {
		at, ok := job.CompletionTime()
		if !ok {
			at = time.Now().UTC()
		}

		tag, err := r.db.Exec(ctx, failJobQuery, pgUUID(job.JobID()), pgtype.Timestamptz{Time: at, Valid: true})
		if err != nil {
			return fmt.Errorf("FailJob update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.missOrConflict(ctx, job.JobID())
		}
		return nil
	})
}

// SetArchiveID records the vault archive that holds a completed job's result.
// Only the first archive is kept; a job that already has one reports
// ErrStatusConflict.
func (r *jobStore) SetArchiveID(ctx context.Context, jobID uuid.UUID, archiveID string) error {
	attrs := dbAttrs(attribute.String("job_id", jobID.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.set_archive_id", attrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, setArchiveIDQuery, pgUUID(jobID), archiveID)
		if err != nil {
			return fmt.Errorf("SetArchiveID update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.missOrConflict(ctx, jobID)
		}
		return nil
	})
}

// SetRestoreJobID records a vault retrieval for an archived job. Only one
// retrieval may be outstanding per job.
func (r *jobStore) SetRestoreJobID(ctx context.Context, jobID uuid.UUID, retrievalJobID string) error {
	attrs := dbAttrs(
		attribute.String("job_id", jobID.String()),
		attribute.String("retrieval_job_id", retrievalJobID),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.set_restore_job_id", attrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, setRestoreJobIDQuery, pgUUID(jobID), retrievalJobID)
		if err != nil {
			return fmt.Errorf("SetRestoreJobID update error: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return r.missOrConflict(ctx, jobID)
		}
		return nil
	})
}

// ClearRestore forgets an outstanding retrieval.
func (r *jobStore) ClearRestore(ctx context.Context, jobID uuid.UUID) error {
	return r.execByID(ctx, "postgres.clear_restore", clearRestoreQuery, jobID)
}

// ClearArchive forgets the archive id and any retrieval once the result is back in hot storage.
func (r *jobStore) ClearArchive(ctx context.Context, jobID uuid.UUID) error {
	return r.execByID(ctx, "postgres.clear_archive", clearArchiveQuery, jobID)
}

func (r *jobStore) execByID(ctx context.Context, spanName, query string, jobID uuid.UUID) error {
	attrs := dbAttrs(attribute.String("job_id", jobID.String()))

	return storage.ExecuteAndTrace(ctx, r.tracer, spanName, attrs, func(ctx context.Context) error {
		tag, err := r.db.Exec(ctx, query, pgUUID(jobID))
		if err != nil {
			return fmt.Errorf("%s error: %w", spanName, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", annotation.ErrJobNotFound, jobID)
		}
		return nil
	})
}

// missOrConflict classifies a conditional update that touched no rows.
func (r *jobStore) missOrConflict(ctx context.Context, jobID uuid.UUID) error {
	span := trace.SpanFromContext(ctx)

	var exists bool
	if err := r.db.QueryRow(ctx, jobExistsQuery, pgUUID(jobID)).Scan(&exists); err != nil {
		return fmt.Errorf("job existence check error: %w", err)
	}
	if !exists {
		span.SetAttributes(attribute.Bool("job_not_found", true))
		return fmt.Errorf("%w: %s", annotation.ErrJobNotFound, jobID)
	}

	span.SetAttributes(attribute.Bool("status_conflict", true))
	return fmt.Errorf("%w: %s", annotation.ErrStatusConflict, jobID)
}

func (r *jobStore) queryJobs(ctx context.Context, query string, args ...any) ([]*annotation.Job, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*annotation.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*annotation.Job, error) {
	var (
		id         pgtype.UUID
		role       string
		status     string
		submitted  pgtype.Timestamptz
		completed  pgtype.Timestamptz
		state      annotation.JobState
		inputs     annotation.Input
		results    annotation.Results
		archiveID  string
		restoreJob string
	)

	err := row.Scan(
		&id,
		&state.UserID,
		&role,
		&state.UserEmail,
		&inputs.FileName,
		&inputs.Bucket,
		&inputs.Key,
		&status,
		&submitted,
		&completed,
		&results.Bucket,
		&results.ResultKey,
		&results.LogKey,
		&archiveID,
		&restoreJob,
	)
	if err != nil {
		return nil, err
	}

	state.JobID = id.Bytes
	state.UserRole = annotation.ParseUserRole(role)
	state.Status = annotation.ParseJobStatus(status)
	state.SubmitTime = submitted.Time.UTC()
	if completed.Valid {
		state.CompletionTime = completed.Time.UTC()
	}
	state.Input = inputs
	state.Results = results
	state.ArchiveID = archiveID
	state.RestoreJobID = restoreJob

	return annotation.ReconstructJob(state), nil
}
