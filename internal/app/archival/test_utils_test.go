package archival

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
)

// mockDomainEventPublisher implements events.DomainEventPublisher for testing.
type mockDomainEventPublisher struct{ mock.Mock }

func (m *mockDomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	args := m.Called(ctx, event, opts)
	return args.Error(0)
}

// mockJobRepository implements annotation.JobRepository for testing.
type mockJobRepository struct{ mock.Mock }

func (m *mockJobRepository) CreateJob(ctx context.Context, job *annotation.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobRepository) GetJob(ctx context.Context, jobID uuid.UUID) (*annotation.Job, error) {
	args := m.Called(ctx, jobID)
	if job := args.Get(0); job != nil {
		return job.(*annotation.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobRepository) ListJobsByUser(ctx context.Context, userID string) ([]*annotation.Job, error) {
	args := m.Called(ctx, userID)
	if jobs := args.Get(0); jobs != nil {
		return jobs.([]*annotation.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobRepository) TransitionStatus(ctx context.Context, jobID uuid.UUID, from, to annotation.JobStatus) error {
	return m.Called(ctx, jobID, from, to).Error(0)
}

func (m *mockJobRepository) CompleteJob(ctx context.Context, job *annotation.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobRepository) FailJob(ctx context.Context, job *annotation.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobRepository) SetArchiveID(ctx context.Context, jobID uuid.UUID, archiveID string) error {
	return m.Called(ctx, jobID, archiveID).Error(0)
}

func (m *mockJobRepository) SetRestoreJobID(ctx context.Context, jobID uuid.UUID, retrievalJobID string) error {
	return m.Called(ctx, jobID, retrievalJobID).Error(0)
}

func (m *mockJobRepository) ClearRestore(ctx context.Context, jobID uuid.UUID) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *mockJobRepository) ClearArchive(ctx context.Context, jobID uuid.UUID) error {
	return m.Called(ctx, jobID).Error(0)
}

func (m *mockJobRepository) ListArchivedJobs(ctx context.Context, userID string) ([]*annotation.Job, error) {
	args := m.Called(ctx, userID)
	if jobs := args.Get(0); jobs != nil {
		return jobs.([]*annotation.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

// mockProfileRepository implements annotation.ProfileRepository for testing.
type mockProfileRepository struct{ mock.Mock }

func (m *mockProfileRepository) GetProfile(ctx context.Context, userID string) (*annotation.Profile, error) {
	args := m.Called(ctx, userID)
	if p := args.Get(0); p != nil {
		return p.(*annotation.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProfileRepository) EnsureProfile(ctx context.Context, userID, email string) (*annotation.Profile, error) {
	args := m.Called(ctx, userID, email)
	if p := args.Get(0); p != nil {
		return p.(*annotation.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProfileRepository) UpdateRole(ctx context.Context, userID string, role annotation.UserRole) error {
	return m.Called(ctx, userID, role).Error(0)
}

// mockObjectStore implements annotation.ObjectStore for testing.
type mockObjectStore struct{ mock.Mock }

func (m *mockObjectStore) Download(ctx context.Context, bucket, key, path string) error {
	return m.Called(ctx, bucket, key, path).Error(0)
}

func (m *mockObjectStore) Upload(ctx context.Context, bucket, key, path string) error {
	return m.Called(ctx, bucket, key, path).Error(0)
}

func (m *mockObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	args := m.Called(ctx, bucket, key)
	if body := args.Get(0); body != nil {
		return body.(io.ReadCloser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockObjectStore) Put(ctx context.Context, bucket, key string, body io.Reader) error {
	return m.Called(ctx, bucket, key, body).Error(0)
}

func (m *mockObjectStore) Delete(ctx context.Context, bucket, key string) error {
	return m.Called(ctx, bucket, key).Error(0)
}

func (m *mockObjectStore) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	args := m.Called(ctx, bucket, key, expires)
	return args.String(0), args.Error(1)
}

func (m *mockObjectStore) PresignPost(ctx context.Context, policy annotation.PostPolicy) (*annotation.PresignedPost, error) {
	args := m.Called(ctx, policy)
	if post := args.Get(0); post != nil {
		return post.(*annotation.PresignedPost), args.Error(1)
	}
	return nil, args.Error(1)
}

// mockColdStorage implements annotation.ColdStorage for testing.
type mockColdStorage struct{ mock.Mock }

func (m *mockColdStorage) UploadArchive(ctx context.Context, description string, body io.ReadSeeker) (string, error) {
	args := m.Called(ctx, description, body)
	return args.String(0), args.Error(1)
}

func (m *mockColdStorage) InitiateRetrieval(ctx context.Context, archiveID string, tier annotation.RetrievalTier) (string, error) {
	args := m.Called(ctx, archiveID, tier)
	return args.String(0), args.Error(1)
}

func (m *mockColdStorage) DescribeRetrieval(ctx context.Context, retrievalJobID string) (annotation.RetrievalStatus, error) {
	args := m.Called(ctx, retrievalJobID)
	return args.Get(0).(annotation.RetrievalStatus), args.Error(1)
}

func (m *mockColdStorage) RetrievalOutput(ctx context.Context, retrievalJobID string) (io.ReadCloser, error) {
	args := m.Called(ctx, retrievalJobID)
	if body := args.Get(0); body != nil {
		return body.(io.ReadCloser), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockColdStorage) DeleteArchive(ctx context.Context, archiveID string) error {
	return m.Called(ctx, archiveID).Error(0)
}

func noopMetrics() Metrics {
	m, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}
	return m
}

// recordingAck captures the acknowledgement a handler gives.
type recordingAck struct {
	calls int
	err   error
}

func (r *recordingAck) ack(err error) {
	r.calls++
	r.err = err
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// archivedJob returns a completed free-user job whose result may be archived,
// restoring or already thawed depending on archiveID and restoreID.
func archivedJob(archiveID, restoreID string, completedAt time.Time) *annotation.Job {
	jobID := uuid.New()
	return annotation.ReconstructJob(annotation.JobState{
		JobID:          jobID,
		UserID:         "user-1",
		UserRole:       annotation.RoleFree,
		Input:          annotation.Input{FileName: "sample.vcf", Bucket: "gas-inputs", Key: "gas/user-1/x~sample.vcf"},
		Status:         annotation.JobStatusCompleted,
		SubmitTime:     completedAt.Add(-time.Minute),
		CompletionTime: completedAt,
		Results: annotation.Results{
			Bucket:    "gas-results",
			ResultKey: annotation.ResultKey("gas/", "user-1", jobID, "sample.vcf"),
			LogKey:    annotation.LogKey("gas/", "user-1", jobID, "sample.vcf"),
		},
		ArchiveID:    archiveID,
		RestoreJobID: restoreID,
	})
}
