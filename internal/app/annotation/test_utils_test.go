package annotation

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"go.opentelemetry.io/otel/metric/noop"

	domain "github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
)

// mockDomainEventPublisher implements events.DomainEventPublisher for testing.
type mockDomainEventPublisher struct{ mock.Mock }

func (m *mockDomainEventPublisher) PublishDomainEvent(ctx context.Context, event events.DomainEvent, opts ...events.PublishOption) error {
	args := m.Called(ctx, event, opts)
	return args.Error(0)
}

// mockJobRepository implements domain.JobRepository for testing.
type mockJobRepository struct{ mock.Mock }

func (m *mockJobRepository) CreateJob(ctx context.Context, job *domain.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobRepository) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.Job, error) {
	args := m.Called(ctx, jobID)
	if job := args.Get(0); job != nil {
		return job.(*domain.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobRepository) ListJobsByUser(ctx context.Context, userID string) ([]*domain.Job, error) {
	args := m.Called(ctx, userID)
	if jobs := args.Get(0); jobs != nil {
		return jobs.([]*domain.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobRepository) TransitionStatus(ctx context.Context, jobID uuid.UUID, from, to domain.JobStatus) error {
	return m.Called(ctx, jobID, from, to).Error(0)
}

func (m *mockJobRepository) CompleteJob(ctx context.Context, job *domain.Job) error {
	return m.Called(ctx, job).Error(0)
}

func (m *mockJobRepository) FailJob(ctx context.Context, job *domain.Job) error {
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

func (m *mockJobRepository) ListArchivedJobs(ctx context.Context, userID string) ([]*domain.Job, error) {
	args := m.Called(ctx, userID)
	if jobs := args.Get(0); jobs != nil {
		return jobs.([]*domain.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

// mockProfileRepository implements domain.ProfileRepository for testing.
type mockProfileRepository struct{ mock.Mock }

func (m *mockProfileRepository) GetProfile(ctx context.Context, userID string) (*domain.Profile, error) {
	args := m.Called(ctx, userID)
	if p := args.Get(0); p != nil {
		return p.(*domain.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProfileRepository) EnsureProfile(ctx context.Context, userID, email string) (*domain.Profile, error) {
	args := m.Called(ctx, userID, email)
	if p := args.Get(0); p != nil {
		return p.(*domain.Profile), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProfileRepository) UpdateRole(ctx context.Context, userID string, role domain.UserRole) error {
	return m.Called(ctx, userID, role).Error(0)
}

// mockObjectStore implements domain.ObjectStore for testing.
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

func (m *mockObjectStore) PresignPost(ctx context.Context, policy domain.PostPolicy) (*domain.PresignedPost, error) {
	args := m.Called(ctx, policy)
	if post := args.Get(0); post != nil {
		return post.(*domain.PresignedPost), args.Error(1)
	}
	return nil, args.Error(1)
}

// mockTool implements domain.Tool for testing.
type mockTool struct{ mock.Mock }

func (m *mockTool) Run(ctx context.Context, inputPath string) (*domain.ToolOutput, error) {
	args := m.Called(ctx, inputPath)
	if out := args.Get(0); out != nil {
		return out.(*domain.ToolOutput), args.Error(1)
	}
	return nil, args.Error(1)
}

func noopAnnotatorMetrics() AnnotatorMetrics {
	m, err := NewAnnotatorMetrics(noop.NewMeterProvider())
	if err != nil {
		panic(err)
	}
	return m
}

// recordingServiceMetrics counts the user activity a JobService reports.
// Each suite owns one, so no locking is needed.
type recordingServiceMetrics struct {
	submitted int
	restores  int
	roles     []string
}

func (m *recordingServiceMetrics) IncJobsSubmitted(context.Context) { m.submitted++ }

func (m *recordingServiceMetrics) IncRestoresRequested(_ context.Context, n int) { m.restores += n }

func (m *recordingServiceMetrics) IncRoleChanges(_ context.Context, role string) {
	m.roles = append(m.roles, role)
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

func eventOfType(t events.EventType) any {
	return mock.MatchedBy(func(e events.DomainEvent) bool { return e.EventType() == t })
}
