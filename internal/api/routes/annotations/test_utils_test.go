package annotations

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/gas/internal/api/auth"
	"github.com/ahrav/gas/internal/api/mid"
	app "github.com/ahrav/gas/internal/app/annotation"
	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/pkg/common/logger"
	"github.com/ahrav/gas/pkg/web"
)

// mockJobService implements JobService for testing.
type mockJobService struct{ mock.Mock }

func (m *mockJobService) PrepareUpload(ctx context.Context, userID string) (*annotation.PresignedPost, error) {
	args := m.Called(ctx, userID)
	if p := args.Get(0); p != nil {
		return p.(*annotation.PresignedPost), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobService) CreateJob(ctx context.Context, userID, email, bucket, key string) (*annotation.Job, error) {
	args := m.Called(ctx, userID, email, bucket, key)
	if j := args.Get(0); j != nil {
		return j.(*annotation.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobService) ListJobs(ctx context.Context, userID string) ([]*annotation.Job, error) {
	args := m.Called(ctx, userID)
	if j := args.Get(0); j != nil {
		return j.([]*annotation.Job), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobService) GetJobDetail(ctx context.Context, userID string, jobID uuid.UUID) (*app.JobDetail, error) {
	args := m.Called(ctx, userID, jobID)
	if d := args.Get(0); d != nil {
		return d.(*app.JobDetail), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockJobService) GetJobLog(ctx context.Context, userID string, jobID uuid.UUID) (string, error) {
	args := m.Called(ctx, userID, jobID)
	return args.String(0), args.Error(1)
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type routeSuite struct {
	jobs *mockJobService
	auth *auth.Auth
	app  *web.App
}

func newRouteSuite(t *testing.T) *routeSuite {
	t.Helper()

	a, err := auth.New(auth.Config{Secret: []byte("route-secret"), TTL: time.Hour})
	require.NoError(t, err)

	s := &routeSuite{jobs: new(mockJobService), auth: a}
	s.app = web.NewApp(
		func(context.Context, string, ...any) {},
		noop.NewTracerProvider().Tracer(""),
		mid.Errors(logger.Noop()),
		mid.Panics(),
	)
	Routes(s.app, Config{Log: logger.Noop(), Jobs: s.jobs, AuthMid: mid.Authenticate(a, nil)})
	return s
}

// do sends an authenticated request as userID; an empty userID sends none.
func (s *routeSuite) do(t *testing.T, method, target, userID string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, nil)
	if userID != "" {
		token, err := s.auth.Issue(userID, userID+"@example.com", time.Now())
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	s.app.ServeHTTP(rec, req)
	return rec
}

func completedJob(userID string) *annotation.Job {
	return annotation.ReconstructJob(annotation.JobState{
		JobID:          uuid.MustParse("6f1c1b8e-8d4f-4c59-9a55-0e0a4c1f6f10"),
		UserID:         userID,
		UserRole:       annotation.RoleFree,
		Input:          annotation.Input{FileName: "sample.vcf", Bucket: "gas-inputs", Key: "gas/" + userID + "/u~sample.vcf"},
		Status:         annotation.JobStatusCompleted,
		SubmitTime:     testNow.Add(-time.Hour),
		CompletionTime: testNow.Add(-50 * time.Minute),
		Results: annotation.Results{
			Bucket:    "gas-results",
			ResultKey: "gas/" + userID + "/job/sample.annot.vcf",
			LogKey:    "gas/" + userID + "/job/sample.vcf.count.log",
		},
	})
}
