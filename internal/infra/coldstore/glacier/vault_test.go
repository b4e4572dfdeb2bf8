package glacier

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/infra/storage"
)

type mockAPI struct{ mock.Mock }

func (m *mockAPI) UploadArchive(ctx context.Context, in *glacier.UploadArchiveInput, _ ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*glacier.UploadArchiveOutput)
	return out, args.Error(1)
}

func (m *mockAPI) InitiateJob(ctx context.Context, in *glacier.InitiateJobInput, _ ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*glacier.InitiateJobOutput)
	return out, args.Error(1)
}

func (m *mockAPI) DescribeJob(ctx context.Context, in *glacier.DescribeJobInput, _ ...func(*glacier.Options)) (*glacier.DescribeJobOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*glacier.DescribeJobOutput)
	return out, args.Error(1)
}

func (m *mockAPI) GetJobOutput(ctx context.Context, in *glacier.GetJobOutputInput, _ ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*glacier.GetJobOutputOutput)
	return out, args.Error(1)
}

func (m *mockAPI) DeleteArchive(ctx context.Context, in *glacier.DeleteArchiveInput, _ ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*glacier.DeleteArchiveOutput)
	return out, args.Error(1)
}

func newTestVault(api API) *Vault { return NewVault(api, "gas-vault", 100, 10, storage.NoOpTracer()) }

func TestVault_UploadArchive(t *testing.T) {
	t.Parallel()

	api := new(mockAPI)
	api.On("UploadArchive", mock.Anything, mock.MatchedBy(func(in *glacier.UploadArchiveInput) bool {
		return aws.ToString(in.VaultName) == "gas-vault" &&
			aws.ToString(in.AccountId) == "-" &&
			aws.ToString(in.ArchiveDescription) == "job-1"
	})).Return(&glacier.UploadArchiveOutput{ArchiveId: aws.String("archive-1")}, nil).Once()
	api.On("UploadArchive", mock.Anything, mock.Anything).Return(&glacier.UploadArchiveOutput{}, nil).Once()

	v := newTestVault(api)
	id, err := v.UploadArchive(context.Background(), "job-1", strings.NewReader("data"))
	require.NoError(t, err)
	assert.Equal(t, "archive-1", id)

	_, err = v.UploadArchive(context.Background(), "job-2", strings.NewReader("data"))
	require.Error(t, err, "an empty archive id is never stored")
	api.AssertExpectations(t)
}

func TestVault_InitiateRetrieval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		apiErr  error
		wantErr error
		wantID  string
	}{
		{name: "started", wantID: "retrieval-1"},
		{
			name:    "insufficient capacity",
			apiErr:  &types.InsufficientCapacityException{Message: aws.String("no expedited capacity")},
			wantErr: annotation.ErrInsufficientCapacity,
		},
		{name: "other failure", apiErr: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			api := new(mockAPI)
			call := api.On("InitiateJob", mock.Anything, mock.MatchedBy(func(in *glacier.InitiateJobInput) bool {
				p := in.JobParameters
				return aws.ToString(p.Type) == "archive-retrieval" &&
					aws.ToString(p.ArchiveId) == "archive-1" &&
					aws.ToString(p.Tier) == "Expedited"
			}))
			if tt.apiErr != nil {
				call.Return(nil, tt.apiErr)
			} else {
				call.Return(&glacier.InitiateJobOutput{JobId: aws.String(tt.wantID)}, nil)
			}

			id, err := newTestVault(api).InitiateRetrieval(context.Background(), "archive-1", annotation.TierExpedited)
			switch {
			case tt.apiErr == nil:
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, id)
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			default:
				require.Error(t, err)
				assert.NotErrorIs(t, err, annotation.ErrInsufficientCapacity)
			}
		})
	}
}

func TestVault_DescribeRetrieval(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code types.StatusCode
		want annotation.RetrievalStatus
	}{
		{types.StatusCodeInProgress, annotation.RetrievalInProgress},
		{types.StatusCodeSucceeded, annotation.RetrievalSucceeded},
		{types.StatusCodeFailed, annotation.RetrievalFailed},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()

			api := new(mockAPI)
			api.On("DescribeJob", mock.Anything, mock.Anything).
				Return(&glacier.DescribeJobOutput{StatusCode: tt.code}, nil)

			got, err := newTestVault(api).DescribeRetrieval(context.Background(), "retrieval-1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVault_RetrievalOutputAndDelete(t *testing.T) {
	t.Parallel()

	api := new(mockAPI)
	api.On("GetJobOutput", mock.Anything, mock.Anything).
		Return(&glacier.GetJobOutputOutput{Body: io.NopCloser(strings.NewReader("annotated"))}, nil)
	api.On("DeleteArchive", mock.Anything, mock.MatchedBy(func(in *glacier.DeleteArchiveInput) bool {
		return aws.ToString(in.ArchiveId) == "archive-1"
	})).Return(&glacier.DeleteArchiveOutput{}, nil)

	v := newTestVault(api)
	body, err := v.RetrievalOutput(context.Background(), "retrieval-1")
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "annotated", string(data))

	require.NoError(t, v.DeleteArchive(context.Background(), "archive-1"))
	api.AssertExpectations(t)
}

func TestVault_RateLimitHonorsContext(t *testing.T) {
	t.Parallel()

	api := new(mockAPI)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestVault(api).DeleteArchive(ctx, "archive-1")
	require.ErrorIs(t, err, context.Canceled)
	api.AssertNotCalled(t, "DeleteArchive", mock.Anything, mock.Anything)
}

func TestVault_ThrottlingSlowsLimiter(t *testing.T) {
	t.Parallel()

	api := new(mockAPI)
	throttled := &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}
	api.On("DeleteArchive", mock.Anything, mock.Anything).Return(nil, throttled).Once()
	api.On("DeleteArchive", mock.Anything, mock.Anything).Return(&glacier.DeleteArchiveOutput{}, nil).Once()

	v := newTestVault(api)

	err := v.DeleteArchive(context.Background(), "archive-1")
	require.Error(t, err)
	assert.InDelta(t, 50, v.limiter.Limit(), 1e-9)

	require.NoError(t, v.DeleteArchive(context.Background(), "archive-1"))
	assert.InDelta(t, 60, v.limiter.Limit(), 1e-9)
	api.AssertExpectations(t)
}
