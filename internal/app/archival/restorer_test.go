package archival

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/domain/events"
	"github.com/ahrav/gas/internal/infra/storage"
	"github.com/ahrav/gas/pkg/common/logger"
)

type restorerSuite struct {
	jobs      *mockJobRepository
	vault     *mockColdStorage
	publisher *mockDomainEventPublisher
	restorer  *Restorer
}

func newRestorerSuite() *restorerSuite {
	s := &restorerSuite{
		jobs:      new(mockJobRepository),
		vault:     new(mockColdStorage),
		publisher: new(mockDomainEventPublisher),
	}
	s.restorer = NewRestorer(s.jobs, s.vault, s.publisher, logger.Noop(), noopMetrics(), storage.NoOpTracer())
	return s
}

func restoreRequest(job *annotation.Job) events.EventEnvelope {
	return events.EventEnvelope{
		Type:    annotation.EventTypeRestoreRequested,
		Payload: annotation.NewRestoreRequestedEvent(job),
	}
}

func TestRestorer_TierSelection(t *testing.T) {
	t.Parallel()

	capacity := fmt.Errorf("%w: Expedited tier", annotation.ErrInsufficientCapacity)

	tests := []struct {
		name          string
		expeditedErr  error
		wantTier      annotation.RetrievalTier
		wantStandard  bool
		wantRetrieval string
	}{
		{name: "expedited available", wantTier: annotation.TierExpedited, wantRetrieval: "fast-1"},
		{
			name:          "falls back on insufficient capacity",
			expeditedErr:  capacity,
			wantTier:      annotation.TierStandard,
			wantStandard:  true,
			wantRetrieval: "slow-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newRestorerSuite()
			job := archivedJob("archive-1", "", testNow)

			s.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
			if tt.expeditedErr != nil {
				s.vault.On("InitiateRetrieval", mock.Anything, "archive-1", annotation.TierExpedited).Return("", tt.expeditedErr)
			} else {
				s.vault.On("InitiateRetrieval", mock.Anything, "archive-1", annotation.TierExpedited).Return("fast-1", nil)
			}
			if tt.wantStandard {
				s.vault.On("InitiateRetrieval", mock.Anything, "archive-1", annotation.TierStandard).Return("slow-1", nil)
			}
			s.jobs.On("SetRestoreJobID", mock.Anything, job.JobID(), tt.wantRetrieval).Return(nil)
			s.publisher.On("PublishDomainEvent", mock.Anything, mock.MatchedBy(func(e annotation.ThawRequestedEvent) bool {
				return e.JobID == job.JobID() && e.ArchiveID == "archive-1" && e.RetrievalJobID == tt.wantRetrieval
			}), mock.Anything).Return(nil)

			ack := new(recordingAck)
			require.NoError(t, s.restorer.HandleEvent(context.Background(), restoreRequest(job), ack.ack))
			assert.Equal(t, 1, ack.calls)

			s.vault.AssertExpectations(t)
			s.jobs.AssertExpectations(t)
			s.publisher.AssertExpectations(t)
			if !tt.wantStandard {
				s.vault.AssertNotCalled(t, "InitiateRetrieval", mock.Anything, mock.Anything, annotation.TierStandard)
			}
		})
	}
}

func TestRestorer_OtherVaultErrorsDoNotFallBack(t *testing.T) {
	t.Parallel()
	s := newRestorerSuite()
	job := archivedJob("archive-1", "", testNow)

	s.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
	s.vault.On("InitiateRetrieval", mock.Anything, "archive-1", annotation.TierExpedited).
		Return("", errors.New("access denied"))

	ack := new(recordingAck)
	require.Error(t, s.restorer.HandleEvent(context.Background(), restoreRequest(job), ack.ack))
	assert.Zero(t, ack.calls)
	s.vault.AssertNotCalled(t, "InitiateRetrieval", mock.Anything, mock.Anything, annotation.TierStandard)
}

func TestRestorer_Skips(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		job  *annotation.Job
	}{
		{name: "not archived", job: archivedJob("", "", testNow)},
		{name: "already restoring", job: archivedJob("archive-1", "retrieval-1", testNow)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := newRestorerSuite()
			s.jobs.On("GetJob", mock.Anything, tt.job.JobID()).Return(tt.job, nil)

			ack := new(recordingAck)
			require.NoError(t, s.restorer.HandleEvent(context.Background(), restoreRequest(tt.job), ack.ack))
			assert.Equal(t, 1, ack.calls)
			s.vault.AssertNotCalled(t, "InitiateRetrieval", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRestorer_PublishFailureClearsRetrieval(t *testing.T) {
	t.Parallel()
	s := newRestorerSuite()
	job := archivedJob("archive-1", "", testNow)

	s.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
	s.vault.On("InitiateRetrieval", mock.Anything, "archive-1", annotation.TierExpedited).Return("fast-1", nil)
	s.jobs.On("SetRestoreJobID", mock.Anything, job.JobID(), "fast-1").Return(nil)
	s.publisher.On("PublishDomainEvent", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("broker down"))
	s.jobs.On("ClearRestore", mock.Anything, job.JobID()).Return(nil)

	ack := new(recordingAck)
	require.Error(t, s.restorer.HandleEvent(context.Background(), restoreRequest(job), ack.ack))
	assert.Zero(t, ack.calls)
	s.jobs.AssertExpectations(t)
}

func TestRestorer_LosingRecordSkips(t *testing.T) {
	t.Parallel()
	s := newRestorerSuite()
	job := archivedJob("archive-1", "", testNow)

	// Another consumer recorded its retrieval between our read and our write.
	s.jobs.On("GetJob", mock.Anything, job.JobID()).Return(job, nil)
	s.vault.On("InitiateRetrieval", mock.Anything, "archive-1", annotation.TierExpedited).Return("fast-2", nil)
	s.jobs.On("SetRestoreJobID", mock.Anything, job.JobID(), "fast-2").Return(annotation.ErrStatusConflict)

	ack := new(recordingAck)
	require.NoError(t, s.restorer.HandleEvent(context.Background(), restoreRequest(job), ack.ack))
	assert.Equal(t, 1, ack.calls)
	s.publisher.AssertNotCalled(t, "PublishDomainEvent", mock.Anything, mock.Anything, mock.Anything)
	s.jobs.AssertNotCalled(t, "ClearRestore", mock.Anything, mock.Anything)
}
