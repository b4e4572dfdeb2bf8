package annotation

import (
	"time"

	"github.com/google/uuid"

	"github.com/ahrav/gas/internal/domain/events"
)

// Event types emitted by the annotation pipeline.
const (
	EventTypeJobRequested     events.EventType = "JobRequested"
	EventTypeJobCompleted     events.EventType = "JobCompleted"
	EventTypeArchiveRequested events.EventType = "ArchiveRequested"
	EventTypeRestoreRequested events.EventType = "RestoreRequested"
	EventTypeThawRequested    events.EventType = "ThawRequested"
)

// JobRequestedEvent asks an annotator to process a newly submitted job.
type JobRequestedEvent struct {
	JobID          uuid.UUID `json:"job_id"`
	UserID         string    `json:"user_id"`
	UserRole       UserRole  `json:"user_role"`
	Email          string    `json:"email"`
	InputFileName  string    `json:"input_file_name"`
	InputsBucket   string    `json:"s3_inputs_bucket"`
	InputKey       string    `json:"s3_key_input_file"`
	SubmitTime     int64     `json:"submit_time"`
	occurredAtTime time.Time
}

// NewJobRequestedEvent builds the request event for a freshly created job.
func NewJobRequestedEvent(job *Job) JobRequestedEvent {
	in := job.Input()
	return JobRequestedEvent{
		JobID:          job.JobID(),
		UserID:         job.UserID(),
		UserRole:       job.UserRole(),
		Email:          job.UserEmail(),
		InputFileName:  in.FileName,
		InputsBucket:   in.Bucket,
		InputKey:       in.Key,
		SubmitTime:     job.SubmitTime().Unix(),
		occurredAtTime: time.Now(),
	}
}

func (e JobRequestedEvent) EventType() events.EventType { return EventTypeJobRequested }
func (e JobRequestedEvent) OccurredAt() time.Time       { return e.occurredAtTime }

// JobCompletedEvent announces that a job's results are available.
type JobCompletedEvent struct {
	JobID          uuid.UUID `json:"job_id"`
	UserID         string    `json:"user_id"`
	Email          string    `json:"email"`
	ResultKey      string    `json:"s3_key"`
	CompletionTime int64     `json:"completion_time"`
	occurredAtTime time.Time
}

// NewJobCompletedEvent builds the completion event for job.
func NewJobCompletedEvent(job *Job) JobCompletedEvent {
	completed, _ := job.CompletionTime()
	return JobCompletedEvent{
		JobID:          job.JobID(),
		UserID:         job.UserID(),
		Email:          job.UserEmail(),
		ResultKey:      job.Results().ResultKey,
		CompletionTime: completed.Unix(),
		occurredAtTime: time.Now(),
	}
}

func (e JobCompletedEvent) EventType() events.EventType { return EventTypeJobCompleted }
func (e JobCompletedEvent) OccurredAt() time.Time       { return e.occurredAtTime }

// ArchiveRequestedEvent asks the archiver to move a free user's result to cold storage
// once the free access window has passed.
type ArchiveRequestedEvent struct {
	JobID          uuid.UUID `json:"job_id"`
	UserID         string    `json:"user_id"`
	ResultKey      string    `json:"s3_key"`
	CompletionTime int64     `json:"completion_time"`
	occurredAtTime time.Time
}

// NewArchiveRequestedEvent builds the archive request for a completed job.
func NewArchiveRequestedEvent(job *Job) ArchiveRequestedEvent {
	completed, _ := job.CompletionTime()
	return ArchiveRequestedEvent{
		JobID:          job.JobID(),
		UserID:         job.UserID(),
		ResultKey:      job.Results().ResultKey,
		CompletionTime: completed.Unix(),
		occurredAtTime: time.Now(),
	}
}

func (e ArchiveRequestedEvent) EventType() events.EventType { return EventTypeArchiveRequested }
func (e ArchiveRequestedEvent) OccurredAt() time.Time       { return e.occurredAtTime }

// CompletedAt returns the completion time carried in the event.
func (e ArchiveRequestedEvent) CompletedAt() time.Time { return time.Unix(e.CompletionTime, 0).UTC() }

// RestoreRequestedEvent asks the restorer to bring one archived result back.
type RestoreRequestedEvent struct {
	JobID          uuid.UUID `json:"job_id"`
	UserID         string    `json:"user_id"`
	FileName       string    `json:"file_name"`
	occurredAtTime time.Time
}

// NewRestoreRequestedEvent builds the restore request for an archived job.
func NewRestoreRequestedEvent(job *Job) RestoreRequestedEvent {
	return RestoreRequestedEvent{
		JobID:          job.JobID(),
		UserID:         job.UserID(),
		FileName:       job.Input().FileName,
		occurredAtTime: time.Now(),
	}
}

func (e RestoreRequestedEvent) EventType() events.EventType { return EventTypeRestoreRequested }
func (e RestoreRequestedEvent) OccurredAt() time.Time       { return e.occurredAtTime }

// ThawRequestedEvent tells the thawer a vault retrieval was started for a job.
type ThawRequestedEvent struct {
	JobID          uuid.UUID `json:"job_id"`
	UserID         string    `json:"user_id"`
	ArchiveID      string    `json:"archive_id"`
	RetrievalJobID string    `json:"retrieval_job_id"`
	FileName       string    `json:"file_name"`
	occurredAtTime time.Time
}

// NewThawRequestedEvent builds the thaw request for a started retrieval.
func NewThawRequestedEvent(job *Job, retrievalJobID string) ThawRequestedEvent {
	return ThawRequestedEvent{
		JobID:          job.JobID(),
		UserID:         job.UserID(),
		ArchiveID:      job.ArchiveID(),
		RetrievalJobID: retrievalJobID,
		FileName:       job.Input().FileName,
		occurredAtTime: time.Now(),
	}
}

func (e ThawRequestedEvent) EventType() events.EventType { return EventTypeThawRequested }
func (e ThawRequestedEvent) OccurredAt() time.Time       { return e.occurredAtTime }
