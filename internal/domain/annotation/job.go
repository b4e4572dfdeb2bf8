package annotation

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrJobNotFound is returned when a job does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status change violates the job lifecycle.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrStatusConflict is returned by a conditional status update when the stored
	// status is not the expected one, e.g. another annotator claimed the job first.
	ErrStatusConflict = errors.New("job status conflict")

	// ErrNotOwner is returned when a user accesses a job owned by someone else.
	ErrNotOwner = errors.New("job belongs to another user")

	// ErrMalformedKey is returned when an object key does not follow the input layout.
	ErrMalformedKey = errors.New("malformed object key")

	// ErrNotCompleted is returned when results are requested for an unfinished job.
	ErrNotCompleted = errors.New("job has not completed")
)

// Input identifies the uploaded file a job annotates.
type Input struct {
	FileName string
	Bucket   string
	Key      string
}

// Results identifies where the annotator stored a job's output.
type Results struct {
	Bucket    string
	ResultKey string
	LogKey    string
}

// Job is a single annotation request and its lifecycle.
type Job struct {
	jobID     uuid.UUID
	userID    string
	userRole  UserRole
	userEmail string
	input     Input

	status         JobStatus
	submitTime     time.Time
	completionTime time.Time

	results      Results
	archiveID    string
	restoreJobID string
}

// NewJob creates a PENDING job for the given owner and input.
func NewJob(jobID uuid.UUID, owner Profile, input Input, submitted time.Time) *Job {
	return &Job{
		jobID:      jobID,
		userID:     owner.UserID,
		userRole:   owner.Role,
		userEmail:  owner.Email,
		input:      input,
		status:     JobStatusPending,
		submitTime: submitted.UTC(),
	}
}

// JobState carries the stored fields of a job; repositories use it to
// reconstruct a Job without going through creation invariants.
type JobState struct {
	JobID          uuid.UUID
	UserID         string
	UserRole       UserRole
	UserEmail      string
	Input          Input
	Status         JobStatus
	SubmitTime     time.Time
	CompletionTime time.Time
	Results        Results
	ArchiveID      string
	RestoreJobID   string
}

// ReconstructJob creates a Job from stored fields, bypassing creation invariants.
// This should only be used by repositories when loading from the DB.
func ReconstructJob(s JobState) *Job {
	return &Job{
		jobID:          s.JobID,
		userID:         s.UserID,
		userRole:       s.UserRole,
		userEmail:      s.UserEmail,
		input:          s.Input,
		status:         s.Status,
		submitTime:     s.SubmitTime,
		completionTime: s.CompletionTime,
		results:        s.Results,
		archiveID:      s.ArchiveID,
		restoreJobID:   s.RestoreJobID,
	}
}

func (j *Job) JobID() uuid.UUID           { return j.jobID }
func (j *Job) UserID() string             { return j.userID }
func (j *Job) UserRole() UserRole         { return j.userRole }
func (j *Job) UserEmail() string          { return j.userEmail }
func (j *Job) Input() Input               { return j.input }
func (j *Job) Status() JobStatus          { return j.status }
func (j *Job) SubmitTime() time.Time      { return j.submitTime }
func (j *Job) Results() Results           { return j.results }
func (j *Job) ArchiveID() string          { return j.archiveID }
func (j *Job) RestoreJobID() string       { return j.restoreJobID }
func (j *Job) IsArchived() bool           { return j.archiveID != "" }
func (j *Job) IsRestoring() bool          { return j.restoreJobID != "" }
func (j *Job) OwnedBy(userID string) bool { return j.userID == userID }

// CompletionTime returns when the job reached a terminal state.
// The boolean is false while the job is still in flight.
func (j *Job) CompletionTime() (time.Time, bool) {
	if !j.status.IsTerminal() || j.completionTime.IsZero() {
		return time.Time{}, false
	}
	return j.completionTime, true
}

// State returns a copy of the job's stored fields.
func (j *Job) State() JobState {
	return JobState{
		JobID:          j.jobID,
		UserID:         j.userID,
		UserRole:       j.userRole,
		UserEmail:      j.userEmail,
		Input:          j.input,
		Status:         j.status,
		SubmitTime:     j.submitTime,
		CompletionTime: j.completionTime,
		Results:        j.results,
		ArchiveID:      j.archiveID,
		RestoreJobID:   j.restoreJobID,
	}
}

// UpdateStatus changes the job's status after validating the transition.
func (j *Job) UpdateStatus(newStatus JobStatus) error {
	if err := j.status.ValidateTransition(newStatus); err != nil {
		return err
	}
	j.status = newStatus
	return nil
}

// Complete records the uploaded results and moves the job to COMPLETED.
func (j *Job) Complete(results Results, at time.Time) error {
	if err := j.UpdateStatus(JobStatusCompleted); err != nil {
		return fmt.Errorf("completing job %s: %w", j.jobID, err)
	}
	j.results = results
	j.completionTime = at.UTC()
	return nil
}

// Fail moves the job to FAILED.
func (j *Job) Fail(at time.Time) error {
	if err := j.UpdateStatus(JobStatusFailed); err != nil {
		return fmt.Errorf("failing job %s: %w", j.jobID, err)
	}
	j.completionTime = at.UTC()
	return nil
}

// ArchiveDueAt returns when a completed job's result leaves the free access
// window and becomes eligible for archival.
func (j *Job) ArchiveDueAt(window time.Duration) (time.Time, bool) {
	completed, ok := j.CompletionTime()
	if !ok || j.status != JobStatusCompleted {
		return time.Time{}, false
	}
	return completed.Add(window), true
}
