package annotation

import (
	"fmt"
)

// JobStatus represents the current state of an annotation job.
type JobStatus string

const (
	// JobStatusPending indicates a job has been submitted but no annotator has claimed it.
	JobStatusPending JobStatus = "PENDING"

	// JobStatusRunning indicates an annotator has claimed the job and is running the tool.
	JobStatusRunning JobStatus = "RUNNING"

	// JobStatusCompleted indicates results and log were uploaded.
	JobStatusCompleted JobStatus = "COMPLETED"

	// JobStatusFailed indicates the job could not be annotated.
	JobStatusFailed JobStatus = "FAILED"
)

func (s JobStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ParseJobStatus converts a string to a JobStatus.
func ParseJobStatus(s string) JobStatus {
	switch s {
	case "PENDING":
		return JobStatusPending
	case "RUNNING":
		return JobStatusRunning
	case "COMPLETED":
		return JobStatusCompleted
	case "FAILED":
		return JobStatusFailed
	default:
		return "" // represents unspecified
	}
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s JobStatus) ValidateTransition(target JobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

// isValidTransition enforces the job lifecycle rules to prevent invalid state changes.
func (s JobStatus) isValidTransition(target JobStatus) bool {
	switch s {
	case JobStatusPending:
		return target == JobStatusRunning || target == JobStatusFailed
	case JobStatusRunning:
		return target == JobStatusCompleted || target == JobStatusFailed
	case JobStatusCompleted, JobStatusFailed:
		// Terminal states - no further transitions allowed.
		return false
	default:
		return false
	}
}
