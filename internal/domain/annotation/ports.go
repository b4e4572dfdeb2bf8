package annotation

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
)

// JobRepository persists annotation jobs.
type JobRepository interface {
	// CreateJob stores a new job.
	CreateJob(ctx context.Context, job *Job) error
	// GetJob loads a job, returning ErrJobNotFound if it does not exist.
	GetJob(ctx context.Context, jobID uuid.UUID) (*Job, error)
	// ListJobsByUser returns a user's jobs, newest first.
	ListJobsByUser(ctx context.Context, userID string) ([]*Job, error)
	// TransitionStatus atomically moves a job from one status to another. It
	// returns ErrStatusConflict if the stored status is not from, and
	// ErrJobNotFound if the job does not exist.
	TransitionStatus(ctx context.Context, jobID uuid.UUID, from, to JobStatus) error
	// CompleteJob stores the results of a RUNNING job and marks it COMPLETED.
	CompleteJob(ctx context.Context, job *Job) error
	// FailJob marks a non-terminal job FAILED.
	FailJob(ctx context.Context, job *Job) error
	// SetArchiveID records the vault archive holding a job's result.
	SetArchiveID(ctx context.Context, jobID uuid.UUID, archiveID string) error
	// SetRestoreJobID records a pending vault retrieval for a job. It returns
	// ErrStatusConflict when a retrieval is already recorded.
	SetRestoreJobID(ctx context.Context, jobID uuid.UUID, retrievalJobID string) error
	// ClearRestore forgets a pending retrieval without touching the archive id.
	ClearRestore(ctx context.Context, jobID uuid.UUID) error
	// ClearArchive forgets both archive id and retrieval after a successful restore.
	ClearArchive(ctx context.Context, jobID uuid.UUID) error
	// ListArchivedJobs returns the user's jobs whose results are in the vault.
	ListArchivedJobs(ctx context.Context, userID string) ([]*Job, error)
}

// ProfileRepository persists user profiles.
type ProfileRepository interface {
	// GetProfile returns ErrProfileNotFound if the user has never signed in.
	GetProfile(ctx context.Context, userID string) (*Profile, error)
	// EnsureProfile creates a free profile on first sight and returns the stored one.
	EnsureProfile(ctx context.Context, userID, email string) (*Profile, error)
	// UpdateRole changes a user's role.
	UpdateRole(ctx context.Context, userID string, role UserRole) error
}

// PresignedPost describes a browser form upload authorised by the object store.
type PresignedPost struct {
	URL    string            `json:"url"`
	Fields map[string]string `json:"fields"`
}

// PostPolicy constrains a presigned browser upload.
type PostPolicy struct {
	Bucket      string
	KeyTemplate string
	RedirectURL string
	Encryption  string
	ACL         string
	Expires     time.Duration
}

// ObjectStore is the hot object storage holding inputs and results.
type ObjectStore interface {
	// Download copies an object into a local file.
	Download(ctx context.Context, bucket, key, path string) error
	// Upload copies a local file into an object.
	Upload(ctx context.Context, bucket, key, path string) error
	// Get opens an object for reading.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	// Put stores body under key.
	Put(ctx context.Context, bucket, key string, body io.Reader) error
	// Delete removes an object.
	Delete(ctx context.Context, bucket, key string) error
	// PresignGet returns a time limited download URL.
	PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error)
	// PresignPost returns a browser upload form for policy.
	PresignPost(ctx context.Context, policy PostPolicy) (*PresignedPost, error)
}

// ErrObjectNotFound is returned by an ObjectStore when the key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// RetrievalTier selects how quickly the vault serves a retrieval.
type RetrievalTier string

const (
	TierExpedited RetrievalTier = "Expedited"
	TierStandard  RetrievalTier = "Standard"
	TierBulk      RetrievalTier = "Bulk"
)

// RetrievalStatus is the state of a vault retrieval job.
type RetrievalStatus string

const (
	RetrievalInProgress RetrievalStatus = "InProgress"
	RetrievalSucceeded  RetrievalStatus = "Succeeded"
	RetrievalFailed     RetrievalStatus = "Failed"
)

// ErrInsufficientCapacity is returned when the vault cannot serve a tier right now.
var ErrInsufficientCapacity = errors.New("insufficient retrieval capacity")

// ColdStorage is the archive vault for results of free users.
type ColdStorage interface {
	// UploadArchive stores body and returns the archive id.
	UploadArchive(ctx context.Context, description string, body io.ReadSeeker) (string, error)
	// InitiateRetrieval starts a retrieval job for archiveID and returns its id.
	InitiateRetrieval(ctx context.Context, archiveID string, tier RetrievalTier) (string, error)
	// DescribeRetrieval reports the state of a retrieval job.
	DescribeRetrieval(ctx context.Context, retrievalJobID string) (RetrievalStatus, error)
	// RetrievalOutput opens the bytes of a succeeded retrieval job.
	RetrievalOutput(ctx context.Context, retrievalJobID string) (io.ReadCloser, error)
	// DeleteArchive removes an archive from the vault.
	DeleteArchive(ctx context.Context, archiveID string) error
}

// ToolOutput names the files produced by one annotation run.
type ToolOutput struct {
	ResultPath string
	LogPath    string
	Duration   time.Duration
}

// Tool runs the external annotation program on a local input file.
type Tool interface {
	Run(ctx context.Context, inputPath string) (*ToolOutput, error)
}
