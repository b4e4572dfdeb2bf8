// Package glacier implements annotation.ColdStorage on an Amazon S3 Glacier vault.
package glacier

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glacier"
	"github.com/aws/aws-sdk-go-v2/service/glacier/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/infra/storage"
	"github.com/ahrav/gas/pkg/common"
)

// ownAccount tells Glacier to use the account of the signing credentials.
const ownAccount = "-"

const archiveRetrievalJob = "archive-retrieval"

var _ annotation.ColdStorage = (*Vault)(nil)

// API is the subset of the Glacier client the vault uses.
type API interface {
	UploadArchive(ctx context.Context, in *glacier.UploadArchiveInput, optFns ...func(*glacier.Options)) (*glacier.UploadArchiveOutput, error)
	InitiateJob(ctx context.Context, in *glacier.InitiateJobInput, optFns ...func(*glacier.Options)) (*glacier.InitiateJobOutput, error)
	DescribeJob(ctx context.Context, in *glacier.DescribeJobInput, optFns ...func(*glacier.Options)) (*glacier.DescribeJobOutput, error)
	GetJobOutput(ctx context.Context, in *glacier.GetJobOutputInput, optFns ...func(*glacier.Options)) (*glacier.GetJobOutputOutput, error)
	DeleteArchive(ctx context.Context, in *glacier.DeleteArchiveInput, optFns ...func(*glacier.Options)) (*glacier.DeleteArchiveOutput, error)
}

var _ API = (*glacier.Client)(nil)

// Vault stores archives in a single Glacier vault. Every request waits on a
// shared adaptive rate limiter; Glacier throttles control plane calls per account.
type Vault struct {
	api     API
	name    string
	limiter *common.RateLimiter
	tracer  trace.Tracer
}

// NewVault creates a cold store for vaultName issuing at most rps requests per second.
func NewVault(api API, vaultName string, rps float64, burst int, tracer trace.Tracer) *Vault {
	return &Vault{
		api:     api,
		name:    vaultName,
		limiter: common.NewRateLimiter(rps, burst),
		tracer:  tracer,
	}
}

// do waits for a rate limit token and runs op inside a client span. Throttling
// responses slow the limiter down; successful calls let it recover.
func (v *Vault) do(ctx context.Context, span string, attrs []attribute.KeyValue, op func(ctx context.Context) error) error {
	attrs = append(attrs, attribute.String("glacier.vault", v.name))
	return storage.ExecuteAndTrace(ctx, v.tracer, span, attrs, func(ctx context.Context) error {
		if err := v.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for vault rate limit: %w", err)
		}

		err := op(ctx)
		switch {
		case err == nil:
			v.limiter.Recover()
		case isThrottled(err):
			v.limiter.Throttle()
			trace.SpanFromContext(ctx).SetAttributes(attribute.Float64("glacier.rate_limit", v.limiter.Limit()))
		}
		return err
	})
}

func isThrottled(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "LimitExceededException", "RequestLimitExceeded":
		return true
	}
	return false
}

// UploadArchive stores body as a new archive and returns its id. Glacier
// requires a tree hash of the body, which the client computes from the seeker.
func (v *Vault) UploadArchive(ctx context.Context, description string, body io.ReadSeeker) (string, error) {
	var archiveID string
	err := v.do(ctx, "glacier.upload_archive", nil, func(ctx context.Context) error {
		out, err := v.api.UploadArchive(ctx, &glacier.UploadArchiveInput{
			AccountId:          aws.String(ownAccount),
			VaultName:          aws.String(v.name),
			ArchiveDescription: aws.String(description),
			Body:               body,
		})
		if err != nil {
			return fmt.Errorf("uploading archive: %w", err)
		}
		archiveID = aws.ToString(out.ArchiveId)
		if archiveID == "" {
			return errors.New("uploading archive: empty archive id")
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return archiveID, nil
}

// InitiateRetrieval starts an archive retrieval job at tier. It returns
// annotation.ErrInsufficientCapacity when Glacier cannot serve the tier now.
func (v *Vault) InitiateRetrieval(ctx context.Context, archiveID string, tier annotation.RetrievalTier) (string, error) {
	attrs := []attribute.KeyValue{
		attribute.String("glacier.archive_id", archiveID),
		attribute.String("glacier.tier", string(tier)),
	}

	var jobID string
	err := v.do(ctx, "glacier.initiate_retrieval", attrs, func(ctx context.Context) error {
		out, err := v.api.InitiateJob(ctx, &glacier.InitiateJobInput{
			AccountId: aws.String(ownAccount),
			VaultName: aws.String(v.name),
			JobParameters: &types.JobParameters{
				Type:      aws.String(archiveRetrievalJob),
				ArchiveId: aws.String(archiveID),
				Tier:      aws.String(string(tier)),
			},
		})
		if err != nil {
			var capErr *types.InsufficientCapacityException
			if errors.As(err, &capErr) {
				return fmt.Errorf("%w: %s tier: %w", annotation.ErrInsufficientCapacity, tier, err)
			}
			return fmt.Errorf("initiating %s retrieval: %w", tier, err)
		}
		jobID = aws.ToString(out.JobId)
		return nil
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// DescribeRetrieval reports the status of a retrieval job.
func (v *Vault) DescribeRetrieval(ctx context.Context, retrievalJobID string) (annotation.RetrievalStatus, error) {
	attrs := []attribute.KeyValue{attribute.String("glacier.job_id", retrievalJobID)}

	var status annotation.RetrievalStatus
	err := v.do(ctx, "glacier.describe_retrieval", attrs, func(ctx context.Context) error {
		out, err := v.api.DescribeJob(ctx, &glacier.DescribeJobInput{
			AccountId: aws.String(ownAccount),
			VaultName: aws.String(v.name),
			JobId:     aws.String(retrievalJobID),
		})
		if err != nil {
			return fmt.Errorf("describing retrieval %s: %w", retrievalJobID, err)
		}
		switch out.StatusCode {
		case types.StatusCodeSucceeded:
			status = annotation.RetrievalSucceeded
		case types.StatusCodeFailed:
			status = annotation.RetrievalFailed
		default:
			status = annotation.RetrievalInProgress
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return status, nil
}

// RetrievalOutput opens the bytes of a succeeded retrieval job.
func (v *Vault) RetrievalOutput(ctx context.Context, retrievalJobID string) (io.ReadCloser, error) {
	attrs := []attribute.KeyValue{attribute.String("glacier.job_id", retrievalJobID)}

	var body io.ReadCloser
	err := v.do(ctx, "glacier.retrieval_output", attrs, func(ctx context.Context) error {
		out, err := v.api.GetJobOutput(ctx, &glacier.GetJobOutputInput{
			AccountId: aws.String(ownAccount),
			VaultName: aws.String(v.name),
			JobId:     aws.String(retrievalJobID),
		})
		if err != nil {
			return fmt.Errorf("reading retrieval %s output: %w", retrievalJobID, err)
		}
		body = out.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// DeleteArchive removes an archive from the vault.
func (v *Vault) DeleteArchive(ctx context.Context, archiveID string) error {
	attrs := []attribute.KeyValue{attribute.String("glacier.archive_id", archiveID)}
	return v.do(ctx, "glacier.delete_archive", attrs, func(ctx context.Context) error {
		if _, err := v.api.DeleteArchive(ctx, &glacier.DeleteArchiveInput{
			AccountId: aws.String(ownAccount),
			VaultName: aws.String(v.name),
			ArchiveId: aws.String(archiveID),
		}); err != nil {
			return fmt.Errorf("deleting archive %s: %w", archiveID, err)
		}
		return nil
	})
}
