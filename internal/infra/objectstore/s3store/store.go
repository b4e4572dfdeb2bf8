// Package s3store implements the annotation object store on Amazon S3.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/infra/storage"
)

var _ annotation.ObjectStore = (*Store)(nil)

// Store implements annotation.ObjectStore with the S3 transfer manager for
// file copies and a presign client for browser facing URLs.
type Store struct {
	client     *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
	presigner  *s3.PresignClient
	tracer     trace.Tracer
}

// NewStore creates an object store over client.
func NewStore(client *s3.Client, tracer trace.Tracer) *Store {
	return &Store{
		client:     client,
		downloader: manager.NewDownloader(client),
		uploader:   manager.NewUploader(client),
		presigner:  s3.NewPresignClient(client),
		tracer:     tracer,
	}
}

// Options for building an S3 client against a custom endpoint such as
// MinIO or LocalStack.
type Options struct {
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// NewClient builds an S3 client from an AWS config, honoring a custom endpoint.
func NewClient(cfg aws.Config, opts Options) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Region != "" {
			o.Region = opts.Region
		}
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			o.UsePathStyle = opts.UsePathStyle
		}
	})
}

func objectAttrs(bucket, key string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("s3.bucket", bucket),
		attribute.String("s3.key", key),
	}
}

// Download copies bucket/key into the file at path, creating parent directories.
func (s *Store) Download(ctx context.Context, bucket, key, path string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "s3.download", objectAttrs(bucket, key), func(ctx context.Context) error {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating download dir: %w", err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("creating download file: %w", err)
		}

		_, err = s.downloader.Download(ctx, f, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(path)
			return fmt.Errorf("downloading s3://%s/%s: %w", bucket, key, mapError(err))
		}
		return nil
	})
}

// Upload copies the file at path into bucket/key.
func (s *Store) Upload(ctx context.Context, bucket, key, path string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "s3.upload", objectAttrs(bucket, key), func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening upload file: %w", err)
		}
		defer f.Close()

		if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   f,
		}); err != nil {
			return fmt.Errorf("uploading s3://%s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

// Get opens bucket/key for reading. The caller closes the returned body.
func (s *Store) Get(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	var body io.ReadCloser
	err := storage.ExecuteAndTrace(ctx, s.tracer, "s3.get", objectAttrs(bucket, key), func(ctx context.Context) error {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("getting s3://%s/%s: %w", bucket, key, mapError(err))
		}
		body = out.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// Put stores body under bucket/key.
func (s *Store) Put(ctx context.Context, bucket, key string, body io.Reader) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "s3.put", objectAttrs(bucket, key), func(ctx context.Context) error {
		if _, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
			Body:   body,
		}); err != nil {
			return fmt.Errorf("putting s3://%s/%s: %w", bucket, key, err)
		}
		return nil
	})
}

// Delete removes bucket/key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	return storage.ExecuteAndTrace(ctx, s.tracer, "s3.delete", objectAttrs(bucket, key), func(ctx context.Context) error {
		if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("deleting s3://%s/%s: %w", bucket, key, mapError(err))
		}
		return nil
	})
}

// BucketCheck is a readiness probe for a single bucket.
type BucketCheck struct {
	store  *Store
	bucket string
}

// BucketCheck returns a probe that succeeds while bucket is reachable with
// the store's credentials.
func (s *Store) BucketCheck(bucket string) BucketCheck {
	return BucketCheck{store: s, bucket: bucket}
}

// Ping issues a HeadBucket request.
func (c BucketCheck) Ping(ctx context.Context) error {
	attrs := []attribute.KeyValue{attribute.String("s3.bucket", c.bucket)}
	return storage.ExecuteAndTrace(ctx, c.store.tracer, "s3.head_bucket", attrs, func(ctx context.Context) error {
		if _, err := c.store.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
			return fmt.Errorf("checking bucket %s: %w", c.bucket, err)
		}
		return nil
	})
}

// PresignGet returns a download URL for bucket/key valid for expires.
func (s *Store) PresignGet(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presigning get s3://%s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// filenameVar is replaced by S3 with the name of the file the browser uploads.
const filenameVar = "${filename}"

// PresignPost returns a browser upload form. The redirect, encryption and ACL
// fields are pinned by policy conditions so the browser cannot change them.
// A key ending in ${filename} is constrained by prefix, since S3 checks the
// policy against the key after substitution.
func (s *Store) PresignPost(ctx context.Context, policy annotation.PostPolicy) (*annotation.PresignedPost, error) {
	fields := make(map[string]string, 3)
	var conditions []any
	pin := func(name, value string) {
		if value == "" {
			return
		}
		fields[name] = value
		conditions = append(conditions, map[string]string{name: value})
	}
	pin("success_action_redirect", policy.RedirectURL)
	pin("x-amz-server-side-encryption", policy.Encryption)
	pin("acl", policy.ACL)
	if prefix, ok := strings.CutSuffix(policy.KeyTemplate, filenameVar); ok {
		conditions = append(conditions, []any{"starts-with", "$key", prefix})
	}

	req, err := s.presigner.PresignPostObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(policy.Bucket),
		Key:    aws.String(policy.KeyTemplate),
	}, func(o *s3.PresignPostOptions) {
		o.Expires = policy.Expires
		o.Conditions = conditions
	})
	if err != nil {
		return nil, fmt.Errorf("presigning post to %s: %w", policy.Bucket, err)
	}

	for k, v := range req.Values {
		fields[k] = v
	}
	return &annotation.PresignedPost{URL: req.URL, Fields: fields}, nil
}

// mapError translates missing key responses into annotation.ErrObjectNotFound.
func mapError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %w", annotation.ErrObjectNotFound, err)
		}
	}
	return err
}
