package s3store

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/gas/internal/domain/annotation"
	"github.com/ahrav/gas/internal/infra/storage"
)

const noSuchKeyBody = `<?xml version="1.0" encoding="UTF-8"?>
<Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`

// fakeS3 serves a single bucket "inputs" holding present.vcf and records deletes.
type fakeS3 struct {
	mu      sync.Mutex
	deleted []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodHead:
		if r.URL.Path != "/inputs" {
			w.WriteHeader(http.StatusNotFound)
		}
	case http.MethodGet:
		if r.URL.Path != "/inputs/present.vcf" {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, noSuchKeyBody)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "##fileformat=VCFv4.1\n")
	case http.MethodDelete:
		f.mu.Lock()
		f.deleted = append(f.deleted, r.URL.Path)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T) (*Store, *fakeS3, string) {
	t.Helper()

	fake := new(fakeS3)
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:           "us-east-1",
		BaseEndpoint:     aws.String(srv.URL),
		UsePathStyle:     true,
		Credentials:      credentials.NewStaticCredentialsProvider("AKIDEXAMPLE", "secret", ""),
		RetryMaxAttempts: 1,
	})
	return NewStore(client, storage.NoOpTracer()), fake, srv.URL
}

func TestStore_Get(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	body, err := store.Get(ctx, "inputs", "present.vcf")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "##fileformat=VCFv4.1\n", string(data))

	_, err = store.Get(ctx, "inputs", "absent.vcf")
	require.ErrorIs(t, err, annotation.ErrObjectNotFound)
}

func TestStore_Delete(t *testing.T) {
	t.Parallel()
	store, fake, _ := newTestStore(t)

	require.NoError(t, store.Delete(context.Background(), "results", "gas/u/j/a.annot.vcf"))

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, []string{"/results/gas/u/j/a.annot.vcf"}, fake.deleted)
}

func TestStore_PresignGet(t *testing.T) {
	t.Parallel()
	store, _, base := newTestStore(t)

	url, err := store.PresignGet(context.Background(), "results", "gas/u/j/a.annot.vcf", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, base+"/results/gas/u/j/a.annot.vcf?"), url)
	assert.Contains(t, url, "X-Amz-Signature=")
	assert.Contains(t, url, "X-Amz-Expires=60")
}

func TestStore_PresignPost(t *testing.T) {
	t.Parallel()
	store, _, base := newTestStore(t)

	post, err := store.PresignPost(context.Background(), annotation.PostPolicy{
		Bucket:      "inputs",
		KeyTemplate: "gas/user-1/abc~${filename}",
		RedirectURL: "https://gas.example.com/v1/annotate/job",
		Encryption:  "AES256",
		ACL:         "private",
		Expires:     time.Hour,
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(post.URL, base), post.URL)
	assert.Equal(t, "https://gas.example.com/v1/annotate/job", post.Fields["success_action_redirect"])
	assert.Equal(t, "AES256", post.Fields["x-amz-server-side-encryption"])
	assert.Equal(t, "private", post.Fields["acl"])

	encoded, ok := post.Fields["policy"]
	require.True(t, ok, "policy field present")
	doc, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "success_action_redirect")
	assert.Contains(t, string(doc), "x-amz-server-side-encryption")

	var parsed struct {
		Conditions []json.RawMessage `json:"conditions"`
	}
	require.NoError(t, json.Unmarshal(doc, &parsed))

	var prefixed, exactKey bool
	for _, raw := range parsed.Conditions {
		var arr []string
		if json.Unmarshal(raw, &arr) == nil && len(arr) == 3 &&
			arr[0] == "starts-with" && arr[1] == "$key" && arr[2] == "gas/user-1/abc~" {
			prefixed = true
		}
		var obj map[string]string
		if json.Unmarshal(raw, &obj) == nil {
			if _, ok := obj["key"]; ok {
				exactKey = true
			}
		}
	}
	assert.True(t, prefixed, "key constrained by prefix: %s", doc)
	assert.False(t, exactKey, "no exact key condition for a ${filename} key: %s", doc)
}

func TestMapError_PassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	err := mapError(io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, annotation.ErrObjectNotFound)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStore_BucketCheck(t *testing.T) {
	t.Parallel()
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.BucketCheck("inputs").Ping(ctx))
	assert.Error(t, store.BucketCheck("missing").Ping(ctx))
}
