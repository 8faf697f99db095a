package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/yungbote/scholarcast-backend/internal/platform/logger"
)

const (
	putTimeout = 2 * time.Minute
	getTimeout = 1 * time.Minute
)

// GCSStore keeps blobs as flat objects under a prefix in one bucket, named by
// their content digest. Writes of an existing digest are skipped, which is
// what makes the store append-only and idempotent under stage retries.
type GCSStore struct {
	log    *logger.Logger
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore reads VIDEO_GCS_BUCKET_NAME (required) and VIDEO_GCS_PREFIX
// (default "artifacts"). With STORAGE_EMULATOR_HOST set it talks to the
// emulator without credentials.
func NewGCSStore(ctx context.Context, log *logger.Logger) (*GCSStore, error) {
	bucket := strings.TrimSpace(os.Getenv("VIDEO_GCS_BUCKET_NAME"))
	if bucket == "" {
		return nil, fmt.Errorf("missing env var VIDEO_GCS_BUCKET_NAME")
	}
	prefix := strings.TrimSpace(os.Getenv("VIDEO_GCS_PREFIX"))
	if prefix == "" {
		prefix = "artifacts"
	}

	client, err := newStorageClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}

	serviceLog := log.With("service", "GCSStore")
	serviceLog.Info("Blob storage initialized", "bucket", bucket, "prefix", prefix)

	return &GCSStore{
		log:    serviceLog,
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func newStorageClient(ctx context.Context) (*storage.Client, error) {
	if host := strings.TrimSpace(os.Getenv("STORAGE_EMULATOR_HOST")); host != "" {
		return storage.NewClient(ctx, option.WithoutAuthentication())
	}
	opts := clientOptionsFromEnv()
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	return storage.NewClient(ctx, opts...)
}

func clientOptionsFromEnv() []option.ClientOption {
	creds := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS_JSON"))
	if creds == "" {
		creds = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if creds == "" {
		return nil
	}
	if strings.HasPrefix(creds, "{") {
		return []option.ClientOption{option.WithCredentialsJSON([]byte(creds))}
	}
	return []option.ClientOption{option.WithCredentialsFile(creds)}
}

func (s *GCSStore) object(ref Ref) (*storage.ObjectHandle, error) {
	name, err := objectName(ref)
	if err != nil {
		return nil, err
	}
	return s.client.Bucket(s.bucket).Object(s.prefix + "/" + name), nil
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (Ref, error) {
	ref := Digest(data)
	obj, err := s.object(ref)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, putTimeout)
	defer cancel()

	// Content addressing: if the digest already exists, the bytes do too.
	if _, err := obj.Attrs(ctx); err == nil {
		return ref, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return "", fmt.Errorf("stat GCS object for %s: %w", ref, err)
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write blob %s: %w", ref, err)
	}
	if err := w.Close(); err != nil {
		// A concurrent writer beat us to the same digest; the bytes match by
		// construction, so treat precondition failures as success.
		if isPreconditionFailed(err) {
			return ref, nil
		}
		return "", fmt.Errorf("close blob writer %s: %w", ref, err)
	}
	return ref, nil
}

func (s *GCSStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	obj, err := s.object(ref)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open blob %s: %w", ref, err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", ref, err)
	}
	return b, nil
}

func (s *GCSStore) Exists(ctx context.Context, ref Ref) (bool, error) {
	obj, err := s.object(ref)
	if err != nil {
		return false, err
	}

	ctx, cancel := context.WithTimeout(ctx, getTimeout)
	defer cancel()

	if _, err := obj.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat blob %s: %w", ref, err)
	}
	return true, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 412
	}
	return strings.Contains(err.Error(), "conditionNotMet")
}
