// Package gcs stores provider responses as objects in a Google Cloud
// Storage bucket.
package gcs

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/llmrank/domain-runner/internal/sweep"
)

// Config carries the settings needed to target a bucket.
type Config struct {
	Bucket string
}

// BlobStore writes objects to a single GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

var _ sweep.BlobStore = (*BlobStore)(nil)

// New creates a BlobStore backed by the configured bucket. The bucket
// must already exist; New verifies it is reachable.
func New(ctx context.Context, client *storage.Client, cfg Config) (*BlobStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs: bucket name is required")
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		return nil, fmt.Errorf("gcs: bucket %q not accessible: %w", cfg.Bucket, err)
	}
	return &BlobStore{client: client, bucket: cfg.Bucket}, nil
}

// PutObject uploads data under the given path and returns the gs:// URI
// of the stored object.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	w := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs: write object %q: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs: finalize object %q: %w", path, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, path), nil
}

// Close releases the underlying client.
func (s *BlobStore) Close() error {
	return s.client.Close()
}
