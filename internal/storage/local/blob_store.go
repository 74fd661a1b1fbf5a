// Package local stores provider responses as files on the local
// filesystem. It exists for development and single-node deployments
// where a bucket is overkill.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/llmrank/domain-runner/internal/sweep"
)

// Config carries the settings for a filesystem-backed store.
type Config struct {
	BaseDir string
}

// BlobStore writes objects as files under a base directory.
type BlobStore struct {
	baseDir string
}

var _ sweep.BlobStore = (*BlobStore)(nil)

// New creates a BlobStore rooted at cfg.BaseDir, creating the directory
// if needed and verifying it is writable.
func New(cfg Config) (*BlobStore, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("local: base directory is required")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("local: create base directory: %w", err)
	}
	probe, err := os.CreateTemp(cfg.BaseDir, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("local: base directory %q not writable: %w", cfg.BaseDir, err)
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

// PutObject writes data to baseDir/path, creating intermediate
// directories, and returns the file:// URI of the written file. The
// content type is ignored; the filesystem has no notion of it.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("local: create directories for %q: %w", path, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return "", fmt.Errorf("local: write %q: %w", path, err)
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("local: resolve %q: %w", full, err)
	}
	return "file://" + filepath.ToSlash(abs), nil
}
