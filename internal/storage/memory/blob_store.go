// Package memory provides an in-memory blob store used in tests and
// development runs.
package memory

import (
	"context"
	"sync"

	"github.com/llmrank/domain-runner/internal/sweep"
)

// BlobStore keeps objects in a map. Safe for concurrent use.
type BlobStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
	types   map[string]string
}

var _ sweep.BlobStore = (*BlobStore)(nil)

// NewBlobStore creates an empty in-memory store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
	}
}

// PutObject stores a copy of data under path and returns a memory://
// URI for it.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.objects[path] = buf
	s.types[path] = contentType
	s.mu.Unlock()

	return "memory://" + path, nil
}

// Object returns the stored bytes and content type for path, or false
// when no object exists there.
func (s *BlobStore) Object(path string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[path]
	if !ok {
		return nil, "", false
	}
	return data, s.types[path], true
}

// Len reports the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
