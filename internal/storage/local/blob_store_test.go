package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "responses/s1/example.com/openai.json", "application/json", []byte(`{"ok":true}`))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"), "uri %q", uri)

	data, err := os.ReadFile(filepath.Join(dir, "responses", "s1", "example.com", "openai.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(data))
}

func TestNewCreatesBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "blobs")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)
	require.DirExists(t, dir)
}

func TestNewRejectsEmptyBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestPutObjectCanceledContext(t *testing.T) {
	t.Parallel()

	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = s.PutObject(ctx, "p", "text/plain", []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
}
