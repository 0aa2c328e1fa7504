package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Local keeps blobs on the filesystem. It exists for development and
// tests; Presign always returns an empty URL so callers fall back to
// inline transfer.
type Local struct {
	root string
}

func newLocal(root string) (*Local, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "membank-blobs")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create blob dir: %v", ErrBlob, err)
	}
	return &Local{root: root}, nil
}

func (l *Local) path(key string) string {
	return filepath.Join(l.root, filepath.FromSlash(key))
}

// Put writes the blob to disk. The content type is ignored; local
// storage has nowhere to keep it.
func (l *Local) Put(_ context.Context, key string, data []byte, _ string) error {
	p := l.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("%w: create key dir: %v", ErrBlob, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrBlob, key, err)
	}
	return nil
}

// Get reads the blob, or nil when the key does not exist.
func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(l.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrBlob, key, err)
	}
	return data, nil
}

// Presign is unsupported for local storage.
func (l *Local) Presign(context.Context, string, time.Duration) (string, error) {
	return "", nil
}
