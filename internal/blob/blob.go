// Package blob is the content-addressed byte store behind attachments.
// An S3-compatible backend is used when an endpoint is configured;
// otherwise a local-directory store keeps dev and test self-contained.
package blob

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/KafClaw/membank/internal/config"
)

// ErrBlob wraps any blob-backend failure. It never reaches hook
// callers.
var ErrBlob = errors.New("blob store error")

// DefaultPresignTTL bounds presigned download URLs.
const DefaultPresignTTL = time.Hour

// Store is the byte-store contract. Presign returns an empty URL for
// backends without presigning support; callers then fall back to
// inline base64 transfer.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	// Get returns nil (no error) when the key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// New selects the backend from settings.
func New(ctx context.Context, s *config.Settings) (Store, error) {
	if s.BlobEndpointURL != "" {
		return newS3(ctx, s)
	}
	return newLocal("")
}

// MakeKey builds the canonical blob key. Filenames are sanitized so a
// key never escapes its tenant/memory prefix.
func MakeKey(tenantID, memoryID, filename string) string {
	safe := strings.ReplaceAll(filename, "/", "_")
	safe = strings.ReplaceAll(safe, "\\", "_")
	return tenantID + "/" + memoryID + "/" + safe
}
