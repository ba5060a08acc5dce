// Package blobstore defines the contract for durable binary storage of
// garment assets and the registry of interchangeable backends.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound indicates the requested blob does not exist.
	ErrNotFound = errors.New("blob not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("blob store closed")
)

// Backend names.
const (
	BackendS3       = "s3"
	BackendDatabase = "database"
	BackendBadger   = "badger"
)

// Ref locates a stored blob. URL is empty unless the backend serves objects
// publicly.
type Ref struct {
	Key string
	URL string
}

// Object is an open blob. The caller must close Body.
type Object struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	// Size is -1 when the backend does not report it.
	Size int64
}

// Store is implemented by every blob backend. Implementations must be safe
// for concurrent use.
type Store interface {
	// Put stores body under a freshly generated key. size is the content
	// length, or -1 if unknown.
	Put(ctx context.Context, body io.Reader, size int64, contentType, filename string) (Ref, error)

	// Get opens the blob stored under key. Returns ErrNotFound if missing.
	Get(ctx context.Context, key string) (*Object, error)

	// Delete removes the blob stored under key. Deleting a missing key
	// succeeds.
	Delete(ctx context.Context, key string) error

	// Close releases backend resources.
	Close() error
}

// NewKey returns a storage key for filename: a millisecond timestamp, a
// random UUID and the sanitized base name. Keys never contain '/'.
func NewKey(filename string) string {
	return fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), uuid.NewString(), sanitizeName(filename))
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "blob"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if len(out) > 128 {
		out = out[len(out)-128:]
	}
	return out
}
