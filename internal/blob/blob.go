// ABOUTME: Content-addressed blob storage for published service definitions
// ABOUTME: Store interface, key derivation and shared errors

package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// KeyPrefix is prepended to every content-addressed object key.
const KeyPrefix = "sha256/"

// MaxBlobBytes bounds how much a single definition download may read.
const MaxBlobBytes = 64 << 20

var (
	// ErrNotFound is returned when no object exists for a key
	ErrNotFound = errors.New("blob not found")

	// ErrTooLarge is returned when a blob exceeds MaxBlobBytes
	ErrTooLarge = errors.New("blob too large")
)

// Store is a content-addressed byte store. Put returns the key under which
// the data can later be read; writing the same bytes twice yields the same key.
type Store interface {
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// KeyFor returns the content address of data.
func KeyFor(data []byte) string {
	sum := sha256.Sum256(data)
	return KeyPrefix + hex.EncodeToString(sum[:])
}

// IsKey reports whether ref is a content-addressed key rather than a URL.
func IsKey(ref string) bool {
	return strings.HasPrefix(ref, KeyPrefix)
}
