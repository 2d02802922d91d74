// Package storage provides object storage for generated readings.
//
// This package defines a Storage interface with implementations for:
// - LocalStorage: File system storage for development
// - R2Storage: Cloudflare R2 (S3-compatible) storage for production
//
// Readings are stored as JSON documents; palm photos are stored next to the
// reading that analysed them.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Storage defines the interface for object storage operations.
//
// All methods are context-aware for timeout and cancellation support.
type Storage interface {
	// Put stores data at key. Returns ErrKeyExists when the key is taken and
	// opts.Overwrite is false.
	Put(ctx context.Context, key string, data io.Reader, opts PutOptions) error

	// Get retrieves the data at key. The caller must close the reader.
	// Returns ErrNotFound if the key doesn't exist.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)

	// Delete removes the object at key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether an object is stored at key.
	Exists(ctx context.Context, key string) (bool, error)
}

// =============================================================================
// Data Types
// =============================================================================

// PutOptions configures how an object is stored.
type PutOptions struct {
	// ContentType is the MIME type of the object. Defaults to application/octet-stream.
	ContentType string

	// MaxSize rejects objects larger than this many bytes with ErrTooLarge.
	// Zero means no limit.
	MaxSize int64

	// Overwrite allows replacing an existing object at the same key.
	Overwrite bool
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
	ETag         string
}

// =============================================================================
// Configuration Types
// =============================================================================

// LocalConfig holds configuration for local filesystem storage.
type LocalConfig struct {
	// BasePath is the root directory where objects are stored.
	BasePath string
}

// R2Config holds configuration for Cloudflare R2 storage.
type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string

	// Endpoint overrides the account endpoint, e.g. for an S3-compatible
	// server in tests. Optional.
	Endpoint string

	// Region is required by the AWS SDK; R2 accepts "auto". Default: "auto".
	Region string
}

const (
	// ProviderLocal identifies the local filesystem storage provider.
	ProviderLocal = "local"

	// ProviderR2 identifies the Cloudflare R2 storage provider.
	ProviderR2 = "r2"
)

// =============================================================================
// Key Generation Helpers
// =============================================================================

// ReadingKey returns the key of a reading document.
// Format: readings/{owner}/{feature}/{readingID}.json
func ReadingKey(owner, feature string, readingID uuid.UUID) string {
	return fmt.Sprintf("readings/%s/%s/%s.json", owner, feature, readingID)
}

// PalmImageKey returns the key of the photo analysed by a palm reading.
// Format: readings/{owner}/palm/{readingID}.jpg
func PalmImageKey(owner string, readingID uuid.UUID) string {
	return fmt.Sprintf("readings/%s/palm/%s.jpg", owner, readingID)
}
