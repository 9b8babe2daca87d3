// Package storage defines the persistent state interface shared by all
// storage backends.
//
// Documents are versioned: every successful Put increments the version, and a
// Put only succeeds when the caller presents the version it read. This gives
// plugins optimistic concurrency control over shared state.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no document exists under the requested key.
	ErrNotFound = errors.New("document not found")
	// ErrVersionMismatch is returned when a Put presents a stale version.
	ErrVersionMismatch = errors.New("document version mismatch")
)

// Document is a versioned unit of plugin state.
type Document struct {
	// Version is 0 for documents that do not exist yet.
	Version int64
	Data    map[string]any
}

// Storage stores documents under string keys.
type Storage interface {
	// Get returns the document stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (Document, error)

	// Put stores doc under key if doc.Version matches the stored version
	// (0 creates the document) and returns the stored document with its new
	// version. It returns ErrVersionMismatch otherwise.
	Put(ctx context.Context, key string, doc Document) (Document, error)

	// Delete removes the document stored under key. Deleting a missing key
	// is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the underlying resources.
	Close() error
}
