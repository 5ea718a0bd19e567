package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// BlobStore is an abstraction for reading and writing the job's round
// artifacts — round directories, manifests, and the final representatives
// file — against a local or networked backend (spec.md §11).
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create opens a blob for writing, replacing any existing content once
	// the returned WritableBlob is closed.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes data as a single atomic operation.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Implementations should treat a missing blob
	// as success.
	Delete(ctx context.Context, name string) error
	// List returns the names of every blob under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	// ReadAt reads len(p) bytes starting at offset off, like io.ReaderAt but
	// ctx-aware since a networked backend may block on a round-trip.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadRange returns a streaming reader over [off, off+length), for
	// sequential scans that don't want to pre-size a buffer.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	io.Closer
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a handle for writing a blob sequentially.
type WritableBlob interface {
	io.WriteCloser
	// Sync ensures buffered writes are committed to the backend.
	Sync() error
}

// Mappable is an optional interface for Blobs that support memory mapping.
type Mappable interface {
	// Bytes returns the underlying byte slice.
	// The slice is valid until the Blob is closed.
	// This is a zero-copy operation if supported.
	Bytes() ([]byte, error)
}
