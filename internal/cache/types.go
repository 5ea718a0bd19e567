package cache

import (
	"context"
)

// CacheKind is used to separate key spaces and tuning.
type CacheKind uint8

const (
	CacheKindUnknown    CacheKind = iota
	CacheKindSeedBucket           // seed-table radix bucket blocks
	CacheKindPairBucket          // pair-table radix bucket blocks
	CacheKindChunk                // chunk-table / materialized chunk blocks
	CacheKindBlob                 // generic blob store blocks
)

// CacheKey must be stable across processes and round-safe.
// If the cached value depends on round state, include RoundID.
type CacheKey struct {
	Kind CacheKind
	// RoundID identifies the round a bucket block belongs to, since
	// round directories are never reused across a job's lifetime.
	RoundID int64
	// Offset is a logical block identifier (e.g., byte offset / radix index).
	Offset uint64
	// Path is optional; if provided, it identifies the source (e.g. filename).
	// Used by generic blob caching when RoundID is not known or sufficient.
	Path string
}

// BlockCache is a byte-oriented cache for immutable blocks.
// Returned slices must be treated as read-only.
type BlockCache interface {
	// Get returns a cached block. ok=false if missing.
	Get(ctx context.Context, key CacheKey) (b []byte, ok bool)
	// Set caches a block. Implementations may copy or retain; caller must treat b as immutable.
	Set(ctx context.Context, key CacheKey, b []byte)
	// Invalidate removes entries matching the predicate.
	Invalidate(predicate func(key CacheKey) bool)
	// Close releases any resources (e.g. background workers).
	Close() error
	// Stats returns cache statistics.
	Stats() (hits, misses int64)
}

// AdmissionPolicy decides whether a value should be cached.
// Start simple (e.g., “cache on second hit” or size-based).
type AdmissionPolicy interface {
	Admit(key CacheKey, sizeBytes int) bool
}
