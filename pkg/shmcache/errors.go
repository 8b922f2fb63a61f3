package shmcache

import "errors"

// Sentinel errors returned by shmcache operations.
//
// Callers should use [errors.Is] to check error types:
//
//	if errors.Is(err, shmcache.ErrPoolFull) {
//	    _ = cache.Compact()
//	    // retry
//	}
var (
	// ErrInvalidInput indicates invalid construction options or arguments.
	//
	// Common causes: MaxItems <= 0, LoadFactor outside (0, 1], negative
	// sizing hints, nil hash function.
	//
	// This is a configuration error and is never recovered at runtime.
	ErrInvalidInput = errors.New("shmcache: invalid input")

	// ErrIncompatible indicates a magic, format version, or configuration
	// mismatch when attaching to an existing segment.
	//
	// Recovery: remove the segment and recreate it, or attach with
	// matching options.
	ErrIncompatible = errors.New("shmcache: incompatible segment")

	// ErrNotFound indicates the key is not present.
	//
	// This is a normal, expected outcome of Get and Delete, signaled
	// distinctly from errors.
	ErrNotFound = errors.New("shmcache: not found")

	// ErrLockTimeout indicates the cross-process mutex could not be
	// acquired within the configured timeout.
	//
	// No mutation has occurred. Recovery: retry, or surface upward.
	ErrLockTimeout = errors.New("shmcache: lock timeout")

	// ErrPoolFull indicates the blob pool cannot fit the requested
	// allocation.
	//
	// Recovery: Compact to reclaim garbage blobs, or recreate the
	// segment with larger sizing hints.
	ErrPoolFull = errors.New("shmcache: blob pool full")

	// ErrKeyTableFull indicates no free key table slot could be found.
	//
	// Recovery: recreate the segment with a larger MaxItems or a lower
	// LoadFactor.
	ErrKeyTableFull = errors.New("shmcache: key table full")

	// ErrContentTableFull indicates no free content table slot could be
	// found. Content entries are reclaimed only by Compact.
	//
	// Recovery: Compact, then retry.
	ErrContentTableFull = errors.New("shmcache: content table full")

	// ErrCorrupt indicates the segment violates a structural invariant,
	// for example a key entry whose fingerprint has no content entry.
	//
	// Recovery: remove the segment and recreate it.
	ErrCorrupt = errors.New("shmcache: corrupt segment")

	// ErrClosed indicates the [Cache] handle has already been closed.
	//
	// This is a programming error.
	ErrClosed = errors.New("shmcache: closed")
)
