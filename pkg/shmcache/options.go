package shmcache

import (
	"fmt"
	"log"
	"math/rand/v2"
	"time"
)

// Defaults applied by [Options.withDefaults].
const (
	// DefaultLoadFactor is the fill threshold both hash tables are sized
	// against.
	DefaultLoadFactor = 0.65

	// DefaultLockTimeout bounds cross-process mutex acquisition.
	DefaultLockTimeout = 60 * time.Second

	// DefaultEvictionSamples is the number of occupied slots the sampled
	// LRU inspects per eviction.
	DefaultEvictionSamples = 10

	// Sizing hints for the blob pool.
	DefaultAvgKeySize   = 200
	DefaultAvgValueSize = 2000
)

// Implementation limits. These keep every derived size comfortably inside
// int64 and the computed segment mappable.
const (
	maxMaxItems     = 1 << 32
	maxAvgSizeBytes = 1 << 24
)

// Options configure creating or attaching to a cache segment.
type Options struct {
	// Path is the filesystem path of the segment. A path under /dev/shm
	// makes the segment true POSIX shared memory.
	//
	// Required. A lock file is also created at Path+".lock" unless a
	// caller-supplied Mutex is set.
	Path string

	// MaxItems is the maximum number of live keys the cache can hold.
	//
	// Required (> 0) for Create. For Attach it may be zero, in which case
	// the value is read from the segment header; a non-zero value must
	// match the header or Attach fails with ErrIncompatible.
	MaxItems int

	// LoadFactor is the hash table fill threshold in (0, 1].
	// Both tables are sized to ceil(MaxItems / LoadFactor) slots.
	//
	// Default 0.65. Fixed at creation time.
	LoadFactor float64

	// AvgKeySize and AvgValueSize are sizing hints for the blob pool:
	// pool bytes = MaxItems * (record(AvgKeySize) + record(AvgValueSize)).
	//
	// Defaults 200 and 2000. Fixed at creation time.
	AvgKeySize   int
	AvgValueSize int

	// Hash computes 128-bit digests for keys and values.
	//
	// Default [Murmur3]. All handles attached to one segment must use the
	// same function; this is not validated and cannot be.
	Hash func([]byte) Digest

	// LockTimeout bounds acquisition of the cross-process mutex.
	//
	// Default 60s.
	LockTimeout time.Duration

	// Mutex replaces the default flock-based cross-process mutex.
	//
	// The cache acquires it exactly once per public operation and never
	// recursively, so any exclusive mutex qualifies.
	Mutex Mutex

	// EvictionSamples is the number of occupied slots inspected per
	// sampled-LRU eviction. Default 10.
	EvictionSamples int

	// Now returns the current time in nanoseconds. Injectable for
	// deterministic eviction tests. Default time.Now().UnixNano.
	Now func() int64

	// Rand is the random source for eviction sampling. Injectable for
	// deterministic tests. Default a PCG seeded from the clock.
	Rand *rand.Rand

	// Logf receives diagnostics from compaction's address validation
	// (corrupt references are logged and skipped, never fatal).
	// Default log.Printf.
	Logf func(format string, args ...any)
}

// withDefaults returns a copy of o with zero fields replaced by defaults.
func (o Options) withDefaults() Options {
	if o.LoadFactor == 0 {
		o.LoadFactor = DefaultLoadFactor
	}

	if o.AvgKeySize == 0 {
		o.AvgKeySize = DefaultAvgKeySize
	}

	if o.AvgValueSize == 0 {
		o.AvgValueSize = DefaultAvgValueSize
	}

	if o.Hash == nil {
		o.Hash = Murmur3
	}

	if o.LockTimeout == 0 {
		o.LockTimeout = DefaultLockTimeout
	}

	if o.EvictionSamples == 0 {
		o.EvictionSamples = DefaultEvictionSamples
	}

	if o.Now == nil {
		o.Now = func() int64 { return time.Now().UnixNano() }
	}

	if o.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		o.Rand = rand.New(rand.NewPCG(seed, seed^0x9E3779B97F4A7C15))
	}

	if o.Logf == nil {
		o.Logf = log.Printf
	}

	return o
}

// validate checks options shared by Create and Attach.
// forCreate additionally requires the sizing fields.
func (o Options) validate(forCreate bool) error {
	if o.Path == "" {
		return fmt.Errorf("path is required: %w", ErrInvalidInput)
	}

	if forCreate && o.MaxItems < 1 {
		return fmt.Errorf("max_items must be >= 1, got %d: %w", o.MaxItems, ErrInvalidInput)
	}

	if o.MaxItems < 0 || o.MaxItems > maxMaxItems {
		return fmt.Errorf("max_items %d out of range [0, %d]: %w", o.MaxItems, maxMaxItems, ErrInvalidInput)
	}

	if o.LoadFactor <= 0 || o.LoadFactor > 1 {
		return fmt.Errorf("load_factor %v outside (0, 1]: %w", o.LoadFactor, ErrInvalidInput)
	}

	if o.AvgKeySize < 1 || o.AvgKeySize > maxAvgSizeBytes {
		return fmt.Errorf("avg_key_size %d out of range [1, %d]: %w", o.AvgKeySize, maxAvgSizeBytes, ErrInvalidInput)
	}

	if o.AvgValueSize < 1 || o.AvgValueSize > maxAvgSizeBytes {
		return fmt.Errorf("avg_value_size %d out of range [1, %d]: %w", o.AvgValueSize, maxAvgSizeBytes, ErrInvalidInput)
	}

	if o.LockTimeout < 0 {
		return fmt.Errorf("lock_timeout %v is negative: %w", o.LockTimeout, ErrInvalidInput)
	}

	if o.EvictionSamples < 0 {
		return fmt.Errorf("eviction_samples %d is negative: %w", o.EvictionSamples, ErrInvalidInput)
	}

	return nil
}

// geometry holds the derived region layout of a segment. It is computed
// once from options at creation time and re-derived from the header on
// attach, never assumed.
type geometry struct {
	segmentSize  uint64
	poolStart    uint64
	poolSize     uint64
	keyStart     uint64
	keyCap       uint64
	contentStart uint64
	contentCap   uint64
	maxItems     uint64
}

// computeGeometry sizes the four segment regions from creation options.
//
// Table capacity is ceil(MaxItems / LoadFactor), forced strictly above
// MaxItems so the key table always retains at least one non-occupied slot.
// The pool gets MaxItems worth of average-sized key and value records.
// Every region boundary is 8-byte aligned by construction.
func computeGeometry(o Options) geometry {
	maxItems := uint64(o.MaxItems)

	tableCap := uint64(float64(maxItems) / o.LoadFactor)
	if tableCap <= maxItems {
		tableCap = maxItems + 1
	}

	poolSize := maxItems * (blobRecordSize(uint64(o.AvgKeySize)) + blobRecordSize(uint64(o.AvgValueSize)))

	const minPoolSize = 4096
	if poolSize < minPoolSize {
		poolSize = minPoolSize
	}

	g := geometry{
		poolStart: headerSize,
		poolSize:  poolSize,
		keyCap:    tableCap,
		maxItems:  maxItems,
	}

	g.keyStart = g.poolStart + g.poolSize
	g.contentCap = tableCap
	g.contentStart = g.keyStart + g.keyCap*keyEntrySize
	g.segmentSize = g.contentStart + g.contentCap*contentEntrySize

	return g
}
