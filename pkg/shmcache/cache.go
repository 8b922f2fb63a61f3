package shmcache

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Cache is a handle to a shared memory cache segment.
//
// A Cache must be obtained via [Create], [Attach], or [Open]; the zero
// value is not usable. Handles are safe for concurrent use by multiple
// goroutines: every operation runs under the cross-process mutex, which
// also serializes goroutines within one process.
type Cache struct {
	_ [0]func() // prevent external construction

	// mu guards closed and the mapping lifetime in-process: operations
	// hold RLock for their duration, Close holds Lock.
	mu     sync.RWMutex
	closed bool

	seg  *segment
	lock Mutex

	hash    func([]byte) Digest
	now     func() int64
	rnd     *rand.Rand
	logf    func(format string, args ...any)
	samples int
}

// Create creates a new segment at opts.Path and returns the owning
// handle. Fails if the path already exists. The owner's Close unlinks
// the segment; every other process should use [Attach].
//
// Possible errors:
//   - [ErrInvalidInput]: bad options
//   - unix errors: create, ftruncate, mmap failures (including EEXIST)
func Create(opts Options) (*Cache, error) {
	opts = opts.withDefaults()

	if err := opts.validate(true); err != nil {
		return nil, err
	}

	seg, err := createSegment(opts.Path, computeGeometry(opts))
	if err != nil {
		return nil, err
	}

	return newCache(seg, opts), nil
}

// Attach maps an existing segment at opts.Path.
//
// Geometry is read from the segment header, never recomputed from
// options. A non-zero opts.MaxItems must match the header.
//
// Possible errors:
//   - [ErrInvalidInput]: bad options
//   - [ErrIncompatible]: magic/version/config mismatch
//   - [ErrCorrupt]: header inconsistent with the file
//   - unix errors: open, mmap failures
func Attach(opts Options) (*Cache, error) {
	opts = opts.withDefaults()

	if err := opts.validate(false); err != nil {
		return nil, err
	}

	seg, err := attachSegment(opts.Path)
	if err != nil {
		return nil, err
	}

	if opts.MaxItems != 0 && uint64(opts.MaxItems) != seg.geo.maxItems {
		_ = seg.close()

		return nil, fmt.Errorf("max_items mismatch: segment has %d, expected %d: %w", seg.geo.maxItems, opts.MaxItems, ErrIncompatible)
	}

	return newCache(seg, opts), nil
}

// Retry parameters for Open's create race. The creator writes the magic
// word last, so a racing attacher can briefly observe an incomplete
// header (reported as ErrIncompatible) in the window between ftruncate
// and the magic store.
const (
	openAttachRetries = 100
	openRetryDelay    = 2 * time.Millisecond
)

// Open attaches to the segment at opts.Path, creating it first if it
// does not exist. A create race between two processes is resolved by the
// loser attaching to the winner's segment, retrying briefly while the
// winner's header write is still in flight. A segment that stays
// incompatible past the retry window surfaces ErrIncompatible as usual.
func Open(opts Options) (*Cache, error) {
	var err error

	for attempt := 0; attempt < openAttachRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(openRetryDelay)
		}

		var c *Cache

		c, err = Attach(opts)
		if err == nil {
			return c, nil
		}

		if errors.Is(err, unix.ENOENT) {
			c, err = Create(opts)
			if err == nil {
				return c, nil
			}

			if errors.Is(err, unix.EEXIST) {
				continue // lost the create race; attach to the winner
			}

			return nil, err
		}

		if !errors.Is(err, ErrIncompatible) {
			return nil, err
		}
	}

	return nil, err
}

func newCache(seg *segment, opts Options) *Cache {
	lock := opts.Mutex
	if lock == nil {
		lock = newFileMutex(opts.Path, opts.LockTimeout)
	}

	return &Cache{
		seg:     seg,
		lock:    lock,
		hash:    opts.Hash,
		now:     opts.Now,
		rnd:     opts.Rand,
		logf:    opts.Logf,
		samples: opts.EvictionSamples,
	}
}

// withLock runs fn inside the handle guard and the cross-process mutex.
// Every public operation is one such critical section; the mutex is the
// only suspension point in the engine.
func (c *Cache) withLock(fn func() error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}

	if err := c.lock.Lock(); err != nil {
		return err
	}
	defer c.lock.Unlock()

	return fn()
}

// digest hashes b and remaps sentinel collisions.
func (c *Cache) digest(b []byte) Digest {
	return normalizeDigest(c.hash(b))
}

// Get returns a copy of the value stored under key and refreshes the
// key's last-access timestamp.
//
// Possible errors: [ErrNotFound], [ErrLockTimeout], [ErrCorrupt], [ErrClosed].
func (c *Cache) Get(key []byte) ([]byte, error) {
	var value []byte

	err := c.withLock(func() error {
		slot, found, err := c.seg.findKey(c.digest(key), key)
		if err != nil {
			return err
		}

		if !found {
			return ErrNotFound
		}

		entry := c.seg.readKeyEntry(slot)

		addr, ok := c.seg.lookupContent(entry.fingerprint)
		if !ok {
			return fmt.Errorf("fingerprint %s has no content entry: %w", entry.fingerprint, ErrCorrupt)
		}

		tag, data, err := c.seg.readBlob(addr)
		if err != nil {
			return err
		}

		if tag != blobTagContent {
			return fmt.Errorf("content address %d holds blob tag %d: %w", addr, tag, ErrCorrupt)
		}

		value = make([]byte, len(data))
		copy(value, data)

		c.seg.touchKeySlot(slot, c.now())

		return nil
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// Set stores value under key. Identical value bytes already present under
// another key are shared via the content table rather than stored again.
// When the cache is at capacity and key is new, one entry is evicted
// first (see [Cache.Compact] for reclaiming the evicted entry's bytes).
//
// Possible errors: [ErrLockTimeout], [ErrPoolFull], [ErrKeyTableFull],
// [ErrContentTableFull], [ErrClosed].
func (c *Cache) Set(key, value []byte) error {
	return c.withLock(func() error {
		keyHash := c.digest(key)
		fp := c.digest(value)
		now := c.now()

		slot, found, err := c.seg.findKey(keyHash, key)
		if err != nil {
			return err
		}

		if found {
			entry := c.seg.readKeyEntry(slot)
			if entry.fingerprint == fp {
				c.seg.touchKeySlot(slot, now)

				return nil
			}

			if err := c.ensureContentLocked(fp, value); err != nil {
				return err
			}

			// Old content becomes garbage (or stays shared); reclaimed by Compact.
			c.seg.setKeyFingerprint(slot, fp, now)

			return nil
		}

		// Allocation happens before eviction: eviction frees a table
		// slot, never pool bytes, so a Set the pool cannot fit must fail
		// here without disturbing occupancy.
		if err := c.ensureContentLocked(fp, value); err != nil {
			return err
		}

		keyAddr, err := c.seg.allocBlob(blobTagKey, key)
		if err != nil {
			return err
		}

		for c.seg.liveItems() >= c.seg.geo.maxItems && c.seg.liveItems() > 0 {
			c.evictOneLocked()
		}

		insertSlot, ok := c.seg.findKeyInsertSlot(keyHash)
		if !ok {
			return fmt.Errorf("no free slot for key hash %s: %w", keyHash, ErrKeyTableFull)
		}

		c.seg.writeKeyEntry(insertSlot, keyEntry{
			hash:        keyHash,
			keyAddr:     keyAddr,
			fingerprint: fp,
			accessedAt:  now,
		})
		c.seg.setLiveItems(c.seg.liveItems() + 1)

		return nil
	})
}

// ensureContentLocked makes fp resolvable in the content table, storing
// the value blob on first sight of this fingerprint (deduplication: the
// content storage cost is paid once per distinct value).
func (c *Cache) ensureContentLocked(fp Digest, value []byte) error {
	if _, ok := c.seg.lookupContent(fp); ok {
		return nil
	}

	addr, err := c.seg.allocBlob(blobTagContent, value)
	if err != nil {
		return err
	}

	return c.seg.insertContent(fp, addr)
}

// Delete removes key. The key blob and (if unshared) the content blob
// become garbage until [Cache.Compact].
//
// Possible errors: [ErrNotFound], [ErrLockTimeout], [ErrClosed].
func (c *Cache) Delete(key []byte) error {
	return c.withLock(func() error {
		slot, found, err := c.seg.findKey(c.digest(key), key)
		if err != nil {
			return err
		}

		if !found {
			return ErrNotFound
		}

		c.seg.tombstoneKeySlot(slot)
		c.seg.setLiveItems(c.seg.liveItems() - 1)

		return nil
	})
}

// Contains reports whether key is present, without refreshing its
// last-access timestamp.
func (c *Cache) Contains(key []byte) (bool, error) {
	var found bool

	err := c.withLock(func() error {
		var err error
		_, found, err = c.seg.findKey(c.digest(key), key)

		return err
	})

	return found, err
}

// Len returns the number of live keys.
func (c *Cache) Len() (int, error) {
	var n int

	err := c.withLock(func() error {
		var err error
		n, err = uint64ToIntChecked(c.seg.liveItems())

		return err
	})

	return n, err
}

// Keys returns copies of all live keys, in key table slot order.
func (c *Cache) Keys() ([][]byte, error) {
	var keys [][]byte

	err := c.withLock(func() error {
		var iterErr error

		c.seg.forEachOccupiedKeySlot(func(slot uint64, e keyEntry) bool {
			tag, data, err := c.seg.readBlob(e.keyAddr)
			if err != nil {
				iterErr = err

				return false
			}

			if tag != blobTagKey {
				iterErr = fmt.Errorf("key address %d holds blob tag %d: %w", e.keyAddr, tag, ErrCorrupt)

				return false
			}

			key := make([]byte, len(data))
			copy(key, data)
			keys = append(keys, key)

			return true
		})

		return iterErr
	})
	if err != nil {
		return nil, err
	}

	return keys, nil
}

// ContentItems streams every stored (fingerprint, value) pair to fn,
// one pair at a time, until fn returns false or the table is exhausted.
// A value shared by N keys is yielded exactly once.
//
// The whole iteration is one critical section; fn must not call back
// into the cache. Values are copied before being yielded, and the
// iteration never materializes the full value set at once. Call again
// to restart.
func (c *Cache) ContentItems(fn func(fingerprint Digest, value []byte) bool) error {
	return c.withLock(func() error {
		var iterErr error

		c.seg.forEachContentEntry(func(slot uint64, fp Digest, addr uint64) bool {
			tag, data, err := c.seg.readBlob(addr)
			if err != nil {
				iterErr = err

				return false
			}

			if tag != blobTagContent {
				iterErr = fmt.Errorf("content address %d holds blob tag %d: %w", addr, tag, ErrCorrupt)

				return false
			}

			value := make([]byte, len(data))
			copy(value, data)

			return fn(fp, value)
		})

		return iterErr
	})
}

// Clear removes every entry, resets the blob pool, and bumps the segment
// version. Capacity and geometry are unchanged.
func (c *Cache) Clear() error {
	return c.withLock(func() error {
		c.seg.zeroRange(c.seg.geo.keyStart, c.seg.geo.keyCap*keyEntrySize)
		c.seg.zeroRange(c.seg.geo.contentStart, c.seg.geo.contentCap*contentEntrySize)
		c.seg.resetPool()
		c.seg.setLiveItems(0)
		c.seg.bumpSegmentVersion()

		return nil
	})
}

// Compact runs mark-and-copy defragmentation of the blob pool. See the
// package documentation; this is the only way garbage blobs and stale
// content entries are reclaimed.
func (c *Cache) Compact() error {
	return c.withLock(c.compactLocked)
}

// Close detaches from the segment. The owning handle (from [Create])
// also unlinks the backing file, destroying the segment once every
// process has detached. Close is idempotent.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	return c.seg.close()
}
