// Package shmcache provides a content-addressable, cross-process cache
// backed by a single fixed-size shared memory segment.
//
// Multiple independent processes map the same segment (a file under
// /dev/shm by default) and cooperate through a custom binary format:
// a 512-byte header, an append-only blob pool, an open-addressed key
// table and an open-addressed content table. Identical values are stored
// once and shared between keys via a 128-bit content fingerprint.
// Capacity is fixed at creation time; the segment never grows.
//
// # Basic Usage
//
//	cache, err := shmcache.Create(shmcache.Options{
//	    Path:     "/dev/shm/my.cache",
//	    MaxItems: 10000,
//	})
//	if err != nil {
//	    // handle ErrIncompatible by removing and recreating
//	}
//	defer cache.Close()
//
//	err = cache.Set([]byte("k"), []byte("v"))
//	v, err := cache.Get([]byte("k"))
//
// Other processes call [Attach] with the same path. The creating handle
// owns the segment: its Close unlinks the backing file, while attached
// handles merely unmap.
//
// # Concurrency
//
// Every public operation runs inside one critical section guarded by a
// cross-process mutex (flock-based by default, caller-replaceable via
// [Options.Mutex]). The mutex is coarse: reads and writes from all
// processes are totally ordered. Lock acquisition is timeout-bounded;
// an expired wait surfaces [ErrLockTimeout] and performs no mutation.
//
// # Eviction and Compaction
//
// When the live item count reaches [Options.MaxItems], Set evicts one
// entry chosen by Redis-style random sampling (approximate LRU). Deleted
// and overwritten values remain as garbage in the blob pool until
// [Cache.Compact] copies live blobs to the front and resets the free
// pointer. Compaction is explicit and never triggered automatically.
//
// # Error Handling
//
// Errors are sentinel values checked with [errors.Is]. [ErrNotFound] is
// a normal outcome, not a failure. Capacity errors ([ErrPoolFull],
// [ErrKeyTableFull], [ErrContentTableFull]) are fatal for the attempted
// operation and prompt the operator to Compact, raise MaxItems, or
// reduce load; the cache never resizes itself.
package shmcache
