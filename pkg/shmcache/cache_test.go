package shmcache

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a deterministic nanosecond clock: every call advances by
// one tick, so insertion and access order is total.
type testClock struct {
	now int64
}

func (tc *testClock) Now() int64 {
	tc.now++

	return tc.now
}

func testOptions(t *testing.T, maxItems int) Options {
	t.Helper()

	clock := &testClock{}

	return Options{
		Path:     filepath.Join(t.TempDir(), "test.cache"),
		MaxItems: maxItems,
		Now:      clock.Now,
		Rand:     rand.New(rand.NewPCG(1, 2)),
	}
}

func newTestCache(t *testing.T, maxItems int) *Cache {
	t.Helper()

	c, err := Create(testOptions(t, maxItems))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100)

	cases := [][2][]byte{
		{[]byte("k"), []byte("v")},
		{[]byte(""), []byte("empty key")},
		{[]byte("empty value"), []byte("")},
		{[]byte("binary\x00key"), []byte{0x00, 0xFF, 0x7F, 0x80}},
	}

	for _, kv := range cases {
		require.NoError(t, c.Set(kv[0], kv[1]))
	}

	for _, kv := range cases {
		got, err := c.Get(kv[0])
		require.NoError(t, err)
		assert.Equal(t, kv[1], got)
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 10)

	_, err := c.Get([]byte("nope"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 10)

	err := c.Delete([]byte("absent"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteThenGet(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 10)

	require.NoError(t, c.Set([]byte("k"), []byte("v")))
	require.NoError(t, c.Delete([]byte("k")))

	_, err := c.Get([]byte("k"))
	require.ErrorIs(t, err, ErrNotFound)

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestContains(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 10)

	require.NoError(t, c.Set([]byte("here"), []byte("v")))

	found, err := c.Contains([]byte("here"))
	require.NoError(t, err)
	assert.True(t, found)

	found, err = c.Contains([]byte("gone"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestOverwriteReplacesValue(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 10)

	require.NoError(t, c.Set([]byte("k"), []byte("old")))
	require.NoError(t, c.Set([]byte("k"), []byte("new")))

	got, err := c.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// Storing the same value bytes under N distinct keys pays the content
// storage cost once: pool usage grows by one content blob plus N key
// blobs, and ContentItems yields the value exactly once.
func TestDedupSharedValue(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100)

	shared := []byte("shared value bytes")

	require.NoError(t, c.Set([]byte("a"), shared))

	st1, err := c.Stats()
	require.NoError(t, err)

	for i := 0; i < 9; i++ {
		require.NoError(t, c.Set([]byte(fmt.Sprintf("key-%d", i)), shared))
	}

	st2, err := c.Stats()
	require.NoError(t, err)

	// Only key blobs were added after the first Set.
	var keyBytes uint64
	for i := 0; i < 9; i++ {
		keyBytes += blobRecordSize(uint64(len(fmt.Sprintf("key-%d", i))))
	}

	assert.Equal(t, keyBytes, st2.PoolUsed-st1.PoolUsed)
	assert.Equal(t, uint64(1), st2.ContentSlotsOccupied)

	var items int

	require.NoError(t, c.ContentItems(func(fp Digest, value []byte) bool {
		items++

		assert.Equal(t, shared, value)

		return true
	}))
	assert.Equal(t, 1, items)
}

func TestContentItemsRestartable(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 10)

	require.NoError(t, c.Set([]byte("a"), []byte("1")))
	require.NoError(t, c.Set([]byte("b"), []byte("2")))

	count := func() int {
		var n int

		require.NoError(t, c.ContentItems(func(Digest, []byte) bool {
			n++

			return true
		}))

		return n
	}

	assert.Equal(t, 2, count())
	assert.Equal(t, 2, count()) // second pass sees the same finite sequence
}

func TestContentItemsEarlyStop(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 10)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set([]byte{byte(i)}, []byte{byte(i + 100)}))
	}

	var n int

	require.NoError(t, c.ContentItems(func(Digest, []byte) bool {
		n++

		return n < 2
	}))
	assert.Equal(t, 2, n)
}

func TestKeysListsAllLiveKeys(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 100)

	want := map[string]bool{}

	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key-%02d", i)
		want[k] = true

		require.NoError(t, c.Set([]byte(k), []byte("v")))
	}

	require.NoError(t, c.Delete([]byte("key-07")))
	delete(want, "key-07")

	keys, err := c.Keys()
	require.NoError(t, err)

	got := map[string]bool{}
	for _, k := range keys {
		got[string(k)] = true
	}

	assert.Equal(t, want, got)
}

// The live item count never exceeds MaxItems, no matter the Set sequence.
func TestCapacityBound(t *testing.T) {
	t.Parallel()

	const maxItems = 8

	c := newTestCache(t, maxItems)

	for i := 0; i < 50; i++ {
		require.NoError(t, c.Set([]byte(fmt.Sprintf("key-%d", i)), []byte("v")))

		n, err := c.Len()
		require.NoError(t, err)
		assert.LessOrEqual(t, n, maxItems)
	}
}

func TestEvictionAtCapacity(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 3)

	require.NoError(t, c.Set([]byte("k1"), []byte("v1")))
	require.NoError(t, c.Set([]byte("k2"), []byte("v2")))
	require.NoError(t, c.Set([]byte("k3"), []byte("v3")))

	n, err := c.Len()
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, c.Set([]byte("k4"), []byte("v4")))

	n, err = c.Len()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	found, err := c.Contains([]byte("k4"))
	require.NoError(t, err)
	assert.True(t, found, "newly inserted key must be present")

	var evicted int

	for _, k := range []string{"k1", "k2", "k3"} {
		found, err := c.Contains([]byte(k))
		require.NoError(t, err)

		if !found {
			evicted++
		}
	}

	assert.Equal(t, 1, evicted, "exactly one prior key is evicted")
}

// With a sample budget covering the whole table, the victim is the true
// least recently used entry.
func TestEvictionPrefersOldestTimestamp(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 3)

	require.NoError(t, c.Set([]byte("old"), []byte("v")))
	require.NoError(t, c.Set([]byte("mid"), []byte("v")))
	require.NoError(t, c.Set([]byte("hot"), []byte("v")))

	// Refresh mid and hot; old keeps the smallest timestamp.
	_, err := c.Get([]byte("mid"))
	require.NoError(t, err)
	_, err = c.Get([]byte("hot"))
	require.NoError(t, err)

	require.NoError(t, c.Set([]byte("new"), []byte("v")))

	found, err := c.Contains([]byte("old"))
	require.NoError(t, err)
	assert.False(t, found, "the oldest entry is the eviction victim")

	for _, k := range []string{"mid", "hot", "new"} {
		found, err := c.Contains([]byte(k))
		require.NoError(t, err)
		assert.True(t, found, "key %s must survive", k)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 10)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Set([]byte{byte(i)}, []byte("v")))
	}

	st1, err := c.Stats()
	require.NoError(t, err)

	require.NoError(t, c.Clear())

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	st2, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st2.PoolUsed)
	assert.Equal(t, uint64(0), st2.KeySlotsOccupied)
	assert.Equal(t, uint64(0), st2.ContentSlotsOccupied)
	assert.Equal(t, st1.SegmentVersion+1, st2.SegmentVersion)

	// The cache is fully usable after Clear.
	require.NoError(t, c.Set([]byte("k"), []byte("v")))

	got, err := c.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestPoolFullSurfacesAndCompactRecovers(t *testing.T) {
	t.Parallel()

	opts := testOptions(t, 1)
	opts.AvgKeySize = 1
	opts.AvgValueSize = 1 // forces the 4096-byte minimum pool

	c, err := Create(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	value := func(fill byte) []byte {
		v := make([]byte, 1500)
		for i := range v {
			v[i] = fill
		}

		return v
	}

	require.NoError(t, c.Set([]byte("k"), value(1)))
	require.NoError(t, c.Set([]byte("k"), value(2)))

	// The third distinct value does not fit next to two garbage blobs.
	err = c.Set([]byte("k"), value(3))
	require.ErrorIs(t, err, ErrPoolFull)

	// The failed Set mutated nothing.
	got, err := c.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, value(2), got)

	require.NoError(t, c.Compact())
	require.NoError(t, c.Set([]byte("k"), value(3)))

	got, err = c.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, value(3), got)
}

// A Set the pool cannot fit fails before it evicts: eviction frees a
// table slot, never pool bytes, so evicting first would lose an entry
// without making room.
func TestFailedSetDoesNotEvict(t *testing.T) {
	t.Parallel()

	opts := testOptions(t, 1)
	opts.AvgKeySize = 1
	opts.AvgValueSize = 1 // forces the 4096-byte minimum pool

	c, err := Create(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	value := func(fill byte) []byte {
		v := make([]byte, 1500)
		for i := range v {
			v[i] = fill
		}

		return v
	}

	require.NoError(t, c.Set([]byte("a"), value(1)))
	require.NoError(t, c.Set([]byte("b"), value(2))) // evicts a, fits

	// The third distinct value does not fit next to the garbage blobs.
	err = c.Set([]byte("c"), value(3))
	require.ErrorIs(t, err, ErrPoolFull)

	// b survives the failed insert.
	found, err := c.Contains([]byte("b"))
	require.NoError(t, err)
	assert.True(t, found, "resident key must not be evicted by a failed Set")

	n, err := c.Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestContentTableFullReclaimedByCompact(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 2)

	contentCap := c.seg.geo.contentCap

	// Overwriting one key with distinct small values leaves garbage
	// content entries behind until every slot is taken.
	for i := uint64(0); i < contentCap; i++ {
		require.NoError(t, c.Set([]byte("k"), []byte(fmt.Sprintf("value-%d", i))))
	}

	err := c.Set([]byte("k"), []byte("one too many"))
	require.ErrorIs(t, err, ErrContentTableFull)

	require.NoError(t, c.Compact())

	st, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.ContentSlotsOccupied, "compaction drops unreferenced content entries")

	require.NoError(t, c.Set([]byte("k"), []byte("one too many")))
}

func TestClosedHandleRejectsOperations(t *testing.T) {
	t.Parallel()

	c := newTestCache(t, 10)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")

	_, err := c.Get([]byte("k"))
	require.ErrorIs(t, err, ErrClosed)

	err = c.Set([]byte("k"), []byte("v"))
	require.ErrorIs(t, err, ErrClosed)
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()

	base := Options{Path: filepath.Join(t.TempDir(), "x.cache")}

	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"zero max items", func(o *Options) { o.MaxItems = 0 }},
		{"negative max items", func(o *Options) { o.MaxItems = -1 }},
		{"load factor above one", func(o *Options) { o.MaxItems = 10; o.LoadFactor = 1.5 }},
		{"negative load factor", func(o *Options) { o.MaxItems = 10; o.LoadFactor = -0.5 }},
		{"negative avg key size", func(o *Options) { o.MaxItems = 10; o.AvgKeySize = -1 }},
		{"missing path", func(o *Options) { o.MaxItems = 10; o.Path = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts := base
			tt.mutate(&opts)

			_, err := Create(opts)
			require.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

type stubMutex struct {
	err   error
	locks int
}

func (m *stubMutex) Lock() error {
	m.locks++

	return m.err
}

func (m *stubMutex) Unlock() {}

// A lock acquisition timeout surfaces ErrLockTimeout and performs no
// mutation.
func TestLockTimeoutSurfaces(t *testing.T) {
	t.Parallel()

	opts := testOptions(t, 10)

	c, err := Create(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.NoError(t, c.Set([]byte("k"), []byte("v")))

	stub := &stubMutex{err: ErrLockTimeout}
	c.lock = stub

	err = c.Set([]byte("k"), []byte("other"))
	require.ErrorIs(t, err, ErrLockTimeout)

	_, err = c.Get([]byte("k"))
	require.ErrorIs(t, err, ErrLockTimeout)
	require.Equal(t, 2, stub.locks)

	c.lock = &stubMutex{}

	got, err := c.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got, "timed-out Set must not have mutated")
}

// Randomized churn against a map model, in the spirit of the engine's
// property tests: every observable read must match the model.
func TestChurnAgainstModel(t *testing.T) {
	t.Parallel()

	const maxItems = 16

	c := newTestCache(t, maxItems)
	rnd := rand.New(rand.NewPCG(7, 11))
	model := map[string]string{}

	key := func(i int) string { return fmt.Sprintf("key-%02d", i) }

	for step := 0; step < 2000; step++ {
		k := key(rnd.IntN(24))

		switch rnd.IntN(10) {
		case 0, 1, 2, 3, 4: // set
			v := fmt.Sprintf("value-%d", rnd.IntN(8))
			require.NoError(t, c.Set([]byte(k), []byte(v)))

			model[k] = v

			// The cache may have evicted arbitrary other keys; shrink the
			// model to what the cache actually holds.
			if len(model) > maxItems {
				for mk := range model {
					if mk == k {
						continue
					}

					found, err := c.Contains([]byte(mk))
					require.NoError(t, err)

					if !found {
						delete(model, mk)
					}
				}
			}
		case 5, 6: // get
			got, err := c.Get([]byte(k))
			if want, ok := model[k]; ok {
				require.NoError(t, err)
				require.Equal(t, want, string(got))
			} else {
				require.ErrorIs(t, err, ErrNotFound)
			}
		case 7: // delete
			err := c.Delete([]byte(k))
			if _, ok := model[k]; ok {
				require.NoError(t, err)

				delete(model, k)
			} else {
				require.ErrorIs(t, err, ErrNotFound)
			}
		case 8: // compact
			require.NoError(t, c.Compact())
		case 9: // len + capacity bound
			n, err := c.Len()
			require.NoError(t, err)
			require.LessOrEqual(t, n, maxItems)
			require.Equal(t, len(model), n)
		}
	}

	// Final sweep: every surviving model entry reads back.
	for k, v := range model {
		got, err := c.Get([]byte(k))
		require.NoError(t, err)
		require.Equal(t, v, string(got))
	}
}
