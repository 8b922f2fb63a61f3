package fslock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryLockContention(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")

	first, err := TryLock(path)
	require.NoError(t, err)

	_, err = TryLock(path)
	require.ErrorIs(t, err, ErrTimeout, "second acquisition must fail immediately")

	require.NoError(t, first.Close())

	second, err := TryLock(path)
	require.NoError(t, err, "lock is reacquirable after release")
	require.NoError(t, second.Close())
}

func TestLockTimeoutExpires(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")

	holder, err := TryLock(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = holder.Close() })

	start := time.Now()

	_, err = LockTimeout(path, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "must poll until the deadline")
}

func TestLockTimeoutSucceedsAfterRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")

	holder, err := TryLock(path)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = holder.Close()
	}()

	l, err := LockTimeout(path, 2*time.Second)
	require.NoError(t, err, "waiter acquires once the holder releases")
	require.NoError(t, l.Close())
}

func TestLockTimeoutRejectsNonPositive(t *testing.T) {
	t.Parallel()

	_, err := LockTimeout(filepath.Join(t.TempDir(), "test.lock"), 0)
	require.Error(t, err)
}

func TestCloseIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")

	l, err := TryLock(path)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
}

func TestCloseKeepsLockFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")

	l, err := TryLock(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	_, err = os.Stat(path)
	require.NoError(t, err, "the lock file must survive release")
}

func TestLockCreatesMissingDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.lock")

	l, err := TryLock(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())
}

// Replacing the lock file between open and flock must not leave the lock
// split across two inodes: the acquirer verifies and retries on the inode
// currently at the path.
func TestReacquireAfterFileReplaced(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.lock")

	l, err := TryLock(path)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(path, nil, 0o600))

	l2, err := TryLock(path)
	require.NoError(t, err)
	require.NoError(t, l2.Close())
}
