// Package fslock provides advisory cross-process locking via flock(2).
//
// flock applies to an inode, not a pathname, so the package verifies
// after every acquisition that the locked descriptor still refers to the
// file currently at the path (the file could have been replaced during
// the open->flock window). All cooperating processes must take the lock
// for it to have any effect.
//
// Unix-only.
package fslock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

var (
	// ErrTimeout is returned when a lock cannot be acquired before the
	// deadline. TryLock returns it immediately on contention.
	ErrTimeout = errors.New("fslock: timed out")

	// errInodeMismatch signals the lock file was replaced between open
	// and flock. Internal; callers of acquire retry on it.
	errInodeMismatch = errors.New("fslock: inode mismatch")
)

const (
	lockFilePerm = 0o600
	lockDirPerm  = 0o755

	// maxBackoff caps the polling interval between acquisition attempts.
	maxBackoff = 25 * time.Millisecond
)

// Lock is a held file lock. Close releases it.
type Lock struct {
	mu   sync.Mutex
	file *os.File
}

// Close releases the lock and closes the descriptor. Idempotent.
//
// The lock file itself is never deleted; removing it while other
// processes hold or await the lock would split the lock across inodes.
func (l *Lock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	fd := int(l.file.Fd())

	unlockErr := flockRetryEINTR(fd, syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		unlockErr = fmt.Errorf("funlock: %w", unlockErr)
	}

	if closeErr != nil {
		closeErr = fmt.Errorf("close lock fd: %w", closeErr)
	}

	return errors.Join(unlockErr, closeErr)
}

// TryLock attempts to acquire an exclusive lock on path without waiting.
// Returns ErrTimeout if another process holds it.
func TryLock(path string) (*Lock, error) {
	return lockPolling(path, 0)
}

// LockTimeout acquires an exclusive lock on path, polling with
// exponential backoff (1ms doubling to 25ms) until the timeout expires.
//
// The timeout is best-effort: polling may overshoot slightly under
// scheduler delay. Returns ErrTimeout on expiry.
func LockTimeout(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout %v must be > 0: %w", timeout, ErrTimeout)
	}

	return lockPolling(path, timeout)
}

// lockPolling acquires via non-blocking flock with retries.
//
//   - timeout == 0: try once
//   - timeout > 0: retry with backoff until the deadline
func lockPolling(path string, timeout time.Duration) (*Lock, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	backoff := time.Millisecond

	for {
		file, err := openLockFile(path)
		if err != nil {
			return nil, fmt.Errorf("open lock file: %w", err)
		}

		err = acquire(file, path)
		if err == nil {
			return &Lock{file: file}, nil
		}

		_ = file.Close()

		retryable := errors.Is(err, ErrTimeout) || errors.Is(err, errInodeMismatch)
		if !retryable {
			return nil, err
		}

		if timeout == 0 {
			return nil, ErrTimeout
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}

		sleep := backoff
		if sleep > remaining {
			sleep = remaining
		}

		time.Sleep(sleep)

		if backoff < maxBackoff {
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// acquire flocks file non-blocking and verifies the inode still matches
// path. On failure the file is unlocked but not closed.
func acquire(file *os.File, path string) error {
	fd := int(file.Fd())

	err := flockRetryEINTR(fd, syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) || errors.Is(err, syscall.EAGAIN) {
			return ErrTimeout
		}

		return fmt.Errorf("flock: %w", err)
	}

	match, err := inodeMatchesPath(file, path)
	if err != nil {
		_ = flockRetryEINTR(fd, syscall.LOCK_UN)

		if errors.Is(err, os.ErrNotExist) {
			return errInodeMismatch
		}

		return fmt.Errorf("verify inode: %w", err)
	}

	if !match {
		_ = flockRetryEINTR(fd, syscall.LOCK_UN)

		return errInodeMismatch
	}

	return nil
}

func openLockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
	if err == nil || !errors.Is(err, os.ErrNotExist) {
		return f, err
	}

	if err := os.MkdirAll(filepath.Dir(path), lockDirPerm); err != nil {
		return nil, err
	}

	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, lockFilePerm)
}

// inodeMatchesPath compares (dev, inode) of the open descriptor with the
// file currently at path. A mismatch means the path was replaced while we
// were acquiring; the caller unlocks and retries on the new inode.
func inodeMatchesPath(file *os.File, path string) (bool, error) {
	openInfo, err := file.Stat()
	if err != nil {
		return false, err
	}

	openSys, ok := openInfo.Sys().(*syscall.Stat_t)
	if !ok || openSys == nil {
		return false, fmt.Errorf("file.Stat Sys=%T, want *syscall.Stat_t", openInfo.Sys())
	}

	pathInfo, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	pathSys, ok := pathInfo.Sys().(*syscall.Stat_t)
	if !ok || pathSys == nil {
		return false, fmt.Errorf("os.Stat Sys=%T, want *syscall.Stat_t", pathInfo.Sys())
	}

	return openSys.Dev == pathSys.Dev && openSys.Ino == pathSys.Ino, nil
}

// flockRetryEINTR wraps flock, retrying on EINTR. Signals (SIGCHLD,
// SIGWINCH, timers) can interrupt the syscall; retrying is the correct
// response. Retries are capped to avoid spinning under a signal storm.
func flockRetryEINTR(fd, how int) error {
	const maxEINTRRetries = 10000

	var err error
	for range maxEINTRRetries {
		err = syscall.Flock(fd, how)
		if err == nil || !errors.Is(err, syscall.EINTR) {
			return err
		}
	}

	return err
}
