package shmcache

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/arenakv/shmcache/internal/fslock"
)

// Mutex is the cross-process lock guarding every public cache operation.
//
// The cache acquires it exactly once per operation, releases it on every
// exit path, and never acquires it recursively, so any exclusive mutex
// with a bounded Lock works. Lock must return [ErrLockTimeout] (or an
// error wrapping it) when acquisition exceeds its bound; in that case the
// operation fails without touching the segment.
//
// The default is a flock-based mutex on Path+".lock" (see [Options.Mutex]
// to supply your own, e.g. when the cache is embedded in a component that
// already serializes access).
type Mutex interface {
	Lock() error
	Unlock()
}

// fileMutex is the default Mutex: an advisory flock on a sidecar lock
// file, acquired with polling and a bounded timeout. flock contends
// between file descriptors, so it serializes goroutines within one
// process as well as separate processes.
type fileMutex struct {
	path    string
	timeout time.Duration

	// mu guards held. Only one acquisition can be outstanding (flock
	// excludes all others), so a single field suffices.
	mu   sync.Mutex
	held *fslock.Lock
}

func newFileMutex(segmentPath string, timeout time.Duration) *fileMutex {
	return &fileMutex{
		path:    segmentPath + ".lock",
		timeout: timeout,
	}
}

func (m *fileMutex) Lock() error {
	l, err := fslock.LockTimeout(m.path, m.timeout)
	if err != nil {
		if errors.Is(err, fslock.ErrTimeout) {
			return fmt.Errorf("acquire %s within %v: %w", m.path, m.timeout, ErrLockTimeout)
		}

		return fmt.Errorf("acquire %s: %w", m.path, err)
	}

	m.mu.Lock()
	m.held = l
	m.mu.Unlock()

	return nil
}

func (m *fileMutex) Unlock() {
	m.mu.Lock()
	l := m.held
	m.held = nil
	m.mu.Unlock()

	if l != nil {
		_ = l.Close()
	}
}
