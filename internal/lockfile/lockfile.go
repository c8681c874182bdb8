// Package lockfile provides advisory file locks that keep several arbor
// processes from working on the same embedded database in incompatible ways.
// Shared locks allow concurrent users; an exclusive lock (taken by rebuild
// when configured) excludes everyone else.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrLockBusy is returned when another process holds an incompatible lock.
var ErrLockBusy = errors.New("lock busy: held by another process")

// pollInterval is how often Acquire retries a busy lock.
const pollInterval = 50 * time.Millisecond

// AccessLock is a held advisory lock on a lock file.
type AccessLock struct {
	file      *os.File
	path      string
	exclusive bool
}

// PathFor returns the lock file path used for the database at dbPath.
func PathFor(dbPath string) string {
	return dbPath + ".lock"
}

// Acquire takes a shared or exclusive lock on path, creating the file if
// needed. It polls until timeout expires and then fails with ErrLockBusy.
// A zero timeout tries exactly once.
func Acquire(path string, exclusive bool, timeout time.Duration) (*AccessLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	// #nosec G304 - controlled path derived from database configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	lockFn := flockShared
	if exclusive {
		lockFn = flockExclusive
	}

	deadline := time.Now().Add(timeout)
	for {
		err := lockFn(f)
		if err == nil {
			return &AccessLock{file: f, path: path, exclusive: exclusive}, nil
		}
		if !errors.Is(err, ErrLockBusy) {
			_ = f.Close()
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if !time.Now().Before(deadline) {
			break
		}
		time.Sleep(pollInterval)
	}

	_ = f.Close()
	kind := "shared"
	if exclusive {
		kind = "exclusive"
	}
	return nil, fmt.Errorf("%s lock on %s timed out after %v: another arbor process is using the database: %w",
		kind, path, timeout, ErrLockBusy)
}

// Path returns the lock file path.
func (l *AccessLock) Path() string {
	return l.path
}

// Exclusive reports whether the lock is held exclusively.
func (l *AccessLock) Exclusive() bool {
	return l.exclusive
}

// Release releases the lock and closes the file. Safe to call multiple times.
func (l *AccessLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = flockUnlock(l.file)
	_ = l.file.Close()
	l.file = nil
}
