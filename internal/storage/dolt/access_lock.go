package dolt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldvault/fieldvault/internal/lockfile"
)

// AccessLock coordinates access to the embedded Dolt database using flock.
// The lock file lives next to the dolt data directory so that multiple fv
// processes don't compete for dolt's internal LOCK file.
type AccessLock struct {
	file *os.File
	path string
}

const (
	accessLockFile = "fv-access.lock"

	// lockPollInterval is how often we retry acquiring the lock.
	lockPollInterval = 50 * time.Millisecond
)

// AcquireAccessLock acquires an advisory flock guarding the dolt data
// directory. Exclusive locks are for writers; shared locks for readers.
// Polls with lockPollInterval until timeout expires, then returns an error
// wrapping lockfile.ErrLockBusy.
func AcquireAccessLock(doltDir string, exclusive bool, timeout time.Duration) (*AccessLock, error) {
	// The lock file goes in the parent of the dolt dir so the embedded
	// engine never sees it as part of its own data.
	parentDir := filepath.Dir(doltDir)
	lockPath := filepath.Join(parentDir, accessLockFile)

	if err := os.MkdirAll(parentDir, 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	// #nosec G304 - controlled path derived from database configuration
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open access lock: %w", err)
	}

	lockFn := lockfile.FlockSharedNonBlock
	if exclusive {
		lockFn = lockfile.FlockExclusiveNonBlock
	}

	// Try once immediately before polling.
	if err := lockFn(f); err == nil {
		return &AccessLock{file: f, path: lockPath}, nil
	} else if !errors.Is(err, lockfile.ErrLockBusy) {
		_ = f.Close()
		return nil, fmt.Errorf("access lock: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		time.Sleep(lockPollInterval)

		if err := lockFn(f); err == nil {
			return &AccessLock{file: f, path: lockPath}, nil
		} else if !errors.Is(err, lockfile.ErrLockBusy) {
			_ = f.Close()
			return nil, fmt.Errorf("access lock: %w", err)
		}
	}

	_ = f.Close()
	kind := "shared"
	if exclusive {
		kind = "exclusive"
	}
	return nil, fmt.Errorf("dolt access lock timeout (%s, %v): another fv process is using the database: %w",
		kind, timeout, lockfile.ErrLockBusy)
}

// Release releases the advisory lock and closes the underlying file.
// Safe to call multiple times.
func (l *AccessLock) Release() {
	if l == nil || l.file == nil {
		return
	}
	_ = lockfile.FlockUnlock(l.file)
	_ = l.file.Close()
	l.file = nil
}
