// Package lock implements the per-collection advisory writer lock (§4.2).
package lock

import (
	"fmt"
	"os"
)

// ErrLocked is returned when another process already holds the collection's
// writer lock.
var ErrLocked = fmt.Errorf("lock: collection already locked by another process")

// Lock is a scoped handle on a collection's LOCK file. Release is idempotent.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if needed) the lock file at path and takes a
// non-blocking exclusive advisory lock on it. It fails with ErrLocked if
// another process already holds it. An abandoned lock file left by a
// crashed process carries no lock once the OS has released it, so a fresh
// Acquire against it still succeeds.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}
	if err := lockFileNonBlocking(f); err != nil {
		f.Close()
		if err == ErrLocked {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("lock: flock %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the underlying file. Safe to call once; a
// second call is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := unlockFile(f); err != nil {
		f.Close()
		return fmt.Errorf("lock: unlock: %w", err)
	}
	return f.Close()
}
