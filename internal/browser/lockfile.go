// Package browser coordinates the single shared automation session per
// host: lock-file election, endpoint advertisement, and attach/launch of
// headless Chrome over the DevTools protocol.
package browser

import (
	"fmt"
	"os"
	"time"
)

const defaultStaleAfter = 2 * time.Minute

// LockFile is the on-disk mutex electing the browser session owner. The
// create-if-absent open is atomic at the filesystem level; a lock older
// than the staleness window is treated as abandoned by a crashed owner and
// reclaimed, so election always makes forward progress.
type LockFile struct {
	path       string
	staleAfter time.Duration

	now func() time.Time
}

// NewLockFile returns a lock at path with the given reclamation window.
func NewLockFile(path string, staleAfter time.Duration) *LockFile {
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &LockFile{path: path, staleAfter: staleAfter, now: time.Now}
}

// TryAcquire attempts to take the lock. It returns true when this process
// now holds it, false when a live owner does, and an error only for
// filesystem failures.
func (l *LockFile) TryAcquire() (bool, error) {
	held, err := l.create()
	if err != nil || held {
		return held, err
	}

	stale, err := l.staleLock()
	if err != nil {
		if os.IsNotExist(err) {
			// Owner released between our create and stat.
			return l.create()
		}
		return false, fmt.Errorf("stat lock file: %w", err)
	}
	if !stale {
		return false, nil
	}

	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove stale lock file: %w", err)
	}
	return l.create()
}

// Release removes the lock file. A missing file is not an error; the stale
// reclamation path may already have removed it.
func (l *LockFile) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

func (l *LockFile) create() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	host, _ := os.Hostname()
	fmt.Fprintf(f, "%d %s %s\n", os.Getpid(), host, l.now().UTC().Format(time.RFC3339))
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close lock file: %w", err)
	}
	return true, nil
}

func (l *LockFile) staleLock() (bool, error) {
	info, err := os.Stat(l.path)
	if err != nil {
		return false, err
	}
	return l.now().Sub(info.ModTime()) > l.staleAfter, nil
}
