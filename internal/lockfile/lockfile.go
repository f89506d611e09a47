// Package lockfile guards a data directory against concurrent engine
// instances with an exclusively created lock file.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("data directory is locked by another process")

const fileName = "LOCK"

// Lock is a held directory lock. Release it with Release.
type Lock struct {
	path string
}

// Acquire takes the lock for dir. A lock file naming a process that no
// longer exists is treated as stale and replaced.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, fileName)
	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_, werr := fmt.Fprintf(f, "%d\n", os.Getpid())
			if cerr := f.Close(); werr == nil {
				werr = cerr
			}
			if werr != nil {
				os.Remove(path)
				return nil, fmt.Errorf("failed to write lock file %s: %w", path, werr)
			}
			return &Lock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock file %s: %w", path, err)
		}
		if holderAlive(path) {
			return nil, fmt.Errorf("%w (lock file: %s)", ErrLocked, path)
		}
		// Stale lock from a dead process; remove it and retry once.
		if rerr := os.Remove(path); rerr != nil && !os.IsNotExist(rerr) {
			return nil, fmt.Errorf("failed to remove stale lock file %s: %w", path, rerr)
		}
	}
	return nil, fmt.Errorf("%w (lock file: %s)", ErrLocked, path)
}

// Release removes the lock file. Safe to call on a nil lock.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file %s: %w", l.path, err)
	}
	return nil
}

// holderAlive reports whether the pid recorded in the lock file refers to a
// running process. An unreadable or malformed file counts as alive so we
// never break a lock we cannot attribute.
func holderAlive(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return true
	}
	if pid == os.Getpid() {
		return true
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On unix FindProcess always succeeds; signal 0 probes for existence.
	return proc.Signal(syscall.Signal(0)) == nil
}
