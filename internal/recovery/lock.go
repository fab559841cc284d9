package recovery

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLockHeld is returned when a live process owns the lock file.
var ErrLockHeld = errors.New("instance lock held by another process")

// Lock is the single-instance advisory lock: a file holding the owner pid.
type Lock struct {
	path string
	pid  int
}

// AcquireLock creates path with this process id. A lock left by a dead
// process is removed and retaken once; a live owner yields ErrLockHeld.
func AcquireLock(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	pid := os.Getpid()
	for attempt := 0; attempt < 2; attempt++ {
		err := createLockFile(path, pid)
		if err == nil {
			return &Lock{path: path, pid: pid}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create lock file: %w", err)
		}
		owner, err := ReadLockOwner(path)
		if err != nil {
			return nil, err
		}
		if owner == pid {
			return &Lock{path: path, pid: pid}, nil
		}
		if owner > 0 && processAlive(owner) {
			return nil, fmt.Errorf("%w: pid %d (%s)", ErrLockHeld, owner, path)
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale lock: %w", err)
		}
	}
	return nil, fmt.Errorf("%w: lost race for %s", ErrLockHeld, path)
}

func createLockFile(path string, pid int) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(pid) + "\n"); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// ReadLockOwner returns the pid recorded in path, or 0 when the file is
// empty or unreadable as a number.
func ReadLockOwner(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read lock file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}

// LockHolder reports the live process holding path. A missing file or a
// dead owner reads as not held.
func LockHolder(path string) (int, bool) {
	pid, err := ReadLockOwner(path)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processAlive(pid)
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Release removes the lock file if this process still owns it.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	owner, err := ReadLockOwner(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if owner != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
