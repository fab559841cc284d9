package recovery

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestAcquireLock_WritesPidAndReleases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "foreman.lock")
	l, err := AcquireLock(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if owner, _ := ReadLockOwner(path); owner != os.Getpid() {
		t.Fatalf("lock owner = %d, want %d", owner, os.Getpid())
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("lock file should be gone, stat err %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("second release should be a no-op: %v", err)
	}
}

func TestAcquireLock_LiveOwnerBlocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.lock")
	parent := os.Getppid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(parent)), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := AcquireLock(path); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld for live pid %d, got %v", parent, err)
	}
	if owner, _ := ReadLockOwner(path); owner != parent {
		t.Fatalf("a held lock must not be touched, owner now %d", owner)
	}
}

func TestAcquireLock_ClearsStaleLock(t *testing.T) {
	for name, content := range map[string]string{
		"dead pid": "999999999\n",
		"garbage":  "not-a-pid",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "foreman.lock")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			l, err := AcquireLock(path)
			if err != nil {
				t.Fatalf("stale lock should be cleared: %v", err)
			}
			defer l.Release()
			if owner, _ := ReadLockOwner(path); owner != os.Getpid() {
				t.Fatalf("lock owner = %d, want %d", owner, os.Getpid())
			}
		})
	}
}

func TestRelease_LeavesForeignLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.lock")
	l, err := AcquireLock(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("another owner's lock must survive release: %v", err)
	}
}

func TestLockHolder(t *testing.T) {
	dir := t.TempDir()
	if _, held := LockHolder(filepath.Join(dir, "missing.lock")); held {
		t.Fatal("missing lock file reported as held")
	}

	path := filepath.Join(dir, "foreman.lock")
	l, err := AcquireLock(path)
	if err != nil {
		t.Fatal(err)
	}
	if pid, held := LockHolder(path); !held || pid != os.Getpid() {
		t.Fatalf("LockHolder = %d, %v; want own pid held", pid, held)
	}
	_ = l.Release()

	if err := os.WriteFile(path, []byte("999999999"), 0o644); err != nil {
		t.Fatal(err)
	}
	if pid, held := LockHolder(path); held {
		t.Fatalf("dead pid %d reported as held", pid)
	}
}
