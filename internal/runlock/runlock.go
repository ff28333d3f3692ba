// Package runlock implements the orchestrator's file-based mutual
// exclusion: an advisory, non-blocking, exclusive lock per lock path, with
// an in-process re-entry guard and PID+timestamp metadata for diagnostics.
package runlock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ErrLockBusy is returned when another live process (or this process, via
// the in-process guard) already holds the lock path.
var ErrLockBusy = errors.New("lock_busy")

// Lock represents a held advisory lock; callers must call Release exactly
// once, on every exit path (including error paths after Acquire partially
// succeeds).
type Lock struct {
	path   string
	file   *os.File
	fallback bool
}

var (
	guardMu sync.Mutex
	guard   = map[string]struct{}{}
)

// Acquire takes an exclusive, non-blocking lock on path. It first claims an
// in-process guard for path (preventing the same process from re-entering
// the same lock, since ownership is single-threaded within the process),
// then attempts an OS-level advisory lock via unix.Flock. If the platform's
// flock is unavailable, it falls back to O_CREATE|O_EXCL exclusive-create
// semantics with unlink-on-release.
func Acquire(path string) (*Lock, error) {
	guardMu.Lock()
	if _, held := guard[path]; held {
		guardMu.Unlock()
		return nil, fmt.Errorf("%w: %s already held by this process", ErrLockBusy, path)
	}
	guard[path] = struct{}{}
	guardMu.Unlock()

	l, err := acquireOS(path)
	if err != nil {
		guardMu.Lock()
		delete(guard, path)
		guardMu.Unlock()
		return nil, err
	}
	return l, nil
}

func acquireOS(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s held by another process", ErrLockBusy, path)
		}
		// Platform without advisory flock support: fall back to
		// exclusive-create semantics.
		return acquireFallback(path)
	}

	if err := writeLockMetadata(f); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	return &Lock{path: path, file: f}, nil
}

func acquireFallback(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s held by another process", ErrLockBusy, path)
		}
		return nil, fmt.Errorf("creating fallback lock file %s: %w", path, err)
	}
	if err := writeLockMetadata(f); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return &Lock{path: path, file: f, fallback: true}, nil
}

func writeLockMetadata(f *os.File) error {
	f.Truncate(0)
	f.Seek(0, 0)
	_, err := fmt.Fprintf(f, "pid=%d\nlocked_at=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// Release unlocks and removes the lock file, and clears the in-process
// guard. Safe to call on a nil Lock.
func Release(l *Lock) {
	if l == nil {
		return
	}
	if !l.fallback {
		unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	}
	name := l.file.Name()
	l.file.Close()
	os.Remove(name)

	guardMu.Lock()
	delete(guard, l.path)
	guardMu.Unlock()
}

// ReadMetadata reads {pid, locked_at} from a lock file, best-effort, for
// diagnostics (e.g. orphan recovery PID liveness checks).
func ReadMetadata(path string) (pid int, lockedAt time.Time, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		return 0, time.Time{}, readErr
	}
	var lockedAtStr string
	_, scanErr := fmt.Sscanf(string(data), "pid=%d\nlocked_at=%s", &pid, &lockedAtStr)
	if scanErr != nil {
		return 0, time.Time{}, fmt.Errorf("parsing lock metadata %s: %w", path, scanErr)
	}
	parsed, parseErr := time.Parse(time.RFC3339, lockedAtStr)
	if parseErr != nil {
		return pid, time.Time{}, fmt.Errorf("parsing lock timestamp %s: %w", path, parseErr)
	}
	return pid, parsed, nil
}

// ProcessAlive reports whether pid refers to a live process on this host,
// used by orphan recovery to decide whether a stale marker's owner is dead.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscallSignal0()) == nil
}
