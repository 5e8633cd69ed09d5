// Package lockfile guards the data directory so only one runtime process
// owns its SQLite files and disk blobs at a time.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyLocked indicates the lock is held by another process.
var ErrAlreadyLocked = errors.New("lock already held")

// FileName is the lock file created inside a data directory.
const FileName = "sera-runtime.lock"

type Lock struct {
	path string
	f    *os.File
}

// AcquireDir creates dir if needed and takes the exclusive lock inside it.
// When another process holds it, the returned error wraps ErrAlreadyLocked
// and names the holder's pid when known.
func AcquireDir(dir string) (*Lock, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("data dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, FileName)
	l, err := Acquire(path)
	if errors.Is(err, ErrAlreadyLocked) {
		if pid, ok := HolderPID(path); ok {
			return nil, fmt.Errorf("%s: %w by pid %d", dir, ErrAlreadyLocked, pid)
		}
		return nil, fmt.Errorf("%s: %w", dir, ErrAlreadyLocked)
	}
	return l, err
}

func Acquire(path string) (*Lock, error) {
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}

	// Record the owner pid for HolderPID.
	_ = f.Truncate(0)
	_, _ = f.Seek(0, 0)
	_, _ = fmt.Fprintf(f, "%d\n", os.Getpid())
	_ = f.Sync()

	return &Lock{path: path, f: f}, nil
}

// HolderPID reads the pid recorded by the current (or last) holder.
func HolderPID(path string) (int, bool) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func (l *Lock) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	unlockErr := unlockFile(l.f)
	closeErr := l.f.Close()
	l.f = nil
	if unlockErr != nil {
		return unlockErr
	}
	return closeErr
}
