//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireDir_ExclusiveUntilReleased(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "data")
	first, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir: %v", err)
	}
	if first.Path() != filepath.Join(dir, FileName) {
		t.Fatalf("path=%q", first.Path())
	}
	if pid, ok := HolderPID(first.Path()); !ok || pid != os.Getpid() {
		t.Fatalf("holder pid=%d ok=%v, want %d", pid, ok, os.Getpid())
	}

	// flock locks belong to the open file description, so a second open
	// in the same process conflicts just like another process would.
	if _, err := AcquireDir(dir); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second AcquireDir err=%v, want ErrAlreadyLocked", err)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	again, err := AcquireDir(dir)
	if err != nil {
		t.Fatalf("AcquireDir after release: %v", err)
	}
	_ = again.Release()
}

func TestAcquireDir_RejectsEmpty(t *testing.T) {
	t.Parallel()

	if _, err := AcquireDir("  "); err == nil {
		t.Fatalf("empty dir accepted")
	}
	if _, ok := HolderPID(filepath.Join(t.TempDir(), "missing")); ok {
		t.Fatalf("HolderPID reported a pid for a missing file")
	}
}
