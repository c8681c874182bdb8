//go:build unix

package lockfile

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestSharedLocksCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbor.db.lock")

	a, err := Acquire(path, false, 0)
	if err != nil {
		t.Fatalf("first shared lock: %v", err)
	}
	defer a.Release()

	b, err := Acquire(path, false, 0)
	if err != nil {
		t.Fatalf("second shared lock: %v", err)
	}
	defer b.Release()
}

func TestExclusiveExcludesShared(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbor.db.lock")

	shared, err := Acquire(path, false, 0)
	if err != nil {
		t.Fatalf("shared lock: %v", err)
	}

	start := time.Now()
	_, err = Acquire(path, true, 120*time.Millisecond)
	if !errors.Is(err, ErrLockBusy) {
		t.Fatalf("expected ErrLockBusy, got %v", err)
	}
	if time.Since(start) < 100*time.Millisecond {
		t.Errorf("Acquire gave up before the timeout")
	}

	shared.Release()
	excl, err := Acquire(path, true, 0)
	if err != nil {
		t.Fatalf("exclusive lock after release: %v", err)
	}
	if !excl.Exclusive() {
		t.Errorf("expected exclusive lock")
	}
	excl.Release()
	excl.Release() // idempotent
}

func TestPathFor(t *testing.T) {
	if got := PathFor("/tmp/x/arbor.db"); got != "/tmp/x/arbor.db.lock" {
		t.Errorf("PathFor = %q", got)
	}
}
