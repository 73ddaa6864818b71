package chert

import "testing"

func TestWriteLockExcludesSecondAcquirer(t *testing.T) {
	dir := t.TempDir()
	a := newWriteLock(dir)
	if err := a.Acquire(); err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer a.Release()

	b := newWriteLock(dir)
	err := b.Acquire()
	if err == nil {
		t.Fatal("second Acquire on an already-locked directory should fail")
	}
	var lockErr *LockError
	if !asLockError(err, &lockErr) {
		t.Fatalf("got %T, want *LockError", err)
	}
	if lockErr.Cause != LockCauseAlreadyLocked {
		t.Fatalf("got cause %v, want %v", lockErr.Cause, LockCauseAlreadyLocked)
	}
}

func asLockError(err error, target **LockError) bool {
	le, ok := err.(*LockError)
	if !ok {
		return false
	}
	*target = le
	return true
}

func TestWriteLockReacquirableAfterRelease(t *testing.T) {
	dir := t.TempDir()
	a := newWriteLock(dir)
	if err := a.Acquire(); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	b := newWriteLock(dir)
	if err := b.Acquire(); err != nil {
		t.Fatalf("Acquire after Release should succeed: %v", err)
	}
	defer b.Release()
}
