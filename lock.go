package chert

import (
	"errors"
	"os"
	"syscall"

	"github.com/gofrs/flock"
)

const lockFileName = "flintlock"

// WriteLock is the filesystem-level exclusive lock a writer must hold for
// its entire lifetime (§5). Readers never take it.
type WriteLock struct {
	fl *flock.Flock
}

func newWriteLock(dir string) *WriteLock {
	return &WriteLock{fl: flock.New(dir + "/" + lockFileName)}
}

// Acquire takes the exclusive lock, classifying failure per §7.
func (wl *WriteLock) Acquire() error {
	ok, err := wl.fl.TryLock()
	if err != nil {
		return &LockError{Path: wl.fl.Path(), Cause: classifyLockErr(err), Err: err}
	}
	if !ok {
		return &LockError{Path: wl.fl.Path(), Cause: LockCauseAlreadyLocked, Err: errors.New("lock held by another process")}
	}
	return nil
}

func (wl *WriteLock) Release() error {
	if !wl.fl.Locked() {
		return nil
	}
	return wl.fl.Unlock()
}

func classifyLockErr(err error) LockCause {
	switch {
	case errors.Is(err, syscall.ENOLCK):
		return LockCauseFSUnsupported
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE):
		return LockCauseFDLimit
	case errors.Is(err, os.ErrPermission):
		return LockCauseAlreadyLocked
	default:
		return LockCauseUnknown
	}
}
