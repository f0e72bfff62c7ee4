// Package filelock provides a cross-process advisory lock on a sibling lock
// file plus a write-then-rename atomic writer, used by the State Store and
// Trace Sink to serialize access to their on-disk files.
package filelock

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/natefinch/atomic"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600
)

// Lock represents a held exclusive advisory lock. Callers must not re-enter
// a Lock from the same process; acquisition is not required to be re-entrant
// and doing so will deadlock.
type Lock struct {
	file *os.File
}

// Acquire blocks until an exclusive lock on the sibling "<target>.lock" file
// is held. Parent directories are created lazily with 0o700 permissions.
//
// Acquisition never returns fail(locked): it blocks in the kernel via
// flock(2) until available. There is no native-lock-unavailable fallback on
// the platforms this gateway targets (Linux/macOS), so no sleep-poll
// fallback is implemented.
func Acquire(targetPath string) (*Lock, error) {
	lockPath := targetPath + ".lock"

	if err := os.MkdirAll(filepath.Dir(lockPath), dirPerm); err != nil {
		return nil, fmt.Errorf("filelock: create lock dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("filelock: open lock file: %w", err)
	}

	if err := flockRetryEINTR(int(f.Fd()), syscall.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("filelock: acquire: %w", err)
	}

	return &Lock{file: f}, nil
}

// Release unlocks and closes the lock file. It is idempotent.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unlockErr := flockRetryEINTR(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	if unlockErr != nil {
		return fmt.Errorf("filelock: release: %w", unlockErr)
	}
	return closeErr
}

func flockRetryEINTR(fd int, how int) error {
	const maxRetries = 1000
	for i := 0; i < maxRetries; i++ {
		err := syscall.Flock(fd, how)
		if err == nil {
			return nil
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return err
	}
	return fmt.Errorf("flock: exceeded %d EINTR retries", maxRetries)
}

// WriteFile atomically replaces targetPath's contents with data: it writes
// to a temp file in the same directory, fsyncs, and renames over the
// target, so readers never observe a partial write. The caller is
// responsible for holding the path's Lock first.
func WriteFile(targetPath string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerm); err != nil {
		return fmt.Errorf("filelock: create target dir: %w", err)
	}
	if err := atomic.WriteFile(targetPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("filelock: atomic write: %w", err)
	}
	return os.Chmod(targetPath, filePerm)
}

// WithLock acquires the exclusive lock for path, runs fn, and releases the
// lock regardless of whether fn returns an error.
func WithLock(path string, fn func() error) error {
	lk, err := Acquire(path)
	if err != nil {
		return err
	}
	defer lk.Release()
	return fn()
}
