// Package filelock implements advisory, cross-process exclusive locking
// over a path using flock(2): a lock file per protected resource, opened
// O_CREATE, with the OS releasing the lock automatically on process death.
//
// The lock file is never removed on Unlock — its existence is not the
// signal, the kernel's advisory lock state is.
package filelock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by TryLock when another process already holds
// the lock.
var ErrWouldBlock = errors.New("filelock: already held")

// Lock represents one process's handle on an advisory lock file. It is not
// safe for concurrent use by multiple goroutines; callers coordinate their
// own serialization before calling Lock/TryLock.
type Lock struct {
	path string
	f    *os.File
}

// New returns a Lock bound to path. The lock file is created lazily on the
// first Lock/TryLock call, not by New.
func New(path string) *Lock {
	return &Lock{path: path}
}

// Lock blocks until the exclusive lock is acquired.
func (l *Lock) Lock() error {
	if err := l.open(); err != nil {
		return err
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX); err != nil {
		l.f.Close()
		l.f = nil
		return fmt.Errorf("flock %s: %w", l.path, err)
	}
	return nil
}

// TryLock attempts to acquire the lock without blocking. It returns
// ErrWouldBlock (not a generic error) if another process already holds it,
// so callers can distinguish "would block" from a genuine I/O failure.
func (l *Lock) TryLock() error {
	if err := l.open(); err != nil {
		return err
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == nil {
		return nil
	}
	l.f.Close()
	l.f = nil
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrWouldBlock
	}
	return fmt.Errorf("flock %s: %w", l.path, err)
}

// Unlock releases the lock and closes the underlying file descriptor. It is
// a no-op if the lock is not currently held by this Lock value.
func (l *Lock) Unlock() error {
	if l.f == nil {
		return nil
	}
	// Closing the fd releases the flock; no separate unlock syscall is
	// needed, and this is also what happens automatically if the process
	// dies holding the lock.
	err := l.f.Close()
	l.f = nil
	return err
}

func (l *Lock) open() error {
	if l.f != nil {
		return nil
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("open lock file %s: %w", l.path, err)
	}
	l.f = f
	return nil
}
