// Package fslock guards a directory tree against concurrent bundle runs.
package fslock

import "errors"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("lock is held by another process")

// Lock is an exclusive advisory lock backed by a file.
type Lock struct {
	path string
	h    handle
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Acquire takes the lock at path without blocking. The lock file is created
// if needed and is left in place on Release.
func Acquire(path string) (*Lock, error) {
	h, err := acquire(path)
	if err != nil {
		return nil, err
	}
	return &Lock{path: path, h: h}, nil
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.h == nil {
		return nil
	}
	err := l.h.release()
	l.h = nil
	return err
}

type handle interface {
	release() error
}
