//go:build unix

package fslock

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type flockHandle struct {
	f *os.File
}

func acquire(path string) (handle, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &flockHandle{f: f}, nil
}

func (h *flockHandle) release() error {
	unlockErr := unix.Flock(int(h.f.Fd()), unix.LOCK_UN)
	closeErr := h.f.Close()
	return errors.Join(unlockErr, closeErr)
}
