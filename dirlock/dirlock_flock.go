//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package dirlock

import (
	"fmt"
	"os"
	"syscall"
)

// uses flock(2). flock locks belong to the open file description so a
// second open of the same file conflicts even within one process.
// The lock file is left on disk: removing it would race with another
// process that opened it but didn't lock it yet.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("unable to open lock file: %w", err)
	}

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		f.Close()
		if err == syscall.EWOULDBLOCK {
			return nil, fmt.Errorf("%w: '%s'", ErrLocked, path)
		}
		return nil, fmt.Errorf("flock('%s') failed: %w", path, err)
	}
	return f, nil
}

func unlockFile(f *os.File) error {
	err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}
