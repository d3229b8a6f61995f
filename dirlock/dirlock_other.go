//go:build !(linux || darwin || freebsd || openbsd || netbsd || dragonfly)

package dirlock

import (
	"fmt"
	"os"
)

// exclusive create: if the file exists, the store is in use.
// A crashed process leaves a stale lock file that has to be removed by hand.
func lockFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: '%s'", ErrLocked, path)
		}
		return nil, fmt.Errorf("unable to create lock file: %w", err)
	}
	return f, nil
}

func unlockFile(f *os.File) error {
	name := f.Name()
	errClose := f.Close()
	err := os.Remove(name)
	if errClose != nil {
		return errClose
	}
	return err
}
