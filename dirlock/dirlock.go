// Package dirlock prevents two stores from using the same files at the same
// time, in the same or in different processes.
//
// The lock is a file <dir>/<name>.lock. The returned *Lock must stay
// alive (not closed) for as long as the store files are in use.
package dirlock

import (
	"errors"
	"os"
	"path/filepath"
)

// LockExt is extension of the lock file
const LockExt = ".lock"

var ErrLocked = errors.New("store is already opened by another instance")

type Lock struct {
	f    *os.File
	path string
}

// Path returns path of the lock file
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes an exclusive lock for store name in dir. Doesn't block:
// if the lock is taken, returns an error wrapping ErrLocked.
func Acquire(dir string, name string) (*Lock, error) {
	path := filepath.Join(dir, name+LockExt)
	f, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	return &Lock{f: f, path: path}, nil
}

// Release releases the lock. It's safe to call multiple times
// and on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	return unlockFile(f)
}
