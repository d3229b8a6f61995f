package filepair

import (
	"os"
	"path/filepath"
)

// stagedFile is content written to a temp file next to its destination.
// Nothing is visible at the destination until commit() renames it.
// abort() after commit() is a no-op so it can be deferred.
type stagedFile struct {
	dstPath string
	tmpPath string
	done    bool
}

func stageFile(dstPath string, d []byte) (*stagedFile, error) {
	dir, name := filepath.Split(dstPath)
	if dir == "" {
		dir = "."
	}
	f, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return nil, err
	}
	tmpPath := f.Name()
	_, err = f.Write(d)
	// https://www.joeshaw.org/dont-defer-close-on-writable-files/
	errSync := f.Sync()
	errClose := f.Close()
	if err = firstErr(err, errSync, errClose); err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}
	return &stagedFile{
		dstPath: dstPath,
		tmpPath: tmpPath,
	}, nil
}

func (f *stagedFile) commit() error {
	if f.done {
		return nil
	}
	// over-writes dstPath if it exists
	err := os.Rename(f.tmpPath, f.dstPath)
	if err != nil {
		return err
	}
	f.done = true
	syncDir(filepath.Dir(f.dstPath))
	return nil
}

func (f *stagedFile) abort() {
	if f == nil || f.done {
		return
	}
	f.done = true
	_ = os.Remove(f.tmpPath)
}

// for extra protection against crashes, sync directory after rename.
// errors are ignored: nice to have, not must have
func syncDir(dir string) {
	fdir, _ := os.Open(dir)
	if fdir != nil {
		_ = fdir.Sync()
		_ = fdir.Close()
	}
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
