package store

import (
	"io"

	"github.com/kjk/ezdb/backup"
	"github.com/kjk/ezdb/filepair"
	"github.com/kjk/ezdb/log"
)

// Bundle returns current content of store files
func (s *Store[T]) Bundle() (*backup.Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	idx, bin, err := filepair.Encode(s.st.slots())
	if err != nil {
		return nil, err
	}
	return &backup.Bundle{
		Name:  s.Name,
		Index: idx,
		Data:  bin,
	}, nil
}

// Backup writes a consistent snapshot of the store to w, compressed with c.
// Use backup.Restore to turn it back into store files.
func (s *Store[T]) Backup(w io.Writer, c backup.Codec) error {
	b, err := s.Bundle()
	if err != nil {
		return err
	}
	err = backup.Write(w, c, b)
	if err != nil {
		return err
	}
	log.Event("ezdb.backup", "store", s.Name, "codec", c.String(), "size", len(b.Data))
	return nil
}
