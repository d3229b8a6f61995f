package store

import (
	"time"

	"github.com/kjk/ezdb/log"
)

// Tx gives access to a store inside Transaction. Changes are only
// written to disk when the transaction function returns nil.
// A Tx must not be used after the function returns or from
// other goroutines. The store is locked for the duration of the
// transaction: calling Store methods from inside it deadlocks.
type Tx[T any] struct {
	s       *Store[T]
	done    bool
	changed bool
}

func (tx *Tx[T]) mutated(changed bool, err error) (bool, error) {
	if err == nil && changed {
		tx.changed = true
	}
	return changed, err
}

func (tx *Tx[T]) Insert(v T) (Record[T], error) {
	if tx.done {
		return Record[T]{}, ErrTxDone
	}
	rec, err := tx.s.insertLocked(v)
	tx.mutated(err == nil, err)
	return rec, err
}

func (tx *Tx[T]) Find(q Fields) ([]Record[T], error) {
	if tx.done {
		return nil, ErrTxDone
	}
	return tx.s.findLocked(q)
}

// FindByID returns false if record doesn't exist or tx is done
func (tx *Tx[T]) FindByID(id string) (Record[T], bool) {
	if tx.done {
		return Record[T]{}, false
	}
	return tx.s.findByIDLocked(id)
}

// GetAll returns nil if tx is done
func (tx *Tx[T]) GetAll() []Record[T] {
	if tx.done {
		return nil
	}
	return tx.s.getAllLocked()
}

func (tx *Tx[T]) Len() int {
	if tx.done {
		return 0
	}
	return len(tx.s.st.ids)
}

func (tx *Tx[T]) Update(id string, patch Fields) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	return tx.mutated(tx.s.updateLocked(id, patch))
}

func (tx *Tx[T]) UpdateFunc(id string, fn func(v *T)) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	return tx.mutated(tx.s.updateFuncLocked(id, fn))
}

func (tx *Tx[T]) Delete(id string) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	return tx.mutated(tx.s.deleteLocked(id), nil)
}

func (tx *Tx[T]) Clear() error {
	if tx.done {
		return ErrTxDone
	}
	tx.s.clearLocked()
	tx.mutated(true, nil)
	return nil
}

// Transaction runs fn with exclusive access to the store.
// If fn returns nil, changes made through tx are saved to disk
// (once, at the end). If fn returns an error or panics, the store is
// restored to the state before the transaction and nothing is written.
func (s *Store[T]) Transaction(fn func(tx *Tx[T]) error) error {
	_, err := Transact(s, func(tx *Tx[T]) (struct{}, error) {
		return struct{}{}, fn(tx)
	})
	return err
}

// Transact is Transaction for functions that return a value.
// On failure it returns zero value of R.
func Transact[T any, R any](s *Store[T], fn func(tx *Tx[T]) (R, error)) (R, error) {
	var zero R
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return zero, ErrClosed
	}

	timeStart := time.Now()
	snap := s.st.snapshot()
	tx := &Tx[T]{s: s}
	committed := false
	// also runs on panic in fn, before the panic continues
	defer func() {
		tx.done = true
		if !committed {
			s.st = snap
		}
	}()

	res, err := fn(tx)
	if err != nil {
		return zero, err
	}
	if tx.changed {
		if err = s.saveLocked(); err != nil {
			log.Errorf("ezdb: transaction: %s\n", err)
			return zero, err
		}
	}
	committed = true
	log.EventWithDuration("ezdb.tx", time.Since(timeStart), "store", s.Name, "changed", tx.changed)
	return res, nil
}
