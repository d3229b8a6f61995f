package store

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kjk/ezdb/dirlock"
	"github.com/kjk/ezdb/filepair"
	"github.com/kjk/ezdb/log"
	"github.com/kjk/ezdb/slot"
	"github.com/rs/xid"
)

// DefaultDir is used when Options.Dir is not set
const DefaultDir = "./db"

var (
	ErrClosed        = errors.New("store is closed")
	ErrTxDone        = errors.New("transaction has already finished")
	ErrIDField       = errors.New("'id' can't be updated")
	ErrDuplicateID   = errors.New("generated id already exists")
	ErrUnknownField  = errors.New("record has no such field")
	ErrPatchConflict = errors.New("patch sets the same field twice")
)

// Record is a stored value and its id
type Record[T any] = slot.Record[T]

// Fields is a set of field values, keyed by JSON field name.
// Used as equality filter in Find and as a patch in Update.
type Fields map[string]any

type Options struct {
	// directory for store files, created if doesn't exist
	// DefaultDir if empty
	Dir string
	// generates ids for new records. NewUUID if nil
	NewID func() string
	// if true, doesn't take <name>.lock. Opening the same store
	// twice is then not detected and will lose data
	NoLock bool
}

// NewUUID returns a random UUID e.g. "f47ac10b-58cc-4372-a567-0e02b2c3d479"
func NewUUID() string {
	return uuid.NewString()
}

// NewXID returns a globally unique, time-sortable 20 char id
// e.g. "9m4e2mr0ui3e8a215n4g"
func NewXID() string {
	return xid.New().String()
}

// Store is a file-backed collection of records of type T
type Store[T any] struct {
	Name string
	Dir  string

	pair  *filepair.Pair
	lock  *dirlock.Lock
	newID func() string

	// guards everything below and the files
	mu     sync.Mutex
	st     state
	closed bool
}

func validateName(name string) error {
	if name == "" {
		return errors.New("store name is empty")
	}
	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid store name '%s'", name)
	}
	return nil
}

// checkWritable fails if we can't create files in dir
func checkWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".ezdb-probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// Open opens store name, loading existing records from files in opts.Dir.
// opts can be nil.
func Open[T any](name string, opts *Options) (*Store[T], error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Dir == "" {
		o.Dir = DefaultDir
	}
	if o.NewID == nil {
		o.NewID = NewUUID
	}

	if err := os.MkdirAll(o.Dir, 0755); err != nil {
		return nil, err
	}
	if err := checkWritable(o.Dir); err != nil {
		return nil, fmt.Errorf("directory '%s' is not writable: %w", o.Dir, err)
	}

	s := &Store[T]{
		Name:  name,
		Dir:   o.Dir,
		pair:  filepair.New(o.Dir, name),
		newID: o.NewID,
		st:    newState(),
	}
	if !o.NoLock {
		lock, err := dirlock.Acquire(o.Dir, name)
		if err != nil {
			return nil, err
		}
		s.lock = lock
	}

	timeStart := time.Now()
	if err := s.load(); err != nil {
		_ = s.lock.Release()
		return nil, err
	}
	log.Verbosef("ezdb: opened '%s' with %d records in %s\n", s.pair.DataPath, len(s.st.ids), time.Since(timeStart))
	return s, nil
}

func (s *Store[T]) load() error {
	slots, err := s.pair.Load()
	if err != nil {
		return err
	}
	// validates ids and that every slot decodes as T
	if _, err = filepair.DecodeRecords[T](slots); err != nil {
		return fmt.Errorf("%s: %w", s.pair.DataPath, err)
	}
	for _, sl := range slots {
		fields, err := slot.Fields(sl.Data)
		if err != nil {
			return err
		}
		s.st.entries[sl.ID] = &entry{slot: sl.Data, fields: fields}
		s.st.ids = append(s.st.ids, sl.ID)
	}
	return nil
}

// Close releases the lock on store files. After Close all operations
// fail with ErrClosed or return no results.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.st = newState()
	return s.lock.Release()
}

// mutate runs fn with the lock held and saves the store if fn changed it.
// If fn or saving fails, in-memory state is rolled back so that it
// matches the files.
func (s *Store[T]) mutate(fn func() (bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	snap := s.st.snapshot()
	changed, err := fn()
	if err == nil && changed {
		err = s.saveLocked()
		if err != nil {
			log.Errorf("ezdb: %s\n", err)
		}
	}
	if err != nil {
		s.st = snap
		return false, err
	}
	return changed, nil
}

// Insert adds v as a new record with a generated id
func (s *Store[T]) Insert(v T) (Record[T], error) {
	var rec Record[T]
	_, err := s.mutate(func() (bool, error) {
		var err error
		rec, err = s.insertLocked(v)
		return err == nil, err
	})
	if err != nil {
		return Record[T]{}, err
	}
	log.Event("ezdb.insert", "store", s.Name, "id", rec.ID)
	return rec, nil
}

// Find returns records whose fields are equal to all values in q,
// in insertion order. Empty q matches all records.
func (s *Store[T]) Find(q Fields) ([]Record[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findLocked(q)
}

// FindByID returns a record with a given id
func (s *Store[T]) FindByID(id string) (Record[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findByIDLocked(id)
}

// GetAll returns all records, in insertion order
func (s *Store[T]) GetAll() []Record[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAllLocked()
}

// Len returns number of records
func (s *Store[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.st.ids)
}

// Update sets fields of record id to values in patch. Patch keys are JSON
// field names, matched case-insensitively like encoding/json does.
// Fields not in patch keep their stored value exactly.
// Returns false if there's no record with this id.
func (s *Store[T]) Update(id string, patch Fields) (bool, error) {
	ok, err := s.mutate(func() (bool, error) {
		return s.updateLocked(id, patch)
	})
	if ok {
		log.Event("ezdb.update", "store", s.Name, "id", id)
	}
	return ok, err
}

// UpdateFunc calls fn with a copy of record id and stores the result.
// Returns false if there's no record with this id.
func (s *Store[T]) UpdateFunc(id string, fn func(v *T)) (bool, error) {
	ok, err := s.mutate(func() (bool, error) {
		return s.updateFuncLocked(id, fn)
	})
	if ok {
		log.Event("ezdb.update", "store", s.Name, "id", id)
	}
	return ok, err
}

// Delete deletes record id. Returns false if there's no record with this id.
func (s *Store[T]) Delete(id string) (bool, error) {
	ok, err := s.mutate(func() (bool, error) {
		return s.deleteLocked(id), nil
	})
	if ok {
		log.Event("ezdb.delete", "store", s.Name, "id", id)
	}
	return ok, err
}

// Clear deletes all records
func (s *Store[T]) Clear() error {
	_, err := s.mutate(func() (bool, error) {
		s.clearLocked()
		return true, nil
	})
	if err == nil {
		log.Event("ezdb.clear", "store", s.Name)
	}
	return err
}
