package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"slices"
	"strings"

	"github.com/kjk/ezdb/filepair"
	"github.com/kjk/ezdb/slot"
)

// entry is immutable: updates replace it. That makes snapshots cheap.
type entry struct {
	slot   []byte
	fields map[string]any
}

// state is the authoritative in-memory content of a store.
// ids is in insertion order, which is also the slot order on disk.
type state struct {
	ids     []string
	entries map[string]*entry
}

func newState() state {
	return state{
		entries: map[string]*entry{},
	}
}

func (st *state) snapshot() state {
	res := state{
		ids:     slices.Clone(st.ids),
		entries: make(map[string]*entry, len(st.entries)),
	}
	for id, e := range st.entries {
		res.entries[id] = e
	}
	return res
}

func (st *state) slots() []filepair.Slot {
	res := make([]filepair.Slot, len(st.ids))
	for i, id := range st.ids {
		res[i] = filepair.Slot{ID: id, Data: st.entries[id].slot}
	}
	return res
}

func (st *state) remove(id string) {
	delete(st.entries, id)
	if i := slices.Index(st.ids, id); i >= 0 {
		st.ids = slices.Delete(st.ids, i, i+1)
	}
}

// newEntry encodes v and verifies it decodes back so that reads
// of a stored entry can't fail
func newEntry[T any](id string, v T) (*entry, error) {
	d, err := slot.Encode(id, v)
	if err != nil {
		return nil, err
	}
	if _, err = slot.Decode[T](d); err != nil {
		return nil, err
	}
	fields, err := slot.Fields(d)
	if err != nil {
		return nil, err
	}
	return &entry{slot: d, fields: fields}, nil
}

// decode returns a fresh copy of the record so that callers
// can't modify what's stored
func decode[T any](e *entry) Record[T] {
	rec, err := slot.Decode[T](e.slot)
	// newEntry() and load() guarantee every stored slot decodes
	panicIfErr(err)
	return rec
}

func panicIfErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("store: %s", err))
	}
}

type query map[string]any

func normalizeQuery(q Fields) (query, error) {
	res := make(query, len(q))
	for k, v := range q {
		nv, err := slot.Normalize(v)
		if err != nil {
			return nil, fmt.Errorf("invalid value of '%s' in query: %w", k, err)
		}
		res[k] = nv
	}
	return res, nil
}

func (q query) matches(fields map[string]any) bool {
	for k, v := range q {
		fv, ok := fields[k]
		if !ok || !reflect.DeepEqual(fv, v) {
			return false
		}
	}
	return true
}

// resolvePatch matches patch keys to stored field names the way JSON
// decoding does (exact match first, then case-insensitive) and encodes
// patch values
func resolvePatch(raw map[string]json.RawMessage, patch Fields) (map[string]json.RawMessage, error) {
	res := make(map[string]json.RawMessage, len(patch))
	from := make(map[string]string, len(patch))
	for k, v := range patch {
		if strings.EqualFold(k, slot.IDKey) {
			return nil, ErrIDField
		}
		key := k
		if _, ok := raw[k]; !ok {
			for stored := range raw {
				if strings.EqualFold(stored, k) {
					key = stored
					break
				}
			}
		}
		if prev, dup := from[key]; dup {
			return nil, fmt.Errorf("%w: '%s' and '%s'", ErrPatchConflict, prev, k)
		}
		d, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("invalid value of '%s' in patch: %w", k, err)
		}
		from[key] = k
		res[key] = d
	}
	return res, nil
}

// merge applies patch on top of raw fields and converts the result to T.
// Fields not in patch are decoded from their stored bytes.
func merge[T any](raw map[string]json.RawMessage, patch map[string]json.RawMessage) (T, error) {
	var res T
	m := make(map[string]json.RawMessage, len(raw)+len(patch))
	for k, v := range raw {
		m[k] = v
	}
	for k, v := range patch {
		m[k] = v
	}
	d, err := json.Marshal(m)
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(d, &res)
	return res, err
}

// isEmptyValue is true for JSON values dropped by omitempty
func isEmptyValue(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case bool:
		return !v
	case string:
		return v == ""
	case json.Number:
		return v == "0"
	case []any:
		return len(v) == 0
	case map[string]any:
		return len(v) == 0
	}
	return false
}

// checkApplied fails if a non-empty patch value didn't make it into the
// record, which happens when T has no such field
func checkApplied(fields map[string]any, patch map[string]json.RawMessage) error {
	for k, d := range patch {
		if _, ok := fields[k]; ok {
			continue
		}
		found := false
		for stored := range fields {
			if strings.EqualFold(stored, k) {
				found = true
				break
			}
		}
		if found {
			continue
		}
		v, err := slot.Normalize(d)
		if err != nil || !isEmptyValue(v) {
			return fmt.Errorf("%w: '%s'", ErrUnknownField, k)
		}
	}
	return nil
}

// ops below implement store operations on in-memory state.
// they must be called with s.mu held and don't write to disk.
// the bool result of mutating ops tells if state changed.

func (s *Store[T]) insertLocked(v T) (Record[T], error) {
	var rec Record[T]
	id := s.newID()
	if _, exists := s.st.entries[id]; exists {
		return rec, fmt.Errorf("%w: '%s'", ErrDuplicateID, id)
	}
	e, err := newEntry(id, v)
	if err != nil {
		return rec, err
	}
	s.st.entries[id] = e
	s.st.ids = append(s.st.ids, id)
	return decode[T](e), nil
}

func (s *Store[T]) findLocked(q Fields) ([]Record[T], error) {
	nq, err := normalizeQuery(q)
	if err != nil {
		return nil, err
	}
	var res []Record[T]
	for _, id := range s.st.ids {
		e := s.st.entries[id]
		if nq.matches(e.fields) {
			res = append(res, decode[T](e))
		}
	}
	return res, nil
}

func (s *Store[T]) findByIDLocked(id string) (Record[T], bool) {
	e, ok := s.st.entries[id]
	if !ok {
		return Record[T]{}, false
	}
	return decode[T](e), true
}

func (s *Store[T]) getAllLocked() []Record[T] {
	res := make([]Record[T], 0, len(s.st.ids))
	for _, id := range s.st.ids {
		res = append(res, decode[T](s.st.entries[id]))
	}
	return res
}

func (s *Store[T]) updateLocked(id string, patch Fields) (bool, error) {
	e, ok := s.st.entries[id]
	if !ok {
		// still reject patches that could never be applied
		_, err := resolvePatch(nil, patch)
		return false, err
	}
	raw, err := slot.RawFields(e.slot)
	panicIfErr(err)
	rp, err := resolvePatch(raw, patch)
	if err != nil {
		return false, err
	}
	v, err := merge[T](raw, rp)
	if err != nil {
		return false, fmt.Errorf("update of '%s': %w", id, err)
	}
	ne, err := newEntry(id, v)
	if err != nil {
		return false, err
	}
	if err = checkApplied(ne.fields, rp); err != nil {
		return false, err
	}
	s.st.entries[id] = ne
	return true, nil
}

func (s *Store[T]) updateFuncLocked(id string, fn func(*T)) (bool, error) {
	e, ok := s.st.entries[id]
	if !ok {
		return false, nil
	}
	rec := decode[T](e)
	fn(&rec.Data)
	return s.replaceLocked(id, rec.Data)
}

func (s *Store[T]) replaceLocked(id string, v T) (bool, error) {
	e, err := newEntry(id, v)
	if err != nil {
		return false, err
	}
	s.st.entries[id] = e
	return true, nil
}

func (s *Store[T]) deleteLocked(id string) bool {
	if _, ok := s.st.entries[id]; !ok {
		return false
	}
	s.st.remove(id)
	return true
}

func (s *Store[T]) clearLocked() {
	s.st = newState()
}

func (s *Store[T]) saveLocked() error {
	err := s.pair.Save(s.st.slots())
	if err != nil {
		return fmt.Errorf("saving '%s' failed: %w", s.pair.DataPath, err)
	}
	return nil
}
