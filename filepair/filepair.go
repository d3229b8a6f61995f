// Package filepair stores a list of fixed-size slots as two files:
//
//   - <name>.bin: concatenation of slot.Size byte slots
//   - <name>.idx: JSON array of {"id": ...}, one entry per slot, same order
//
// Entry i of the index describes bytes [i*slot.Size, (i+1)*slot.Size) of the
// data file. Save always rewrites both files in full.
package filepair

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kjk/ezdb/slot"

	"github.com/tidwall/pretty"
)

const (
	IndexExt = ".idx"
	DataExt  = ".bin"
)

// ErrCorrupt is returned when index and data files don't agree
// or can't be parsed
var ErrCorrupt = errors.New("corrupt store files")

// Slot is an encoded record and the identifier recorded for it in the index
type Slot struct {
	ID   string
	Data []byte
}

type indexEntry struct {
	ID string `json:"id"`
}

// Pair is the index and data file of a store named Name in directory Dir
type Pair struct {
	Dir  string
	Name string

	IndexPath string
	DataPath  string
}

func New(dir string, name string) *Pair {
	return &Pair{
		Dir:       dir,
		Name:      name,
		IndexPath: filepath.Join(dir, name+IndexExt),
		DataPath:  filepath.Join(dir, name+DataExt),
	}
}

// Encode returns content of index and data files for slots
func Encode(slots []Slot) ([]byte, []byte, error) {
	index := make([]indexEntry, len(slots))
	bin := make([]byte, 0, len(slots)*slot.Size)
	for i, s := range slots {
		if s.ID == "" {
			return nil, nil, fmt.Errorf("slot %d: empty id", i)
		}
		if len(s.Data) != slot.Size {
			return nil, nil, fmt.Errorf("slot %d ('%s'): size is %d, must be %d", i, s.ID, len(s.Data), slot.Size)
		}
		index[i].ID = s.ID
		bin = append(bin, s.Data...)
	}
	idx, err := json.Marshal(index)
	if err != nil {
		return nil, nil, err
	}
	return pretty.Pretty(idx), bin, nil
}

// Decode is the inverse of Encode.
// Returned slots point into bin.
func Decode(idx []byte, bin []byte) ([]Slot, error) {
	var index []indexEntry
	if err := json.Unmarshal(idx, &index); err != nil {
		return nil, fmt.Errorf("%w: invalid index: %w", ErrCorrupt, err)
	}
	n := len(index)
	if len(bin) != n*slot.Size {
		return nil, fmt.Errorf("%w: index has %d entries, data file is %d bytes, expected %d", ErrCorrupt, n, len(bin), n*slot.Size)
	}
	res := make([]Slot, n)
	for i, e := range index {
		if e.ID == "" {
			return nil, fmt.Errorf("%w: index entry %d has no id", ErrCorrupt, i)
		}
		off := i * slot.Size
		res[i] = Slot{
			ID:   e.ID,
			Data: bin[off : off+slot.Size : off+slot.Size],
		}
	}
	return res, nil
}

func readFileIfExists(path string) ([]byte, bool, error) {
	d, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return d, true, nil
}

// Exists returns true if both files exist
func (p *Pair) Exists() bool {
	_, err1 := os.Stat(p.IndexPath)
	_, err2 := os.Stat(p.DataPath)
	return err1 == nil && err2 == nil
}

// Load reads slots from disk. If either file doesn't exist, returns no slots.
func (p *Pair) Load() ([]Slot, error) {
	idx, ok1, err := readFileIfExists(p.IndexPath)
	if err != nil {
		return nil, err
	}
	bin, ok2, err := readFileIfExists(p.DataPath)
	if err != nil {
		return nil, err
	}
	if !ok1 || !ok2 {
		return nil, nil
	}
	slots, err := Decode(idx, bin)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.IndexPath, err)
	}
	return slots, nil
}

// Save over-writes both files with slots.
// Each file is written to a temp file and renamed over the destination,
// data file first.
func (p *Pair) Save(slots []Slot) error {
	idx, bin, err := Encode(slots)
	if err != nil {
		return err
	}
	return p.WriteRaw(idx, bin)
}

// OldExt is appended to the data file path to keep the previous data file
// while the index is being replaced
const OldExt = ".old"

// WriteRaw writes already encoded index and data files.
// If the index can't be replaced after the data file was, the previous
// data file is put back so that the files on disk stay a matching pair.
func (p *Pair) WriteRaw(idx []byte, bin []byte) error {
	fData, err := stageFile(p.DataPath, bin)
	if err != nil {
		return err
	}
	defer fData.abort()
	fIdx, err := stageFile(p.IndexPath, idx)
	if err != nil {
		return err
	}
	defer fIdx.abort()

	oldPath, err := keepOld(p.DataPath)
	if err != nil {
		return err
	}
	if err = fData.commit(); err != nil {
		removeOld(oldPath)
		return err
	}
	if err = fIdx.commit(); err != nil {
		if errRestore := restoreOld(oldPath, p.DataPath); errRestore != nil {
			return fmt.Errorf("%w (restoring '%s' also failed: %w)", err, p.DataPath, errRestore)
		}
		return err
	}
	removeOld(oldPath)
	return nil
}

// keepOld makes path+OldExt refer to current content of path, without
// removing path. Returns "" if path doesn't exist.
func keepOld(path string) (string, error) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	if !st.Mode().IsRegular() {
		// rename over it will fail, nothing to keep
		return "", nil
	}
	oldPath := path + OldExt
	// left over from a crash
	if err = os.Remove(oldPath); err != nil && !os.IsNotExist(err) {
		return "", err
	}
	if err = os.Link(path, oldPath); err == nil {
		return oldPath, nil
	}
	// file system without hard links
	d, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f, err := stageFile(oldPath, d)
	if err != nil {
		return "", err
	}
	if err = f.commit(); err != nil {
		f.abort()
		return "", err
	}
	return oldPath, nil
}

// restoreOld undoes a committed data file. With no previous file
// the new one is removed.
func restoreOld(oldPath string, path string) error {
	if oldPath == "" {
		return os.Remove(path)
	}
	err := os.Rename(oldPath, path)
	if err == nil {
		syncDir(filepath.Dir(path))
	}
	return err
}

func removeOld(oldPath string) {
	if oldPath != "" {
		_ = os.Remove(oldPath)
	}
}

// Remove deletes both files. Missing files are not an error.
func (p *Pair) Remove() error {
	err1 := os.Remove(p.IndexPath)
	if os.IsNotExist(err1) {
		err1 = nil
	}
	err2 := os.Remove(p.DataPath)
	if os.IsNotExist(err2) {
		err2 = nil
	}
	return firstErr(err1, err2)
}

// LoadRecords loads and decodes all records. The identifier recorded in the
// index must match the one embedded in the slot and identifiers must be unique.
func LoadRecords[T any](p *Pair) ([]slot.Record[T], error) {
	slots, err := p.Load()
	if err != nil {
		return nil, err
	}
	return DecodeRecords[T](slots)
}

// DecodeRecords decodes slots, cross-checking identifiers
func DecodeRecords[T any](slots []Slot) ([]slot.Record[T], error) {
	res := make([]slot.Record[T], 0, len(slots))
	seen := make(map[string]struct{}, len(slots))
	for i, s := range slots {
		rec, err := slot.Decode[T](s.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d: %w", ErrCorrupt, i, err)
		}
		if rec.ID != s.ID {
			return nil, fmt.Errorf("%w: slot %d: index id '%s' doesn't match record id '%s'", ErrCorrupt, i, s.ID, rec.ID)
		}
		if _, dup := seen[rec.ID]; dup {
			return nil, fmt.Errorf("%w: slot %d: duplicate id '%s'", ErrCorrupt, i, rec.ID)
		}
		seen[rec.ID] = struct{}{}
		res = append(res, rec)
	}
	return res, nil
}
