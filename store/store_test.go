package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alecthomas/assert"
	"github.com/davecgh/go-spew/spew"
	"github.com/kjk/ezdb/dirlock"
	"github.com/kjk/ezdb/filepair"
	"github.com/kjk/ezdb/log"
	"github.com/kjk/ezdb/require"
	"github.com/kjk/ezdb/slot"
)

type User struct {
	Name string   `json:"name"`
	Age  int      `json:"age"`
	Tags []string `json:"tags,omitempty"`
}

func TestMain(m *testing.M) {
	// failed saves are logged with a callstack
	log.Output = io.Discard
	os.Exit(m.Run())
}

func openTestStore(t *testing.T, dir string) *Store[User] {
	s, err := Open[User]("users", &Options{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func reopen(t *testing.T, s *Store[User]) *Store[User] {
	require.NoError(t, s.Close())
	return openTestStore(t, s.Dir)
}

func names(recs []Record[User]) []string {
	var res []string
	for _, r := range recs {
		res = append(res, r.Data.Name)
	}
	return res
}

func assertFiles(t *testing.T, dir string, nRecords int) {
	p := filepair.New(dir, "users")
	st, err := os.Stat(p.DataPath)
	require.NoError(t, err)
	assert.Equal(t, int64(nRecords*slot.Size), st.Size())
	d, err := os.ReadFile(p.IndexPath)
	require.NoError(t, err)
	var index []map[string]string
	require.NoError(t, json.Unmarshal(d, &index))
	assert.Equal(t, nRecords, len(index))
}

func TestScenario(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)

	alice, err := s.Insert(User{Name: "Alice", Age: 25})
	require.NoError(t, err)
	assert.NotEqual(t, "", alice.ID)
	assert.Equal(t, User{Name: "Alice", Age: 25}, alice.Data)

	bob, err := s.Insert(User{Name: "Bob", Age: 30})
	require.NoError(t, err)
	require.Len(t, s.GetAll(), 2)
	assertFiles(t, dir, 2)

	ok, err := s.Update(bob.ID, Fields{"age": 31})
	require.NoError(t, err)
	require.True(t, ok)
	got, ok := s.FindByID(bob.ID)
	require.True(t, ok)
	assert.Equal(t, 31, got.Data.Age)
	assert.Equal(t, "Bob", got.Data.Name)

	ok, err = s.Delete(alice.ID)
	require.NoError(t, err)
	require.True(t, ok)
	all := s.GetAll()
	require.Len(t, all, 1, spew.Sdump(all))
	assert.Equal(t, Record[User]{ID: bob.ID, Data: User{Name: "Bob", Age: 31}}, all[0])
	assertFiles(t, dir, 1)

	require.NoError(t, s.Clear())
	assert.Equal(t, 0, len(s.GetAll()))
	assertFiles(t, dir, 0)
}

func TestPersistence(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	var exp []Record[User]
	for i := 0; i < 20; i++ {
		rec, err := s.Insert(User{Name: fmt.Sprintf("user %d", i), Age: i, Tags: []string{"t"}})
		require.NoError(t, err)
		exp = append(exp, rec)
	}
	_, err := s.Delete(exp[3].ID)
	require.NoError(t, err)
	exp = append(exp[:3], exp[4:]...)
	_, err = s.Update(exp[0].ID, Fields{"name": "renamed"})
	require.NoError(t, err)
	exp[0].Data.Name = "renamed"

	s = reopen(t, s)
	assert.Equal(t, exp, s.GetAll())
	assert.Equal(t, len(exp), s.Len())
}

func TestUniqueIDs(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		rec, err := s.Insert(User{Name: "same"})
		require.NoError(t, err)
		require.False(t, seen[rec.ID], "duplicate id %s", rec.ID)
		seen[rec.ID] = true
	}
}

func TestFind(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	for _, u := range []User{
		{Name: "Eve", Age: 28},
		{Name: "Mallory", Age: 35},
		{Name: "Eve", Age: 35},
		{Name: "Trent", Age: 28, Tags: []string{"admin"}},
	} {
		_, err := s.Insert(u)
		require.NoError(t, err)
	}

	tests := []struct {
		q   Fields
		exp []string
	}{
		{Fields{}, []string{"Eve", "Mallory", "Eve", "Trent"}},
		{nil, []string{"Eve", "Mallory", "Eve", "Trent"}},
		{Fields{"name": "Eve"}, []string{"Eve", "Eve"}},
		{Fields{"age": 35}, []string{"Mallory", "Eve"}},
		{Fields{"age": int64(28)}, []string{"Eve", "Trent"}},
		{Fields{"age": 28.0, "name": "Trent"}, []string{"Trent"}},
		{Fields{"name": "Eve", "age": 99}, nil},
		{Fields{"missing": 1}, nil},
		{Fields{"tags": []string{"admin"}}, []string{"Trent"}},
	}
	for _, test := range tests {
		res, err := s.Find(test.q)
		require.NoError(t, err)
		assert.Equal(t, test.exp, names(res), "query: %v", test.q)
	}

	_, err := s.Find(Fields{"name": make(chan int)})
	assert.Error(t, err)
}

func TestFindByIDMissing(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	_, ok := s.FindByID("nope")
	assert.False(t, ok)
}

func TestUpdateDeleteMissing(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	ok, err := s.Update("nope", Fields{"age": 1})
	assert.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Delete("nope")
	assert.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.UpdateFunc("nope", func(u *User) { u.Age = 1 })
	assert.NoError(t, err)
	assert.False(t, ok)
	// nothing changed so nothing was written
	assert.False(t, filepair.New(dir, "users").Exists())
}

func TestUpdateID(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	rec, err := s.Insert(User{Name: "a"})
	require.NoError(t, err)
	_, err = s.Update(rec.ID, Fields{"id": "other"})
	require.ErrorIs(t, err, ErrIDField)
	_, ok := s.FindByID(rec.ID)
	assert.True(t, ok)
}

func TestUpdateFunc(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	rec, err := s.Insert(User{Name: "a", Age: 1})
	require.NoError(t, err)
	ok, err := s.UpdateFunc(rec.ID, func(u *User) {
		u.Age++
		u.Tags = append(u.Tags, "x")
	})
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := s.FindByID(rec.ID)
	assert.Equal(t, User{Name: "a", Age: 2, Tags: []string{"x"}}, got.Data)
}

func TestTooLarge(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	_, err := s.Insert(User{Name: strings.Repeat("x", slot.Size)})
	require.ErrorIs(t, err, slot.ErrTooLarge)
	assert.Equal(t, 0, s.Len())

	rec, err := s.Insert(User{Name: "small"})
	require.NoError(t, err)
	ok, err := s.Update(rec.ID, Fields{"name": strings.Repeat("x", slot.Size)})
	require.ErrorIs(t, err, slot.ErrTooLarge)
	assert.False(t, ok)
	got, _ := s.FindByID(rec.ID)
	assert.Equal(t, "small", got.Data.Name)

	s = reopen(t, s)
	require.Len(t, s.GetAll(), 1)
}

func TestCallerCantModifyStore(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	u := User{Name: "a", Tags: []string{"one"}}
	rec, err := s.Insert(u)
	require.NoError(t, err)
	u.Tags[0] = "changed"
	rec.Data.Tags[0] = "changed too"

	got, _ := s.FindByID(rec.ID)
	assert.Equal(t, []string{"one"}, got.Data.Tags)
	got.Data.Tags[0] = "changed"
	all := s.GetAll()
	assert.Equal(t, []string{"one"}, all[0].Data.Tags)
}

func TestConcurrentInserts(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	const n = 64
	var wg sync.WaitGroup
	ids := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := s.Insert(User{Name: fmt.Sprintf("u%d", i), Age: i})
			ids[i], errs[i] = rec.ID, err
			// readers run concurrently with writers
			_, _ = s.Find(Fields{"age": i})
		}(i)
	}
	wg.Wait()
	seen := map[string]bool{}
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.False(t, seen[ids[i]])
		seen[ids[i]] = true
	}
	assert.Equal(t, n, s.Len())

	s = reopen(t, s)
	assert.Equal(t, n, s.Len())
}

func TestMapRecords(t *testing.T) {
	dir := t.TempDir()
	s, err := Open[map[string]any]("docs", &Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Insert(map[string]any{"title": "hello", "n": 1})
	require.NoError(t, err)
	ok, err := s.Update(rec.ID, Fields{"n": 2, "extra": true})
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := s.FindByID(rec.ID)
	assert.Equal(t, map[string]any{"title": "hello", "n": float64(2), "extra": true}, got.Data)
}

type Item struct {
	Name   string  `json:"name"`
	Serial int64   `json:"serial"`
	Count  uint64  `json:"count"`
	Price  float64 `json:"price"`
	Note   string  `json:"note,omitempty"`
}

func TestUpdateKeepsNumbersExact(t *testing.T) {
	s, err := Open[Item]("items", &Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()
	item := Item{Name: "a", Serial: 9007199254740993, Count: 18446744073709551615, Price: 0.1}
	rec, err := s.Insert(item)
	require.NoError(t, err)

	ok, err := s.Update(rec.ID, Fields{"name": "b"})
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := s.FindByID(rec.ID)
	item.Name = "b"
	assert.Equal(t, item, got.Data)

	ok, err = s.Update(rec.ID, Fields{"serial": int64(-9007199254740995)})
	require.NoError(t, err)
	require.True(t, ok)
	got, _ = s.FindByID(rec.ID)
	assert.Equal(t, int64(-9007199254740995), got.Data.Serial)
	assert.Equal(t, uint64(18446744073709551615), got.Data.Count)
}

func TestFindLargeNumbers(t *testing.T) {
	s, err := Open[Item]("items", &Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()
	for _, it := range []Item{
		{Name: "odd", Serial: 9007199254740993},
		{Name: "even", Serial: 9007199254740992},
		{Name: "small", Serial: 25, Price: 2.5},
	} {
		_, err := s.Insert(it)
		require.NoError(t, err)
	}
	itemNames := func(q Fields) []string {
		res, err := s.Find(q)
		require.NoError(t, err)
		var a []string
		for _, r := range res {
			a = append(a, r.Data.Name)
		}
		return a
	}
	assert.Equal(t, []string{"odd"}, itemNames(Fields{"serial": int64(9007199254740993)}))
	assert.Equal(t, []string{"even"}, itemNames(Fields{"serial": int64(9007199254740992)}))
	assert.Equal(t, []string{"even"}, itemNames(Fields{"serial": float64(9007199254740992)}))
	assert.Equal(t, []string{"small"}, itemNames(Fields{"serial": 25.0, "price": 2.5}))
	assert.Equal(t, []string{"small"}, itemNames(Fields{"serial": uint8(25)}))
	assert.Equal(t, 0, len(itemNames(Fields{"price": 2.49})))
}

func TestUpdatePatchKeys(t *testing.T) {
	s, err := Open[Item]("items", &Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Insert(Item{Name: "Alice", Serial: 1})
	require.NoError(t, err)

	// keys are matched to fields like encoding/json matches them
	ok, err := s.Update(rec.ID, Fields{"Name": "Zed"})
	require.NoError(t, err)
	require.True(t, ok)
	got, _ := s.FindByID(rec.ID)
	assert.Equal(t, "Zed", got.Data.Name)

	// "note" isn't stored because of omitempty
	_, err = s.Update(rec.ID, Fields{"NOTE": "hi"})
	require.NoError(t, err)
	got, _ = s.FindByID(rec.ID)
	assert.Equal(t, "hi", got.Data.Note)
	_, err = s.Update(rec.ID, Fields{"note": ""})
	require.NoError(t, err)
	got, _ = s.FindByID(rec.ID)
	assert.Equal(t, "", got.Data.Note)

	_, err = s.Update(rec.ID, Fields{"name": "a", "NAME": "b"})
	require.ErrorIs(t, err, ErrPatchConflict)
	_, err = s.Update(rec.ID, Fields{"nmae": "typo"})
	require.ErrorIs(t, err, ErrUnknownField)
	_, err = s.Update(rec.ID, Fields{"Id": "x"})
	require.ErrorIs(t, err, ErrIDField)

	got, _ = s.FindByID(rec.ID)
	assert.Equal(t, Item{Name: "Zed", Serial: 1}, got.Data)
}

func TestOpenOptions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	n := 0
	s, err := Open[User]("users", &Options{
		Dir: dir,
		NewID: func() string {
			n++
			return fmt.Sprintf("id%d", n)
		},
	})
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Insert(User{})
	require.NoError(t, err)
	assert.Equal(t, "id1", rec.ID)

	for _, name := range []string{"", ".", "..", "a/b", `a\b`} {
		_, err := Open[User](name, &Options{Dir: dir})
		assert.Error(t, err, "name: %q", name)
	}
}

func TestDuplicateGeneratedID(t *testing.T) {
	s, err := Open[User]("users", &Options{
		Dir:   t.TempDir(),
		NewID: func() string { return "same" },
	})
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Insert(User{Name: "a"})
	require.NoError(t, err)
	_, err = s.Insert(User{Name: "b"})
	require.ErrorIs(t, err, ErrDuplicateID)
	assert.Equal(t, 1, s.Len())
}

func TestXID(t *testing.T) {
	s, err := Open[User]("users", &Options{Dir: t.TempDir(), NewID: NewXID})
	require.NoError(t, err)
	defer s.Close()
	rec, err := s.Insert(User{Name: "x"})
	require.NoError(t, err)
	assert.Equal(t, 20, len(rec.ID))
}

func TestOpenUnwritableDir(t *testing.T) {
	// a file where directory should be
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, nil, 0644))
	_, err := Open[User]("users", &Options{Dir: path})
	assert.Error(t, err)
	_, err = Open[User]("users", &Options{Dir: filepath.Join(path, "sub")})
	assert.Error(t, err)
}

func TestOpenCorrupt(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	for i := 0; i < 3; i++ {
		_, err := s.Insert(User{Name: "u"})
		require.NoError(t, err)
	}
	require.NoError(t, s.Close())

	p := filepair.New(dir, "users")
	bin, err := os.ReadFile(p.DataPath)
	require.NoError(t, err)

	// data file shorter than index says
	require.NoError(t, os.WriteFile(p.DataPath, bin[:2*slot.Size], 0644))
	_, err = Open[User]("users", &Options{Dir: dir})
	require.ErrorIs(t, err, filepair.ErrCorrupt)

	// slots in different order than index
	swapped := append(append(append([]byte{}, bin[slot.Size:2*slot.Size]...), bin[:slot.Size]...), bin[2*slot.Size:]...)
	require.NoError(t, os.WriteFile(p.DataPath, swapped, 0644))
	_, err = Open[User]("users", &Options{Dir: dir})
	require.ErrorIs(t, err, filepair.ErrCorrupt)

	// failed open releases the lock
	require.NoError(t, os.WriteFile(p.DataPath, bin, 0644))
	s, err = Open[User]("users", &Options{Dir: dir})
	require.NoError(t, err)
	assert.Equal(t, 3, s.Len())
	s.Close()
}

func TestLocking(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	_, err := Open[User]("users", &Options{Dir: dir})
	require.ErrorIs(t, err, dirlock.ErrLocked)

	s2, err := Open[User]("users", &Options{Dir: dir, NoLock: true})
	require.NoError(t, err)
	s2.Close()

	require.NoError(t, s.Close())
	s3, err := Open[User]("users", &Options{Dir: dir})
	require.NoError(t, err)
	s3.Close()
}

func TestClosed(t *testing.T) {
	s := openTestStore(t, t.TempDir())
	rec, err := s.Insert(User{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Insert(User{})
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Update(rec.ID, Fields{"age": 1})
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.Delete(rec.ID)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Clear(), ErrClosed)
	require.ErrorIs(t, s.Transaction(func(tx *Tx[User]) error { return nil }), ErrClosed)
	_, ok := s.FindByID(rec.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestSaveFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	rec, err := s.Insert(User{Name: "a"})
	require.NoError(t, err)

	// make the rename of the data file fail
	p := filepair.New(dir, "users")
	require.NoError(t, os.Remove(p.DataPath))
	require.NoError(t, os.Mkdir(p.DataPath, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(p.DataPath, "x"), nil, 0644))

	_, err = s.Insert(User{Name: "b"})
	assert.Error(t, err)
	ok, err := s.Delete(rec.ID)
	assert.Error(t, err)
	assert.False(t, ok)
	err = s.Clear()
	assert.Error(t, err)

	assert.Equal(t, []string{"a"}, names(s.GetAll()))
}

func TestIndexSaveFailureKeepsFilesMatching(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, dir)
	rec, err := s.Insert(User{Name: "a", Age: 1})
	require.NoError(t, err)

	// the data file is replaced first, then the rename of the index fails
	p := filepair.New(dir, "users")
	idx, err := os.ReadFile(p.IndexPath)
	require.NoError(t, err)
	require.NoError(t, os.Remove(p.IndexPath))
	require.NoError(t, os.Mkdir(p.IndexPath, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(p.IndexPath, "x"), nil, 0644))

	ok, err := s.Update(rec.ID, Fields{"age": 99})
	assert.Error(t, err)
	assert.False(t, ok)
	got, _ := s.FindByID(rec.ID)
	assert.Equal(t, 1, got.Data.Age)

	require.NoError(t, os.RemoveAll(p.IndexPath))
	require.NoError(t, os.WriteFile(p.IndexPath, idx, 0644))
	s = reopen(t, s)
	got, ok = s.FindByID(rec.ID)
	require.True(t, ok)
	assert.Equal(t, 1, got.Data.Age)
}
