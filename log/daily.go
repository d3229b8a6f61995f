package log

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const dailyExt = ".txt"

// DailyFile is an append-only writer that starts a new file every day (UTC).
// Files are named YYYY-MM-DD.txt and live in Dir.
// A nil *DailyFile discards everything written to it.
type DailyFile struct {
	Dir string
	// if > 0, files older than that many days are removed when a new day starts
	MaxDays int

	mu   sync.Mutex
	day  string
	file *os.File
	now  func() time.Time
}

func NewDailyFile(dir string, maxDays int) *DailyFile {
	return &DailyFile{Dir: dir, MaxDays: maxDays}
}

func (w *DailyFile) today() time.Time {
	if w.now != nil {
		return w.now().UTC()
	}
	return time.Now().UTC()
}

// reopen switches to the file for day, must be called with w.mu held
func (w *DailyFile) reopen(day string) error {
	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return err
	}
	path := filepath.Join(w.Dir, day+dailyExt)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	w.file = f
	w.day = day
	w.prune()
	return nil
}

// prune deletes files older than MaxDays, errors are ignored
func (w *DailyFile) prune() {
	if w.MaxDays <= 0 {
		return
	}
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return
	}
	var days []string
	for _, e := range entries {
		name := e.Name()
		day, ok := strings.CutSuffix(name, dailyExt)
		if !ok || e.IsDir() {
			continue
		}
		if _, err := time.Parse(time.DateOnly, day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	cutoff := w.today().AddDate(0, 0, -w.MaxDays).Format(time.DateOnly)
	for _, day := range days {
		if day >= cutoff {
			break
		}
		os.Remove(filepath.Join(w.Dir, day+dailyExt))
	}
}

func (w *DailyFile) Write(d []byte) (int, error) {
	if w == nil {
		return len(d), nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	day := w.today().Format(time.DateOnly)
	if w.file == nil || w.day != day {
		if err := w.reopen(day); err != nil {
			return 0, err
		}
	}
	return w.file.Write(d)
}

func (w *DailyFile) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Close syncs and closes the current file. Writing after Close re-opens it.
func (w *DailyFile) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Sync()
	if err2 := w.file.Close(); err == nil {
		err = err2
	}
	w.file = nil
	w.day = ""
	return err
}
