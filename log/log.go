// Package log prints messages and, after Init, also writes them to daily
// files: regular messages to <dir>/log, errors with a callstack to
// <dir>/errors and structured events to <dir>/events.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/toon-format/toon-go"
)

var (
	// if true, Verbosef() will log messages
	Verbose bool

	// where Logf() prints, os.Stdout by default. nil disables printing
	Output io.Writer = os.Stdout

	mu     sync.Mutex
	files  struct{ log, errors, events *DailyFile }
	onLog  func(s string)
	inited bool
)

type Config struct {
	// each kind of log (log, errors, events) gets a sub-directory of Dir
	Dir string
	// remove log files older than that many days, 0 keeps everything
	MaxDays int
	// called for every logged message
	OnLog func(s string)
}

// Init starts writing logs to files in config.Dir.
// Without Init messages are only printed and events are dropped.
func Init(config *Config) {
	mu.Lock()
	defer mu.Unlock()
	dir, n := config.Dir, config.MaxDays
	files.log = NewDailyFile(filepath.Join(dir, "log"), n)
	files.errors = NewDailyFile(filepath.Join(dir, "errors"), n)
	// files are created on first write so no events means no events dir
	files.events = NewDailyFile(filepath.Join(dir, "events"), n)
	onLog = config.OnLog
	inited = true
}

// Close flushes and closes log files. Logging after Close only prints.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	files.log.Close()
	files.errors.Close()
	files.events.Close()
	files.log, files.errors, files.events = nil, nil, nil
	onLog = nil
	inited = false
}

func sprintf(s string, args []any) string {
	if len(args) == 0 {
		return s
	}
	return fmt.Sprintf(s, args...)
}

func logLocked(s string) {
	if Output != nil {
		io.WriteString(Output, s)
	}
	files.log.WriteString(s)
	if onLog != nil {
		onLog(s)
	}
}

func Logf(s string, args ...any) {
	s = sprintf(s, args)
	mu.Lock()
	defer mu.Unlock()
	logLocked(s)
}

func Verbosef(s string, args ...any) {
	if Verbose {
		Logf(s, args...)
	}
}

// Callstack returns "file:line" of callers, one per line, skipping
// skip frames and frames inside the Go runtime
func Callstack(skip int) string {
	var pcs [32]uintptr
	n := runtime.Callers(skip+2, pcs[:])
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		f, more := frames.Next()
		if !strings.HasPrefix(f.Function, "runtime.") && f.File != "" {
			sb.WriteString(f.File)
			sb.WriteByte(':')
			sb.WriteString(strconv.Itoa(f.Line))
			sb.WriteByte('\n')
		}
		if !more {
			break
		}
	}
	return sb.String()
}

// Errorf logs a message followed by the callstack of the caller.
// The message also goes to the errors log.
func Errorf(s string, args ...any) {
	s = strings.TrimSuffix(sprintf(s, args), "\n") + "\n" + Callstack(1)
	mu.Lock()
	defer mu.Unlock()
	logLocked(s)
	files.errors.WriteString(s)
}

// IfErrf logs err and returns true if it's not nil.
//
//	IfErrf(err)                          // logs err.Error()
//	IfErrf(err, "open failed: %v", err)  // logs formatted message
func IfErrf(err error, a ...any) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	if len(a) > 0 {
		s = sprintf(fmt.Sprint(a[0]), a[1:])
	}
	Errorf("%s", s)
	return true
}

// MarshalEvent formats an event as:
//
//	<name> <unix milliseconds>
//	<toon encoded key/values>
//	<empty line>
//
// vals are key / value pairs, it panics on odd number of vals.
func MarshalEvent(name string, t time.Time, vals ...any) []byte {
	if len(vals)%2 != 0 {
		panic(fmt.Sprintf("MarshalEvent: odd number of vals (%d) for event '%s'", len(vals), name))
	}
	d := []byte(name + " " + strconv.FormatInt(t.UnixMilli(), 10) + "\n")
	if len(vals) == 0 {
		return append(d, '\n')
	}
	m := make(map[string]any, len(vals)/2)
	for i := 0; i < len(vals); i += 2 {
		m[fmt.Sprint(vals[i])] = vals[i+1]
	}
	body, err := toon.Marshal(m)
	if err != nil {
		body = []byte(fmt.Sprintf("error: %q", err.Error()))
	}
	d = append(d, body...)
	if len(body) > 0 && body[len(body)-1] != '\n' {
		d = append(d, '\n')
	}
	return append(d, '\n')
}

// Event writes an event to the events log, it's a no-op without Init
func Event(name string, vals ...any) {
	mu.Lock()
	defer mu.Unlock()
	if !inited {
		return
	}
	files.events.Write(MarshalEvent(name, time.Now().UTC(), vals...))
}

func EventWithDuration(name string, dur time.Duration, vals ...any) {
	Event(name, append(vals, "durmicro", dur.Microseconds())...)
}
