package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kballard/go-shellquote"
	"github.com/kjk/ezdb/store"
	"github.com/tidwall/pretty"
)

type Doc = map[string]any

var errExit = errors.New("exit")

const shellHelp = `commands:
  insert k=v ...      insert a record
  find [k=v ...]      records where all fields match
  get <id>            record with a given id
  update <id> k=v ... set fields of a record
  delete <id>         delete a record
  all                 all records
  count               number of records
  clear               delete all records
  help
  exit
values are parsed as JSON if possible (25, true, "25") and are strings otherwise.
use quotes for values with spaces: insert name="Alice Smith"
`

// parseValue returns v decoded as JSON or as a string if it isn't valid JSON
func parseValue(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}

func parseFields(args []string) (store.Fields, error) {
	res := store.Fields{}
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got '%s'", arg)
		}
		res[k] = parseValue(v)
	}
	return res, nil
}

func formatRecord(rec store.Record[Doc], color bool) string {
	m := make(Doc, len(rec.Data)+1)
	for k, v := range rec.Data {
		m[k] = v
	}
	m["id"] = rec.ID
	d, _ := json.Marshal(m)
	d = pretty.Pretty(d)
	if color {
		d = pretty.Color(d, nil)
	}
	return strings.TrimSpace(string(d))
}

type shell struct {
	s     *store.Store[Doc]
	w     io.Writer
	color bool
}

func (sh *shell) printRecords(recs []store.Record[Doc]) {
	for _, rec := range recs {
		fmt.Fprintln(sh.w, formatRecord(rec, sh.color))
	}
	fmt.Fprintf(sh.w, "%d records\n", len(recs))
}

func needArgs(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usage)
	}
	return nil
}

// execLine executes a single shell command
func (sh *shell) execLine(line string) error {
	args, err := shellquote.Split(line)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(args[0]), args[1:]
	s := sh.s
	switch cmd {
	case "exit", "quit":
		return errExit
	case "help", "?":
		fmt.Fprint(sh.w, shellHelp)
	case "insert":
		if err = needArgs(args, 1, "insert k=v ..."); err != nil {
			return err
		}
		fields, err := parseFields(args)
		if err != nil {
			return err
		}
		rec, err := s.Insert(Doc(fields))
		if err != nil {
			return err
		}
		fmt.Fprintln(sh.w, rec.ID)
	case "find":
		q, err := parseFields(args)
		if err != nil {
			return err
		}
		recs, err := s.Find(q)
		if err != nil {
			return err
		}
		sh.printRecords(recs)
	case "get":
		if err = needArgs(args, 1, "get <id>"); err != nil {
			return err
		}
		rec, ok := s.FindByID(args[0])
		if !ok {
			fmt.Fprintf(sh.w, "'%s' not found\n", args[0])
			return nil
		}
		fmt.Fprintln(sh.w, formatRecord(rec, sh.color))
	case "update":
		if err = needArgs(args, 2, "update <id> k=v ..."); err != nil {
			return err
		}
		patch, err := parseFields(args[1:])
		if err != nil {
			return err
		}
		ok, err := s.Update(args[0], patch)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.w, "updated: %v\n", ok)
	case "delete":
		if err = needArgs(args, 1, "delete <id>"); err != nil {
			return err
		}
		ok, err := s.Delete(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.w, "deleted: %v\n", ok)
	case "all":
		sh.printRecords(s.GetAll())
	case "count":
		fmt.Fprintln(sh.w, s.Len())
	case "clear":
		if err = s.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(sh.w, "cleared")
	default:
		return fmt.Errorf("unknown command '%s', type 'help'", cmd)
	}
	return nil
}

func runShell(s *store.Store[Doc], r io.Reader, w io.Writer, color bool) error {
	sh := &shell{s: s, w: w, color: color}
	fmt.Fprintf(w, "store '%s' in '%s', %d records. 'help' for commands, 'exit' to quit.\n", s.Name, s.Dir, s.Len())
	scanner := bufio.NewScanner(r)
	for {
		fmt.Fprint(w, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(w)
			return scanner.Err()
		}
		err := sh.execLine(strings.TrimSpace(scanner.Text()))
		if err == errExit {
			return nil
		}
		if err != nil {
			fmt.Fprintf(w, "error: %s\n", err)
		}
	}
}
