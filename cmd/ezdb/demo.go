package main

import (
	"errors"
	"flag"
	"fmt"

	"github.com/kjk/ezdb/log"
	"github.com/kjk/ezdb/store"
)

type User struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func logUsers(s *store.Store[User], title string) {
	recs := s.GetAll()
	log.Logf("%s: %d users\n", title, len(recs))
	for _, rec := range recs {
		log.Logf("  %s %s %d\n", rec.ID, rec.Data.Name, rec.Data.Age)
	}
}

func runDemo(dir string) error {
	s, err := store.Open[User]("users", &store.Options{Dir: dir})
	if err != nil {
		return err
	}
	defer s.Close()

	alice, err := s.Insert(User{Name: "Alice", Age: 25})
	if err != nil {
		return err
	}
	bob, err := s.Insert(User{Name: "Bob", Age: 30})
	if err != nil {
		return err
	}
	logUsers(s, "after insert")

	found, err := s.Find(store.Fields{"name": "Alice"})
	if err != nil {
		return err
	}
	log.Logf("find name=Alice: %d records\n", len(found))

	if _, err = s.Update(bob.ID, store.Fields{"age": 31}); err != nil {
		return err
	}
	if rec, ok := s.FindByID(bob.ID); ok {
		log.Logf("updated Bob, age is now %d\n", rec.Data.Age)
	}

	if _, err = s.Delete(alice.ID); err != nil {
		return err
	}
	logUsers(s, "after delete")

	err = s.Transaction(func(tx *store.Tx[User]) error {
		if _, err := tx.Insert(User{Name: "Charlie", Age: 40}); err != nil {
			return err
		}
		_, err := tx.Insert(User{Name: "Dave", Age: 45})
		return err
	})
	if err != nil {
		return err
	}
	logUsers(s, "after transaction")

	errAbort := errors.New("abort")
	err = s.Transaction(func(tx *store.Tx[User]) error {
		if _, err := tx.Insert(User{Name: "FailCase", Age: 50}); err != nil {
			return err
		}
		return errAbort
	})
	if !errors.Is(err, errAbort) {
		return fmt.Errorf("expected aborted transaction, got %v", err)
	}
	logUsers(s, "after rolled back transaction")

	if err = s.Clear(); err != nil {
		return err
	}
	logUsers(s, "after clear")
	return nil
}

func cmdDemo(args []string) {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)
	dir := fs.String("dir", "./database", "directory for store files")
	fs.Parse(args)
	must(runDemo(*dir))
}
