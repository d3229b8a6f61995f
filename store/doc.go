// Package store is a file-backed record store.
//
// Records of type T are kept in memory and identified by a generated
// string id. After every mutation the whole store is written to two files
// in the store directory (see package filepair):
//
//   - <name>.bin: one 512 byte slot per record
//   - <name>.idx: ids of records, in slot order
//
// # Basic Usage
//
//	type User struct {
//	    Name string `json:"name"`
//	    Age  int    `json:"age"`
//	}
//
//	s, err := store.Open[User]("users", &store.Options{Dir: "./database"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer s.Close()
//
//	alice, err := s.Insert(User{Name: "Alice", Age: 25})
//	found, err := s.Find(store.Fields{"name": "Alice"})
//	ok, err := s.Update(alice.ID, store.Fields{"age": 26})
//	ok, err = s.Delete(alice.ID)
//
// Keys in Fields are JSON names of the fields (as set by `json` struct tags).
//
// # Transactions
//
// Transaction runs a function with exclusive access to the store. Changes
// made through the Tx are written to disk once, when the function returns
// nil. If it returns an error (or panics) all changes are discarded.
//
//	err = s.Transaction(func(tx *store.Tx[User]) error {
//	    if _, err := tx.Insert(User{Name: "Charlie", Age: 40}); err != nil {
//	        return err
//	    }
//	    _, err := tx.Insert(User{Name: "Dave", Age: 35})
//	    return err
//	})
//
// # Thread Safety
//
// Store is safe for concurrent use. Operations are serialized by a mutex
// which is held for the whole operation, including re-writing the files.
// Calling Store methods from inside a transaction function deadlocks: use
// the Tx.
//
// Only one Store can use a given set of files at a time. Open takes a lock
// (<name>.lock) which is released by Close.
package store
