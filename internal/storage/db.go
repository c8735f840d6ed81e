package storage

import (
	"errors"
	"fmt"
	"os"

	derrors "depot/internal/errors"

	"github.com/dgraph-io/badger/v4"
)

// Options selects where the metadata store lives.
type Options struct {
	Path     string
	InMemory bool
}

// getDBOptions returns BadgerDB options for opts. In-memory stores are used by
// tests and by throwaway servers.
func getDBOptions(opts Options) badger.Options {
	if opts.InMemory {
		return badger.DefaultOptions("").
			WithInMemory(true).
			WithNumVersionsToKeep(1).
			WithLogger(nil)
	}
	return badger.DefaultOptions(opts.Path).
		WithLoggingLevel(badger.WARNING).
		WithLogger(nil)
}

// Open initializes and returns a BadgerDB instance.
func Open(opts Options) (*badger.DB, error) {
	if !opts.InMemory {
		if opts.Path == "" {
			return nil, fmt.Errorf("database path is required")
		}
		if err := os.MkdirAll(opts.Path, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := badger.Open(getDBOptions(opts))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// Update runs fn in a read-write transaction. A transaction that lost a race
// against a concurrent writer fails with a StaleHead error.
func Update(db *badger.DB, fn func(txn *badger.Txn) error) error {
	err := db.Update(fn)
	if errors.Is(err, badger.ErrConflict) {
		return derrors.StaleHead("transaction conflicted with a concurrent writer")
	}
	return err
}

// View runs fn in a read-only transaction.
func View(db *badger.DB, fn func(txn *badger.Txn) error) error {
	return db.View(fn)
}
