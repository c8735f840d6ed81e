// internal/storage/badger_store.go
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	derrors "depot/internal/errors"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore stores JSON records under "<prefix>:<id>" keys. Every method runs
// inside a caller-supplied transaction so several stores can be changed
// atomically.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

func NewBadgerStore(db *badger.DB, prefix string) *BadgerStore {
	return &BadgerStore{
		db:     db,
		prefix: prefix,
	}
}

// Key joins id parts with ':' under the store prefix.
func (s *BadgerStore) Key(parts ...string) []byte {
	return s.makeKey(strings.Join(parts, ":"))
}

func (s *BadgerStore) makeKey(id string) []byte {
	return []byte(fmt.Sprintf("%s:%s", s.prefix, id))
}

func (s *BadgerStore) stripPrefix(key []byte) string {
	return strings.TrimPrefix(string(key), fmt.Sprintf("%s:", s.prefix))
}

func (s *BadgerStore) DB() *badger.DB {
	return s.db
}

// View runs fn in a read-only transaction.
func (s *BadgerStore) View(fn func(txn *badger.Txn) error) error {
	return View(s.db, fn)
}

// Update runs fn in a read-write transaction.
func (s *BadgerStore) Update(fn func(txn *badger.Txn) error) error {
	return Update(s.db, fn)
}

// Create stores v under id and fails with AlreadyExists if id is taken.
func (s *BadgerStore) Create(txn *badger.Txn, id string, v any) error {
	if id == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}
	key := s.makeKey(id)
	_, err := txn.Get(key)
	if err == nil {
		return derrors.AlreadyExists(fmt.Sprintf("%s already exists: %s", s.prefix, id))
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return s.set(txn, key, v)
}

// Put stores v under id, replacing any previous value.
func (s *BadgerStore) Put(txn *badger.Txn, id string, v any) error {
	if id == "" {
		return fmt.Errorf("entity ID cannot be empty")
	}
	return s.set(txn, s.makeKey(id), v)
}

func (s *BadgerStore) set(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", s.prefix, err)
	}
	return txn.Set(key, data)
}

// Get decodes the value under id into v. Missing ids fail with NotFound.
func (s *BadgerStore) Get(txn *badger.Txn, id string, v any) error {
	item, err := txn.Get(s.makeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return derrors.NotFound(fmt.Sprintf("%s not found: %s", s.prefix, id))
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// Has reports whether id exists.
func (s *BadgerStore) Has(txn *badger.Txn, id string) (bool, error) {
	_, err := txn.Get(s.makeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Delete removes id. Deleting a missing id is not an error.
func (s *BadgerStore) Delete(txn *badger.Txn, id string) error {
	return txn.Delete(s.makeKey(id))
}

// Scan calls fn for every record whose id starts with sub, in key order. The
// value is only valid during the call.
func (s *BadgerStore) Scan(txn *badger.Txn, sub string, fn func(id string, val []byte) error) error {
	prefix := s.makeKey(sub)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		id := s.stripPrefix(item.Key())
		if err := item.Value(func(val []byte) error {
			return fn(id, val)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Keys returns the ids starting with sub without loading values.
func (s *BadgerStore) Keys(txn *badger.Txn, sub string) ([]string, error) {
	prefix := s.makeKey(sub)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, s.stripPrefix(it.Item().KeyCopy(nil)))
	}
	return ids, nil
}

// DeletePrefix removes every record whose id starts with sub.
func (s *BadgerStore) DeletePrefix(txn *badger.Txn, sub string) (int, error) {
	ids, err := s.Keys(txn, sub)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := s.Delete(txn, id); err != nil {
			return 0, fmt.Errorf("deleting %s:%s: %w", s.prefix, id, err)
		}
	}
	return len(ids), nil
}

// List decodes every record whose id starts with sub into results, which must
// be a pointer to a slice.
func (s *BadgerStore) List(txn *badger.Txn, sub string, results any) error {
	var values []json.RawMessage
	err := s.Scan(txn, sub, func(_ string, val []byte) error {
		values = append(values, append(json.RawMessage(nil), val...))
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing %s: %w", s.prefix, err)
	}

	if values == nil {
		values = []json.RawMessage{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, results)
}
