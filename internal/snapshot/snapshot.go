// Package snapshot keeps, per checkout, the file states handed out by the
// last checkout or commit. It is the baseline workspace edits are diffed
// against.
package snapshot

import (
	"encoding/json"
	"fmt"

	"depot/internal/storage"
	"depot/shared/types"

	"github.com/dgraph-io/badger/v4"
)

// Entry is one path of a snapshot index.
//
// A Stale entry belongs to a path that an interleaved commit changed after
// this checkout last saw it; the workspace still holds the old content.
// An Absent entry records a path that exists on the branch but was never
// materialized in this checkout.
type Entry struct {
	shared.FileState
	Absent      bool   `json:"absent,omitempty"`
	Stale       bool   `json:"stale,omitempty"`
	StaleCommit string `json:"stale_commit,omitempty"`
}

// Index maps paths to entries.
type Index map[string]Entry

// FromTree builds a fresh index from a commit tree.
func FromTree(tree shared.Tree) Index {
	idx := make(Index, len(tree))
	for p, fs := range tree {
		idx[p] = Entry{FileState: fs}
	}
	return idx
}

// Live returns the file states the workspace is expected to hold.
func (idx Index) Live() shared.Tree {
	tree := make(shared.Tree, len(idx))
	for p, e := range idx {
		if !e.Absent {
			tree[p] = e.FileState
		}
	}
	return tree
}

// StalePaths returns the stale entries keyed by path.
func (idx Index) StalePaths() map[string]string {
	out := make(map[string]string)
	for p, e := range idx {
		if e.Stale {
			out[p] = e.StaleCommit
		}
	}
	return out
}

// Store persists indexes under snap:<checkoutID>:<path>.
type Store struct {
	entries *storage.BadgerStore
}

func New(db *badger.DB) *Store {
	return &Store{entries: storage.NewBadgerStore(db, "snap")}
}

// Write replaces the index of checkoutID.
func (s *Store) Write(txn *badger.Txn, checkoutID string, idx Index) error {
	if err := s.Drop(txn, checkoutID); err != nil {
		return err
	}
	for p, e := range idx {
		e.Path = p
		if err := s.entries.Put(txn, checkoutID+":"+p, &e); err != nil {
			return fmt.Errorf("writing snapshot entry %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the index of checkoutID. A checkout without entries has an
// empty index.
func (s *Store) Load(txn *badger.Txn, checkoutID string) (Index, error) {
	idx := make(Index)
	err := s.entries.Scan(txn, checkoutID+":", func(_ string, val []byte) error {
		var e Entry
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		idx[e.Path] = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", checkoutID, err)
	}
	return idx, nil
}

// Drop discards the index of checkoutID.
func (s *Store) Drop(txn *badger.Txn, checkoutID string) error {
	_, err := s.entries.DeletePrefix(txn, checkoutID+":")
	return err
}
