// Package registry keeps the stable file identities of a project.
//
// Which identity a path is bound to is a property of a point in history, so
// bindings are read from the tree the change applies to; branches forked
// from the same commit share identities until one of them moves a file.
// The registry mints identities and keeps their rename and retirement
// records.
package registry

import (
	"fmt"
	"time"

	derrors "depot/internal/errors"
	"depot/internal/storage"
	"depot/shared/types"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// FileIdentity is the record behind a file id. Path is where it was created.
type FileIdentity struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// RenameRecord documents one explicit path move of an identity on a branch.
type RenameRecord struct {
	FileID string    `json:"file_id"`
	Branch string    `json:"branch"`
	From   string    `json:"from"`
	To     string    `json:"to"`
	At     time.Time `json:"at"`
}

// Retirement records that a branch deleted the path of an identity.
type Retirement struct {
	FileID string    `json:"file_id"`
	Branch string    `json:"branch"`
	Path   string    `json:"path"`
	At     time.Time `json:"at"`
}

// Scope names the branch and the tree a change is resolved against.
type Scope struct {
	Project string
	Branch  string
	Tree    shared.Tree
}

type Registry struct {
	db      *badger.DB
	ids     *storage.BadgerStore // fileid:<id> -> FileIdentity
	renames *storage.BadgerStore // rename:<project>:<id>:<nanos> -> RenameRecord
	retired *storage.BadgerStore // retired:<project>:<id>:<branch> -> Retirement
}

func New(db *badger.DB) *Registry {
	return &Registry{
		db:      db,
		ids:     storage.NewBadgerStore(db, "fileid"),
		renames: storage.NewBadgerStore(db, "rename"),
		retired: storage.NewBadgerStore(db, "retired"),
	}
}

// Resolve returns the identity bound to path in the scope's tree.
func (r *Registry) Resolve(s Scope, path string) (string, error) {
	fs, ok := s.Tree[path]
	if !ok || fs.FileID == "" {
		return "", derrors.NotFound(fmt.Sprintf("no file at %s in %s/%s", path, s.Project, s.Branch))
	}
	return fs.FileID, nil
}

// Ensure returns the identity bound to path, minting one if there is none.
func (r *Registry) Ensure(txn *badger.Txn, s Scope, path string) (string, error) {
	if id, err := r.Resolve(s, path); err == nil {
		return id, nil
	}
	return r.mint(txn, s.Project, path)
}

func (r *Registry) mint(txn *badger.Txn, project, path string) (string, error) {
	ident := FileIdentity{
		ID:        uuid.NewString(),
		Project:   project,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	}
	if err := r.ids.Create(txn, ident.ID, &ident); err != nil {
		return "", err
	}
	return ident.ID, nil
}

// Rename moves the identity of from to to and records the move. The target
// path must be free in the scope's tree.
func (r *Registry) Rename(txn *badger.Txn, s Scope, from, to string) (string, error) {
	id, err := r.Resolve(s, from)
	if err != nil {
		return "", err
	}
	if _, taken := s.Tree[to]; taken {
		return "", derrors.AlreadyExists(fmt.Sprintf("path already bound: %s", to))
	}

	now := time.Now().UTC()
	rec := RenameRecord{FileID: id, Branch: s.Branch, From: from, To: to, At: now}
	recKey := fmt.Sprintf("%s:%s:%020d", s.Project, id, now.UnixNano())
	if err := r.renames.Put(txn, recKey, &rec); err != nil {
		return "", err
	}
	return id, nil
}

// Retire records that the scope's branch deleted path. The identity stays
// valid on other branches; re-creating the path later mints a new id.
func (r *Registry) Retire(txn *badger.Txn, s Scope, path string) (string, error) {
	id, err := r.Resolve(s, path)
	if err != nil {
		return "", err
	}
	rec := Retirement{FileID: id, Branch: s.Branch, Path: path, At: time.Now().UTC()}
	return id, r.retired.Put(txn, s.Project+":"+id+":"+s.Branch, &rec)
}

// Get returns the identity record of id.
func (r *Registry) Get(txn *badger.Txn, id string) (*FileIdentity, error) {
	var ident FileIdentity
	if err := r.ids.Get(txn, id, &ident); err != nil {
		return nil, err
	}
	return &ident, nil
}

// Renames lists the rename records of an identity, oldest first.
func (r *Registry) Renames(project, fileID string) ([]RenameRecord, error) {
	var recs []RenameRecord
	err := storage.View(r.db, func(txn *badger.Txn) error {
		return r.renames.List(txn, project+":"+fileID+":", &recs)
	})
	return recs, err
}

// Retirements lists the branches that deleted an identity.
func (r *Registry) Retirements(project, fileID string) ([]Retirement, error) {
	var recs []Retirement
	err := storage.View(r.db, func(txn *badger.Txn) error {
		return r.retired.List(txn, project+":"+fileID+":", &recs)
	})
	return recs, err
}
