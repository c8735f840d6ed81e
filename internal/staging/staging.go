// Package staging records which workspace changes go into the next partial
// commit.
package staging

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	derrors "depot/internal/errors"
	"depot/internal/checkout"
	"depot/internal/safe"
	"depot/internal/storage"
	"depot/internal/validation"
	"depot/internal/workspace"
	"depot/shared/types"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Entry is a staged or unstaged change of one path.
type Entry struct {
	shared.Change
	StagedAt time.Time `json:"staged_at"`
}

// Status splits the pending changes of a checkout.
type Status struct {
	Staged   []shared.Change `json:"staged"`
	Unstaged []shared.Change `json:"unstaged"`
}

// Clean reports whether there is nothing to commit.
func (s *Status) Clean() bool {
	return len(s.Staged) == 0 && len(s.Unstaged) == 0
}

// Differ reports the live workspace diff of a checkout.
type Differ interface {
	Changes(ctx context.Context, checkoutID string) (*checkout.State, error)
}

// BlobWriter stores bytes without taking a reference.
type BlobWriter interface {
	Write(ctx context.Context, content []byte) (safe.BlobMeta, error)
}

type Area struct {
	db      *badger.DB
	entries *storage.BadgerStore // stage:<checkoutID>:<path>
	differ  Differ
	blobs   BlobWriter
	logger  *zap.Logger
}

func New(db *badger.DB, differ Differ, blobs BlobWriter, logger *zap.Logger) *Area {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Area{
		db:      db,
		entries: storage.NewBadgerStore(db, "stage"),
		differ:  differ,
		blobs:   blobs,
		logger:  logger,
	}
}

// Matcher selects paths by exact name or directory prefix. "." selects
// everything.
type Matcher []string

// NewMatcher normalizes pathspecs.
func NewMatcher(specs []string) (Matcher, error) {
	m := make(Matcher, 0, len(specs))
	for _, spec := range specs {
		if spec == "." || spec == "./" {
			return Matcher{"."}, nil
		}
		clean, err := validation.CleanPath(spec)
		if err != nil {
			return nil, err
		}
		m = append(m, clean)
	}
	return m, nil
}

func (m Matcher) Match(p string) bool {
	for _, spec := range m {
		if spec == "." || p == spec || strings.HasPrefix(p, spec+"/") {
			return true
		}
	}
	return false
}

// MatchChange matches either side of a rename.
func (m Matcher) MatchChange(c shared.Change) bool {
	for _, p := range c.Paths() {
		if m.Match(p) {
			return true
		}
	}
	return false
}

// Stage copies the current workspace changes under specs into staged
// entries. The staged bytes are written to the blob store so a later commit
// records exactly what was staged. Staging a path whose change has been
// reverted drops its entry.
func (a *Area) Stage(ctx context.Context, checkoutID string, specs []string) ([]shared.Change, error) {
	match, err := NewMatcher(specs)
	if err != nil {
		return nil, err
	}
	st, err := a.differ.Changes(ctx, checkoutID)
	if err != nil {
		return nil, err
	}

	files := workspace.NewScanner(st.Checkout.Dir, nil, a.logger)
	var selected []shared.Change
	for _, ch := range st.Changes {
		if !match.MatchChange(ch) {
			continue
		}
		if ch.Type != shared.ChangeDeleted {
			content, _, err := files.Read(ch.Path)
			if err != nil {
				return nil, err
			}
			meta, err := a.blobs.Write(ctx, content)
			if err != nil {
				return nil, err
			}
			ch.NewHash = meta.Hash
			ch.Size = meta.Size
			ch.Lines = meta.Lines
			ch.Binary = meta.Binary
		}
		ch.Staged = true
		selected = append(selected, ch)
	}

	now := time.Now().UTC()
	var dropped int
	err = storage.Update(a.db, func(txn *badger.Txn) error {
		existing, err := a.Load(txn, checkoutID)
		if err != nil {
			return err
		}
		fresh := make(map[string]bool)
		for _, ch := range selected {
			fresh[ch.Path] = true
			if err := a.entries.Put(txn, checkoutID+":"+ch.Path, &Entry{Change: ch, StagedAt: now}); err != nil {
				return err
			}
		}
		for p := range existing {
			if match.Match(p) && !fresh[p] {
				if err := a.entries.Delete(txn, checkoutID+":"+p); err != nil {
					return err
				}
				dropped++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(selected) == 0 && dropped == 0 {
		return nil, derrors.ValidationError(fmt.Sprintf("no changes match %s", strings.Join(specs, " ")), specs)
	}
	a.logger.Debug("staged changes",
		zap.String("checkout", checkoutID),
		zap.Int("staged", len(selected)),
		zap.Int("dropped", dropped))
	return selected, nil
}

// Unstage flips matching entries back to unstaged.
func (a *Area) Unstage(ctx context.Context, checkoutID string, specs []string) ([]shared.Change, error) {
	match, err := NewMatcher(specs)
	if err != nil {
		return nil, err
	}

	var out []shared.Change
	err = storage.Update(a.db, func(txn *badger.Txn) error {
		out = out[:0]
		entries, err := a.Load(txn, checkoutID)
		if err != nil {
			return err
		}
		for p, e := range entries {
			if !e.Staged || !match.MatchChange(e.Change) {
				continue
			}
			e.Staged = false
			if err := a.entries.Put(txn, checkoutID+":"+p, &e); err != nil {
				return err
			}
			out = append(out, e.Change)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	shared.SortChanges(out)
	return out, nil
}

// Status combines stored entries with the live diff. A path modified again
// after staging shows up in both lists.
func (a *Area) Status(ctx context.Context, checkoutID string) (*Status, error) {
	st, err := a.differ.Changes(ctx, checkoutID)
	if err != nil {
		return nil, err
	}

	var entries map[string]Entry
	err = storage.View(a.db, func(txn *badger.Txn) error {
		var err error
		entries, err = a.Load(txn, checkoutID)
		return err
	})
	if err != nil {
		return nil, err
	}

	status := &Status{Staged: []shared.Change{}, Unstaged: []shared.Change{}}
	for _, e := range entries {
		if e.Staged {
			status.Staged = append(status.Staged, e.Change)
		}
	}
	for _, ch := range st.Changes {
		if e, ok := entries[ch.Path]; ok && e.Staged && e.Type == ch.Type && e.NewHash == ch.NewHash {
			continue
		}
		status.Unstaged = append(status.Unstaged, ch)
	}
	shared.SortChanges(status.Staged)
	shared.SortChanges(status.Unstaged)
	return status, nil
}

// Load returns every entry of a checkout keyed by path.
func (a *Area) Load(txn *badger.Txn, checkoutID string) (map[string]Entry, error) {
	out := make(map[string]Entry)
	err := a.entries.Scan(txn, checkoutID+":", func(_ string, val []byte) error {
		var e Entry
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		out[e.Path] = e
		return nil
	})
	return out, err
}

// Staged returns the staged entries of a checkout matching specs. Empty
// specs select every staged entry.
func (a *Area) Staged(txn *badger.Txn, checkoutID string, specs []string) ([]shared.Change, error) {
	match := Matcher{"."}
	if len(specs) > 0 {
		var err error
		if match, err = NewMatcher(specs); err != nil {
			return nil, err
		}
	}
	entries, err := a.Load(txn, checkoutID)
	if err != nil {
		return nil, err
	}
	var out []shared.Change
	for _, e := range entries {
		if e.Staged && match.MatchChange(e.Change) {
			out = append(out, e.Change)
		}
	}
	shared.SortChanges(out)
	return out, nil
}

// Clear removes the entries of the given paths.
func (a *Area) Clear(txn *badger.Txn, checkoutID string, paths []string) error {
	for _, p := range paths {
		if err := a.entries.Delete(txn, checkoutID+":"+p); err != nil {
			return err
		}
	}
	return nil
}

// Drop removes every entry of a checkout.
func (a *Area) Drop(txn *badger.Txn, checkoutID string) error {
	_, err := a.entries.DeletePrefix(txn, checkoutID+":")
	return err
}

// StagedHashes returns the content hashes referenced by any staged entry.
func (a *Area) StagedHashes(ctx context.Context) (map[string]bool, error) {
	out := make(map[string]bool)
	err := storage.View(a.db, func(txn *badger.Txn) error {
		return a.entries.Scan(txn, "", func(_ string, val []byte) error {
			var e Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return err
			}
			if e.NewHash != "" {
				out[e.NewHash] = true
			}
			return nil
		})
	})
	return out, err
}
