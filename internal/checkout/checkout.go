// Package checkout materializes branch snapshots into directories and keeps
// track of which checkouts are live.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	derrors "depot/internal/errors"
	"depot/internal/graph"
	"depot/internal/snapshot"
	"depot/internal/storage"
	"depot/internal/validation"
	"depot/internal/workspace"
	"depot/shared/types"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Checkout is one materialized snapshot of a branch in a directory.
type Checkout struct {
	ID         string    `json:"id"`
	Project    string    `json:"project"`
	Branch     string    `json:"branch"`
	Dir        string    `json:"dir"`
	BaseCommit string    `json:"base_commit"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Options struct {
	// Overwrite replaces the contents of a non-empty directory.
	Overwrite bool
}

// RetireHook runs inside the transaction that invalidates a checkout.
type RetireHook func(txn *badger.Txn, checkoutID string) error

type Manager struct {
	db        *badger.DB
	graph     *graph.Graph
	blobs     workspace.BlobSource
	snapshots *snapshot.Store
	records   *storage.BadgerStore // checkout:<id>
	byDir     *storage.BadgerStore // checkoutdir:<abs dir> -> id
	ignore    []string
	hooks     []RetireHook
	logger    *zap.Logger
}

func New(db *badger.DB, g *graph.Graph, blobs workspace.BlobSource, snapshots *snapshot.Store, ignore []string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:        db,
		graph:     g,
		blobs:     blobs,
		snapshots: snapshots,
		records:   storage.NewBadgerStore(db, "checkout"),
		byDir:     storage.NewBadgerStore(db, "checkoutdir"),
		ignore:    ignore,
		logger:    logger,
	}
}

// OnRetire registers per-checkout state that must go when a checkout does.
func (m *Manager) OnRetire(hook RetireHook) {
	m.hooks = append(m.hooks, hook)
}

// Checkout materializes the head of project/branch into dir. A checkout that
// already lives in dir is superseded.
func (m *Manager) Checkout(ctx context.Context, project, branch, dir string, opts Options) (*Checkout, error) {
	if err := validation.ValidateName("project", project); err != nil {
		return nil, err
	}
	if err := validation.ValidateName("branch", branch); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}

	var (
		head string
		tree shared.Tree
	)
	err = storage.View(m.db, func(txn *badger.Txn) error {
		b, err := m.graph.GetBranch(txn, project, branch)
		if err != nil {
			return err
		}
		head = b.Head
		tree, err = m.graph.Tree(txn, head)
		return err
	})
	if err != nil {
		return nil, err
	}

	mat, err := workspace.Materialize(ctx, abs, tree.Sorted(), m.blobs, opts.Overwrite)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	co := &Checkout{
		ID:         uuid.NewString(),
		Project:    project,
		Branch:     branch,
		Dir:        abs,
		BaseCommit: head,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = storage.Update(m.db, func(txn *badger.Txn) error {
		var previous string
		if err := m.byDir.Get(txn, abs, &previous); err == nil {
			if err := m.retire(txn, previous); err != nil {
				return err
			}
		} else if !errors.Is(err, derrors.ErrNotFound) {
			return err
		}
		if err := m.records.Create(txn, co.ID, co); err != nil {
			return err
		}
		if err := m.byDir.Put(txn, abs, co.ID); err != nil {
			return err
		}
		return m.snapshots.Write(txn, co.ID, snapshot.FromTree(tree))
	})
	if err != nil {
		if rbErr := mat.Rollback(); rbErr != nil {
			m.logger.Error("rolling back checkout directory", zap.String("dir", abs), zap.Error(rbErr))
		}
		return nil, err
	}
	if err := mat.Finish(); err != nil {
		m.logger.Warn("removing previous directory contents", zap.String("dir", abs), zap.Error(err))
	}

	m.logger.Info("checked out",
		zap.String("checkout", co.ID),
		zap.String("project", project),
		zap.String("branch", branch),
		zap.String("commit", head),
		zap.String("dir", abs),
		zap.Int("files", len(tree)))
	return co, nil
}

// GetTxn loads a checkout record.
func (m *Manager) GetTxn(txn *badger.Txn, id string) (*Checkout, error) {
	var co Checkout
	if err := m.records.Get(txn, id, &co); err != nil {
		if errors.Is(err, derrors.ErrNotFound) {
			return nil, derrors.NotFound(fmt.Sprintf("checkout not found: %s", id))
		}
		return nil, err
	}
	return &co, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Checkout, error) {
	var co *Checkout
	err := storage.View(m.db, func(txn *badger.Txn) error {
		var err error
		co, err = m.GetTxn(txn, id)
		return err
	})
	return co, err
}

// Put stores an updated checkout record.
func (m *Manager) Put(txn *badger.Txn, co *Checkout) error {
	co.UpdatedAt = time.Now().UTC()
	return m.records.Put(txn, co.ID, co)
}

// FindByDir returns the active checkout living in dir or in one of its
// parents.
func (m *Manager) FindByDir(ctx context.Context, dir string) (*Checkout, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	var co *Checkout
	err = storage.View(m.db, func(txn *badger.Txn) error {
		for d := abs; ; d = filepath.Dir(d) {
			var id string
			err := m.byDir.Get(txn, d, &id)
			if err == nil {
				co, err = m.GetTxn(txn, id)
				return err
			}
			if !errors.Is(err, derrors.ErrNotFound) {
				return err
			}
			if d == filepath.Dir(d) {
				return derrors.NotFound(fmt.Sprintf("no active checkout at %s", abs))
			}
		}
	})
	return co, err
}

// ListActive returns the live checkouts, optionally of one project.
func (m *Manager) ListActive(ctx context.Context, project string) ([]*Checkout, error) {
	var all []*Checkout
	err := storage.View(m.db, func(txn *badger.Txn) error {
		return m.records.List(txn, "", &all)
	})
	if err != nil {
		return nil, err
	}

	var out []*Checkout
	for _, co := range all {
		if co.Active && (project == "" || co.Project == project) {
			out = append(out, co)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Invalidate retires a checkout. The directory itself is left alone.
func (m *Manager) Invalidate(ctx context.Context, id string) error {
	err := storage.Update(m.db, func(txn *badger.Txn) error {
		co, err := m.GetTxn(txn, id)
		if err != nil {
			return err
		}
		if !co.Active {
			return nil
		}
		var current string
		if err := m.byDir.Get(txn, co.Dir, &current); err == nil && current == id {
			if err := m.byDir.Delete(txn, co.Dir); err != nil {
				return err
			}
		}
		return m.retire(txn, id)
	})
	if err != nil {
		return err
	}
	m.logger.Info("checkout invalidated", zap.String("checkout", id))
	return nil
}

func (m *Manager) retire(txn *badger.Txn, id string) error {
	co, err := m.GetTxn(txn, id)
	if errors.Is(err, derrors.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	co.Active = false
	if err := m.Put(txn, co); err != nil {
		return err
	}
	if err := m.snapshots.Drop(txn, id); err != nil {
		return err
	}
	for _, hook := range m.hooks {
		if err := hook(txn, id); err != nil {
			return err
		}
	}
	return nil
}

// Baseline loads an active checkout and its snapshot index.
func (m *Manager) Baseline(txn *badger.Txn, id string) (*Checkout, snapshot.Index, error) {
	co, err := m.GetTxn(txn, id)
	if err != nil {
		return nil, nil, err
	}
	if !co.Active {
		return nil, nil, derrors.NotFound(fmt.Sprintf("checkout %s has been invalidated", id))
	}
	idx, err := m.snapshots.Load(txn, id)
	if err != nil {
		return nil, nil, err
	}
	return co, idx, nil
}

// Scanner returns a scanner for the checkout directory honoring the ignore
// rules.
func (m *Manager) Scanner(co *Checkout) *workspace.Scanner {
	return workspace.NewScanner(co.Dir, workspace.NewIgnoreChecker(co.Dir, m.ignore), m.logger)
}

// State is a checkout together with its baseline and the live workspace diff.
type State struct {
	Checkout *Checkout
	Baseline snapshot.Index
	Changes  []shared.Change
}

// Changes diffs the workspace of checkout id against its baseline.
func (m *Manager) Changes(ctx context.Context, id string) (*State, error) {
	st := &State{}
	err := storage.View(m.db, func(txn *badger.Txn) error {
		var err error
		st.Checkout, st.Baseline, err = m.Baseline(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	live := st.Baseline.Live()
	current, err := m.Scanner(st.Checkout).Scan(ctx, live)
	if err != nil {
		return nil, err
	}
	st.Changes = workspace.Classify(live, current)
	return st, nil
}
