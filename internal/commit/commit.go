// Package commit turns workspace edits into commits on a branch.
package commit

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"depot/internal/checkout"
	derrors "depot/internal/errors"
	"depot/internal/graph"
	"depot/internal/registry"
	"depot/internal/safe"
	"depot/internal/snapshot"
	"depot/internal/staging"
	"depot/internal/storage"
	"depot/internal/validation"
	"depot/shared/types"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Request describes one commit attempt.
type Request struct {
	CheckoutID string
	Author     string
	Message    string
	// Paths restricts the commit to staged entries under these paths.
	Paths []string
	// StagedOnly commits every staged entry and nothing else.
	StagedOnly bool
}

func (r Request) partial() bool {
	return r.StagedOnly || len(r.Paths) > 0
}

type Result struct {
	Commit   *graph.Commit      `json:"commit"`
	Checkout *checkout.Checkout `json:"checkout"`
	Attempts int                `json:"attempts"`
}

type Engine struct {
	db         *badger.DB
	graph      *graph.Graph
	safe       *safe.Safe
	registry   *registry.Registry
	checkouts  *checkout.Manager
	snapshots  *snapshot.Store
	staging    *staging.Area
	maxRetries int
	logger     *zap.Logger
}

type Options struct {
	MaxRetries int
	Logger     *zap.Logger
}

func New(db *badger.DB, g *graph.Graph, s *safe.Safe, r *registry.Registry, co *checkout.Manager, snaps *snapshot.Store, st *staging.Area, opts Options) *Engine {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 8
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Engine{
		db:         db,
		graph:      g,
		safe:       s,
		registry:   r,
		checkouts:  co,
		snapshots:  snaps,
		staging:    st,
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
	}
}

// Commit records the pending changes of a checkout on its branch. A commit
// that lost a race against another writer is re-evaluated against the new
// head; it either lands on top of it or fails with a Conflict.
func (e *Engine) Commit(ctx context.Context, req Request) (*Result, error) {
	if err := validation.RequireText("author", req.Author); err != nil {
		return nil, err
	}
	if err := validation.RequireText("message", req.Message); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := e.attempt(ctx, req)
		if err == nil {
			res.Attempts = attempt
			e.logger.Info("commit recorded",
				zap.String("commit", res.Commit.ID),
				zap.String("parent", res.Commit.Parent),
				zap.String("project", res.Commit.Project),
				zap.String("branch", res.Commit.Branch),
				zap.Int("changes", len(res.Commit.Changes)),
				zap.Int("attempts", attempt))
			return res, nil
		}
		if !errors.Is(err, derrors.ErrStaleHead) {
			return nil, err
		}
		e.logger.Debug("commit raced, retrying",
			zap.String("checkout", req.CheckoutID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, derrors.Internal(fmt.Sprintf("commit did not settle after %d attempts", e.maxRetries))
}

// pending is one attempt's view of the checkout before the transaction.
type pending struct {
	checkout *checkout.Checkout
	baseline snapshot.Index
	changes  []shared.Change
	blobs    map[string]safe.BlobMeta
}

func (e *Engine) attempt(ctx context.Context, req Request) (*Result, error) {
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	var res *Result
	err = storage.Update(e.db, func(txn *badger.Txn) error {
		var err error
		res, err = e.apply(txn, req, p)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// prepare selects the changes to commit and writes their bytes. Blob writes
// are idempotent and unreferenced until the transaction retains them.
func (e *Engine) prepare(ctx context.Context, req Request) (*pending, error) {
	st, err := e.checkouts.Changes(ctx, req.CheckoutID)
	if err != nil {
		return nil, err
	}
	p := &pending{
		checkout: st.Checkout,
		baseline: st.Baseline,
		blobs:    make(map[string]safe.BlobMeta),
	}

	if req.partial() {
		err := storage.View(e.db, func(txn *badger.Txn) error {
			var err error
			p.changes, err = e.staging.Staged(txn, req.CheckoutID, req.Paths)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, ch := range p.changes {
			if ch.Type != shared.ChangeDeleted {
				p.blobs[ch.NewHash] = safe.BlobMeta{Hash: ch.NewHash, Size: ch.Size, Lines: ch.Lines, Binary: ch.Binary}
			}
		}
	} else {
		files := e.checkouts.Scanner(st.Checkout)
		for _, ch := range st.Changes {
			if ch.Type != shared.ChangeDeleted {
				content, _, err := files.Read(ch.Path)
				if err != nil {
					return nil, err
				}
				meta, err := e.safe.Write(ctx, content)
				if err != nil {
					return nil, err
				}
				// the file may have changed since the scan; record what was stored
				ch.NewHash, ch.Size, ch.Lines, ch.Binary = meta.Hash, meta.Size, meta.Lines, meta.Binary
				if ch.Type == shared.ChangeModified && ch.NewHash == ch.OldHash {
					continue
				}
				p.blobs[meta.Hash] = meta
			}
			p.changes = append(p.changes, ch)
		}
	}

	if len(p.changes) == 0 {
		return nil, derrors.NothingToCommit()
	}
	return p, nil
}

func (e *Engine) apply(txn *badger.Txn, req Request, p *pending) (*Result, error) {
	co, err := e.checkouts.GetTxn(txn, req.CheckoutID)
	if err != nil {
		return nil, err
	}
	if !co.Active {
		return nil, derrors.NotFound(fmt.Sprintf("checkout %s has been invalidated", co.ID))
	}
	if co.BaseCommit != p.checkout.BaseCommit {
		// another commit from this checkout landed since prepare
		return nil, derrors.StaleHead("checkout baseline moved")
	}

	branch, err := e.graph.GetBranch(txn, co.Project, co.Branch)
	if err != nil {
		return nil, err
	}
	head := branch.Head

	since, err := e.graph.CommitsSince(txn, head, co.BaseCommit)
	if err != nil {
		return nil, err
	}
	if err := checkConflicts(co, head, p, since); err != nil {
		return nil, err
	}

	tree, err := e.graph.Tree(txn, head)
	if err != nil {
		return nil, err
	}

	scope := registry.Scope{Project: co.Project, Branch: co.Branch, Tree: bindings(p.baseline, tree)}
	changes := make([]shared.Change, 0, len(p.changes))
	for _, ch := range p.changes {
		ch.Staged = false
		switch ch.Type {
		case shared.ChangeAdded, shared.ChangeModified:
			ch.FileID, err = e.registry.Ensure(txn, scope, ch.Path)
		case shared.ChangeDeleted:
			ch.FileID, err = e.registry.Retire(txn, scope, ch.Path)
		case shared.ChangeRenamed:
			ch.FileID, err = e.registry.Rename(txn, scope, ch.OldPath, ch.Path)
		default:
			err = derrors.ValidationError(fmt.Sprintf("unknown change type %q", ch.Type), ch)
		}
		if err != nil {
			return nil, fmt.Errorf("resolving identity of %s: %w", ch.Path, err)
		}
		changes = append(changes, ch)
	}
	shared.SortChanges(changes)

	newTree := graph.ApplyChanges(tree, changes)
	// one reference per file state written; history keeps older states alive
	for _, ch := range changes {
		if ch.Type == shared.ChangeDeleted {
			continue
		}
		meta, ok := p.blobs[ch.NewHash]
		if !ok {
			meta = safe.BlobMeta{Hash: ch.NewHash, Size: ch.Size, Lines: ch.Lines, Binary: ch.Binary}
		}
		if _, err := e.safe.Retain(txn, meta); err != nil {
			return nil, err
		}
	}
	c := &graph.Commit{
		Parent:     head,
		Project:    co.Project,
		Branch:     co.Branch,
		Author:     req.Author,
		Message:    req.Message,
		Changes:    changes,
		CheckoutID: co.ID,
	}
	if err := e.graph.PutCommit(txn, c, newTree); err != nil {
		return nil, err
	}
	if err := e.graph.Advance(txn, co.Project, co.Branch, head, c.ID); err != nil {
		return nil, err
	}

	touched := touchedPaths(changes)
	if req.partial() {
		err = e.staging.Clear(txn, co.ID, touched)
	} else {
		// the whole workspace was recorded; staged entries are all superseded
		err = e.staging.Drop(txn, co.ID)
	}
	if err != nil {
		return nil, err
	}

	if err := e.snapshots.Write(txn, co.ID, refresh(p.baseline, newTree, touched, since)); err != nil {
		return nil, err
	}
	co.BaseCommit = c.ID
	if err := e.checkouts.Put(txn, co); err != nil {
		return nil, err
	}

	return &Result{Commit: c, Checkout: co}, nil
}

// bindings is the tree identities are resolved against: the head the
// commit lands on, falling back to what the checkout was handed.
func bindings(baseline snapshot.Index, head shared.Tree) shared.Tree {
	out := baseline.Live()
	for p, fs := range head {
		out[p] = fs
	}
	return out
}

func touchedPaths(changes []shared.Change) []string {
	var out []string
	for _, ch := range changes {
		out = append(out, ch.Paths()...)
	}
	return out
}

// checkConflicts refuses changes to paths that moved on the branch since
// the checkout's base, or that the checkout already knows to be stale.
func checkConflicts(co *checkout.Checkout, head string, p *pending, since []*graph.Commit) error {
	mine := make(map[string]bool)
	for _, ch := range p.changes {
		for _, path := range ch.Paths() {
			mine[path] = true
		}
	}

	paths := make(map[string]bool)
	commits := make(map[string]bool)
	var order []string
	addCommit := func(id string) {
		if id != "" && !commits[id] {
			commits[id] = true
			order = append(order, id)
		}
	}

	for _, c := range since {
		for _, path := range c.Paths() {
			if mine[path] {
				paths[path] = true
				addCommit(c.ID)
			}
		}
	}
	for path := range mine {
		if e, ok := p.baseline[path]; ok && e.Stale {
			paths[path] = true
			addCommit(e.StaleCommit)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	details := derrors.ConflictDetails{
		BaseCommit: co.BaseCommit,
		HeadCommit: head,
		Commits:    order,
	}
	for path := range paths {
		details.Paths = append(details.Paths, path)
	}
	sort.Strings(details.Paths)
	return derrors.Conflict(details)
}

// refresh builds the snapshot index after a commit. Paths this commit wrote
// match the new tree. Paths moved only by interleaved commits keep the old
// baseline and are marked stale, since the workspace still holds what was
// handed out; earlier stale marks survive unless this commit resolved them.
func refresh(baseline snapshot.Index, tree shared.Tree, touched []string, since []*graph.Commit) snapshot.Index {
	idx := snapshot.FromTree(tree)

	mine := make(map[string]bool, len(touched))
	for _, p := range touched {
		mine[p] = true
	}

	for p, e := range baseline {
		if e.Stale && !mine[p] {
			idx[p] = e
		}
	}

	// since is newest first, so the first commit seen for a path is the
	// latest one that moved it
	marked := make(map[string]bool)
	for _, c := range since {
		for _, p := range c.Paths() {
			if mine[p] || marked[p] {
				continue
			}
			marked[p] = true
			if old, ok := baseline[p]; ok {
				if !old.Stale {
					old.Stale = true
					old.StaleCommit = c.ID
				}
				idx[p] = old
				continue
			}
			idx[p] = snapshot.Entry{
				FileState:   shared.FileState{Path: p},
				Absent:      true,
				Stale:       true,
				StaleCommit: c.ID,
			}
		}
	}
	return idx
}
