// Package parcel wires the stores and engines of one depot store together.
package parcel

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"depot/internal/checkout"
	"depot/internal/commit"
	"depot/internal/config"
	"depot/internal/diff"
	derrors "depot/internal/errors"
	"depot/internal/graph"
	"depot/internal/registry"
	"depot/internal/safe"
	"depot/internal/snapshot"
	"depot/internal/staging"
	"depot/internal/storage"
	"depot/internal/workspace"
	"depot/shared/types"
	"depot/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Parcel is an open depot store.
type Parcel struct {
	Root      string
	DB        *badger.DB
	Safe      *safe.Safe
	Registry  *registry.Registry
	Graph     *graph.Graph
	Snapshots *snapshot.Store
	Checkouts *checkout.Manager
	Staging   *staging.Area
	Engine    *commit.Engine
	Differ    *diff.Engine
	Logger    *zap.Logger

	ignore   []string
	debounce time.Duration
	scratch  string
}

// Initialize creates the on-disk layout of a store at root.
func Initialize(root string) error {
	for _, dir := range []string{root, filepath.Join(root, "db"), filepath.Join(root, "content")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// New opens the store described by cfg.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Parcel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Parcel{
		Root:     cfg.Store.Path,
		Logger:   logger,
		ignore:   cfg.Workspace.Ignore,
		debounce: time.Duration(cfg.Workspace.DebounceMs) * time.Millisecond,
	}

	opts := storage.Options{Path: filepath.Join(cfg.Store.Path, "db"), InMemory: cfg.Store.InMemory}
	if cfg.Store.InMemory && p.Root == "" {
		dir, err := os.MkdirTemp("", "depot-*")
		if err != nil {
			return nil, fmt.Errorf("creating scratch store: %w", err)
		}
		p.Root, p.scratch = dir, dir
	}
	if !cfg.Store.InMemory {
		if _, err := os.Stat(opts.Path); errors.Is(err, fs.ErrNotExist) {
			return nil, derrors.NotFound(fmt.Sprintf("no depot store at %s (run depot init)", cfg.Store.Path))
		}
	}

	db, err := storage.Open(opts)
	if err != nil {
		p.cleanup()
		return nil, err
	}
	p.DB = db

	backend, err := safe.NewBackend(ctx, cfg.Blobs, p.Root)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("opening blob backend: %w", err)
	}
	p.Safe, err = safe.New(db, safe.Options{
		Backend:   backend,
		CacheSize: cfg.Blobs.CacheSize,
		Compression: safe.CompressionOptions{
			MinSize: cfg.Blobs.CompressMinSize,
			Level:   cfg.Blobs.CompressionLevel,
		},
		OrphanGrace: time.Duration(cfg.Blobs.OrphanGraceMs) * time.Millisecond,
		Logger:      logger.Named("safe"),
	})
	if err != nil {
		p.Close()
		return nil, err
	}

	p.Registry = registry.New(db)
	p.Graph = graph.New(db, logger.Named("graph"))
	p.Snapshots = snapshot.New(db)
	p.Checkouts = checkout.New(db, p.Graph, p.Safe, p.Snapshots, p.ignore, logger.Named("checkout"))
	p.Staging = staging.New(db, p.Checkouts, p.Safe, logger.Named("staging"))
	p.Checkouts.OnRetire(p.Staging.Drop)
	p.Engine = commit.New(db, p.Graph, p.Safe, p.Registry, p.Checkouts, p.Snapshots, p.Staging, commit.Options{
		MaxRetries: cfg.Commit.MaxRetries,
		Logger:     logger.Named("commit"),
	})
	p.Differ = diff.NewEngine(3)
	return p, nil
}

func (p *Parcel) CreateProject(ctx context.Context, name, defaultBranch string) (*graph.Project, error) {
	return p.Graph.CreateProject(ctx, name, defaultBranch)
}

func (p *Parcel) Checkout(ctx context.Context, project, branch, dir string, overwrite bool) (*checkout.Checkout, error) {
	if branch == "" {
		proj, err := p.Graph.Project(ctx, project)
		if err != nil {
			return nil, err
		}
		branch = proj.DefaultBranch
	}
	return p.Checkouts.Checkout(ctx, project, branch, dir, checkout.Options{Overwrite: overwrite})
}

func (p *Parcel) Commit(ctx context.Context, req commit.Request) (*commit.Result, error) {
	return p.Engine.Commit(ctx, req)
}

func (p *Parcel) Stage(ctx context.Context, checkoutID string, specs []string) ([]shared.Change, error) {
	return p.Staging.Stage(ctx, checkoutID, specs)
}

func (p *Parcel) Unstage(ctx context.Context, checkoutID string, specs []string) ([]shared.Change, error) {
	return p.Staging.Unstage(ctx, checkoutID, specs)
}

func (p *Parcel) Status(ctx context.Context, checkoutID string) (*staging.Status, error) {
	return p.Staging.Status(ctx, checkoutID)
}

func (p *Parcel) Log(ctx context.Context, project, branch string, n int) ([]*graph.Commit, error) {
	return p.Graph.Log(ctx, project, branch, n)
}

// Diff renders the workspace changes of a checkout under specs against its
// baseline. Empty specs select every change.
func (p *Parcel) Diff(ctx context.Context, checkoutID string, specs []string) ([]*diff.DiffResult, error) {
	match := staging.Matcher{"."}
	if len(specs) > 0 {
		var err error
		if match, err = staging.NewMatcher(specs); err != nil {
			return nil, err
		}
	}

	st, err := p.Checkouts.Changes(ctx, checkoutID)
	if err != nil {
		return nil, err
	}
	files := p.Checkouts.Scanner(st.Checkout)

	var out []*diff.DiffResult
	for _, ch := range st.Changes {
		if !match.MatchChange(ch) {
			continue
		}
		var before, after []byte
		if ch.OldHash != "" {
			if before, err = p.Safe.Get(ctx, ch.OldHash); err != nil {
				return nil, fmt.Errorf("reading baseline of %s: %w", ch.Path, err)
			}
		}
		if ch.Type != shared.ChangeDeleted {
			if after, _, err = files.Read(ch.Path); err != nil {
				return nil, err
			}
		}

		res := &diff.DiffResult{Path: ch.Path, Binary: utils.IsBinary(before) || utils.IsBinary(after)}
		if !res.Binary {
			if res, err = p.Differ.Diff(before, after); err != nil {
				return nil, err
			}
			res.Path = ch.Path
		}
		out = append(out, res)
	}
	return out, nil
}

// Watch reports the status of a checkout every time its directory settles
// after a change, until ctx is done.
func (p *Parcel) Watch(ctx context.Context, checkoutID string, fn func(*staging.Status, error)) error {
	co, err := p.Checkouts.Get(ctx, checkoutID)
	if err != nil {
		return err
	}
	w, err := workspace.NewWatcher(co.Dir, workspace.NewIgnoreChecker(co.Dir, p.ignore), p.debounce, p.Logger.Named("watch"))
	if err != nil {
		return err
	}
	defer w.Close()

	fn(p.Staging.Status(ctx, checkoutID))
	return w.Run(ctx, func(paths []string) {
		p.Logger.Debug("workspace changed", zap.String("checkout", checkoutID), zap.Strings("paths", paths))
		fn(p.Staging.Status(ctx, checkoutID))
	})
}

// Compact reclaims unreferenced blob bytes. Content held only by staging
// entries survives.
func (p *Parcel) Compact(ctx context.Context) (*safe.CompactReport, error) {
	keep, err := p.Staging.StagedHashes(ctx)
	if err != nil {
		return nil, err
	}
	report, err := p.Safe.Compact(ctx, keep)
	if err != nil {
		return nil, err
	}
	if err := p.DB.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrGCInMemoryMode) {
		p.Logger.Warn("value log gc", zap.Error(err))
	}
	return report, nil
}

func (p *Parcel) Verify(ctx context.Context) (*safe.VerifyReport, error) {
	return p.Safe.Verify(ctx)
}

// Close ensures proper cleanup of resources
func (p *Parcel) Close() error {
	if p == nil {
		return nil
	}

	var errs []error
	if p.DB != nil {
		if err := p.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing database: %w", err))
		}
	}
	if err := p.cleanup(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Parcel) cleanup() error {
	if p.scratch == "" {
		return nil
	}
	err := os.RemoveAll(p.scratch)
	p.scratch = ""
	return err
}
