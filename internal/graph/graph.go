// Package graph stores projects, branches and the append-only commit arena.
package graph

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"time"

	derrors "depot/internal/errors"
	"depot/internal/storage"
	"depot/internal/validation"
	"depot/shared/types"

	"github.com/dgraph-io/badger/v4"
	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
)

type Project struct {
	Name          string    `json:"name"`
	DefaultBranch string    `json:"default_branch"`
	CreatedAt     time.Time `json:"created_at"`
}

// Branch is a named pointer to a head commit. An empty Head means the branch
// has no commits yet.
type Branch struct {
	Project   string    `json:"project"`
	Name      string    `json:"name"`
	Head      string    `json:"head"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Commit is an immutable change-set. Its ID is derived from its content.
type Commit struct {
	ID         string          `json:"id"`
	Parent     string          `json:"parent"`
	Project    string          `json:"project"`
	Branch     string          `json:"branch"`
	Author     string          `json:"author"`
	Message    string          `json:"message"`
	Timestamp  time.Time       `json:"timestamp"`
	Changes    []shared.Change `json:"changes"`
	CheckoutID string          `json:"checkout_id,omitempty"`
}

// Paths returns every path the commit touches.
func (c *Commit) Paths() []string {
	var out []string
	for _, ch := range c.Changes {
		out = append(out, ch.Paths()...)
	}
	return out
}

// ComputeID hashes the canonical JSON form of everything but the id.
func (c *Commit) ComputeID() (string, error) {
	body := *c
	body.ID = ""
	raw, err := json.Marshal(&body)
	if err != nil {
		return "", fmt.Errorf("encoding commit: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing commit: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

type Graph struct {
	db       *badger.DB
	projects *storage.BadgerStore
	branches *storage.BadgerStore
	commits  *storage.BadgerStore
	trees    *storage.BadgerStore
	logger   *zap.Logger
}

func New(db *badger.DB, logger *zap.Logger) *Graph {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Graph{
		db:       db,
		projects: storage.NewBadgerStore(db, "project"),
		branches: storage.NewBadgerStore(db, "branch"),
		commits:  storage.NewBadgerStore(db, "commit"),
		trees:    storage.NewBadgerStore(db, "tree"),
		logger:   logger,
	}
}

// CreateProject registers a project together with its empty default branch.
func (g *Graph) CreateProject(ctx context.Context, name, defaultBranch string) (*Project, error) {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	if err := validation.ValidateName("project", name); err != nil {
		return nil, err
	}
	if err := validation.ValidateName("branch", defaultBranch); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	p := &Project{Name: name, DefaultBranch: defaultBranch, CreatedAt: now}
	err := storage.Update(g.db, func(txn *badger.Txn) error {
		if err := g.projects.Create(txn, name, p); err != nil {
			return err
		}
		return g.branches.Create(txn, name+":"+defaultBranch, &Branch{
			Project:   name,
			Name:      defaultBranch,
			CreatedAt: now,
			UpdatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("project created", zap.String("project", name), zap.String("branch", defaultBranch))
	return p, nil
}

func (g *Graph) GetProject(txn *badger.Txn, name string) (*Project, error) {
	var p Project
	if err := g.projects.Get(txn, name, &p); err != nil {
		if errors.Is(err, derrors.ErrNotFound) {
			return nil, derrors.NotFound(fmt.Sprintf("project not found: %s", name))
		}
		return nil, err
	}
	return &p, nil
}

func (g *Graph) Project(ctx context.Context, name string) (*Project, error) {
	var p *Project
	err := storage.View(g.db, func(txn *badger.Txn) error {
		var err error
		p, err = g.GetProject(txn, name)
		return err
	})
	return p, err
}

func (g *Graph) ListProjects(ctx context.Context) ([]*Project, error) {
	var out []*Project
	err := storage.View(g.db, func(txn *badger.Txn) error {
		return g.projects.List(txn, "", &out)
	})
	return out, err
}

// CreateBranch creates name pointing at from. An empty from creates a branch
// without commits.
func (g *Graph) CreateBranch(ctx context.Context, project, name, from string) (*Branch, error) {
	if err := validation.ValidateName("branch", name); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	b := &Branch{Project: project, Name: name, Head: from, CreatedAt: now, UpdatedAt: now}
	err := storage.Update(g.db, func(txn *badger.Txn) error {
		if _, err := g.GetProject(txn, project); err != nil {
			return err
		}
		if from != "" {
			c, err := g.GetCommit(txn, from)
			if err != nil {
				return err
			}
			if c.Project != project {
				return derrors.ValidationError(fmt.Sprintf("commit %s belongs to project %s", from, c.Project), nil)
			}
		}
		return g.branches.Create(txn, project+":"+name, b)
	})
	if err != nil {
		return nil, err
	}

	g.logger.Info("branch created",
		zap.String("project", project),
		zap.String("branch", name),
		zap.String("from", from))
	return b, nil
}

func (g *Graph) GetBranch(txn *badger.Txn, project, name string) (*Branch, error) {
	var b Branch
	if err := g.branches.Get(txn, project+":"+name, &b); err != nil {
		if errors.Is(err, derrors.ErrNotFound) {
			return nil, derrors.NotFound(fmt.Sprintf("branch not found: %s/%s", project, name))
		}
		return nil, err
	}
	return &b, nil
}

func (g *Graph) Branch(ctx context.Context, project, name string) (*Branch, error) {
	var b *Branch
	err := storage.View(g.db, func(txn *badger.Txn) error {
		var err error
		b, err = g.GetBranch(txn, project, name)
		return err
	})
	return b, err
}

func (g *Graph) ListBranches(ctx context.Context, project string) ([]*Branch, error) {
	var out []*Branch
	err := storage.View(g.db, func(txn *badger.Txn) error {
		if _, err := g.GetProject(txn, project); err != nil {
			return err
		}
		return g.branches.List(txn, project+":", &out)
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// PutCommit appends c and its tree to the arena, assigning its id. Existing
// commits are never overwritten.
func (g *Graph) PutCommit(txn *badger.Txn, c *Commit, tree shared.Tree) error {
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	id, err := c.ComputeID()
	if err != nil {
		return err
	}
	c.ID = id

	if err := g.commits.Create(txn, id, c); err != nil {
		return err
	}
	if tree == nil {
		tree = shared.Tree{}
	}
	return g.trees.Put(txn, id, tree)
}

func (g *Graph) GetCommit(txn *badger.Txn, id string) (*Commit, error) {
	var c Commit
	if err := g.commits.Get(txn, id, &c); err != nil {
		if errors.Is(err, derrors.ErrNotFound) {
			return nil, derrors.NotFound(fmt.Sprintf("commit not found: %s", id))
		}
		return nil, err
	}
	return &c, nil
}

func (g *Graph) Commit(ctx context.Context, id string) (*Commit, error) {
	var c *Commit
	err := storage.View(g.db, func(txn *badger.Txn) error {
		var err error
		c, err = g.GetCommit(txn, id)
		return err
	})
	return c, err
}

// Tree returns the live file states of commit id. The empty id is the empty
// tree of a branch without commits.
func (g *Graph) Tree(txn *badger.Txn, id string) (shared.Tree, error) {
	tree := shared.Tree{}
	if id == "" {
		return tree, nil
	}
	if err := g.trees.Get(txn, id, &tree); err != nil {
		if errors.Is(err, derrors.ErrNotFound) {
			return nil, derrors.NotFound(fmt.Sprintf("commit not found: %s", id))
		}
		return nil, err
	}
	return tree, nil
}

func (g *Graph) CommitTree(ctx context.Context, id string) (shared.Tree, error) {
	var tree shared.Tree
	err := storage.View(g.db, func(txn *badger.Txn) error {
		var err error
		tree, err = g.Tree(txn, id)
		return err
	})
	return tree, err
}

// Advance moves the branch head from expected to id. It is the only way a
// head ever moves.
func (g *Graph) Advance(txn *badger.Txn, project, branch, expected, id string) error {
	b, err := g.GetBranch(txn, project, branch)
	if err != nil {
		return err
	}
	if b.Head != expected {
		return derrors.StaleHead(fmt.Sprintf("branch %s/%s moved: expected %q, found %q", project, branch, expected, b.Head))
	}
	b.Head = id
	b.UpdatedAt = time.Now().UTC()
	return g.branches.Put(txn, project+":"+branch, b)
}

// AppendCommit records c on top of the current branch head in its own
// transaction. Importers that build trees themselves use this instead of the
// commit engine.
func (g *Graph) AppendCommit(ctx context.Context, c *Commit, tree shared.Tree) (*Commit, error) {
	err := storage.Update(g.db, func(txn *badger.Txn) error {
		b, err := g.GetBranch(txn, c.Project, c.Branch)
		if err != nil {
			return err
		}
		c.Parent = b.Head
		if err := g.PutCommit(txn, c, tree); err != nil {
			return err
		}
		return g.Advance(txn, c.Project, c.Branch, b.Head, c.ID)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// CommitsSince returns the commits reachable from head back to, but not
// including, base, newest first. If base is not an ancestor of head the walk
// runs to the root.
func (g *Graph) CommitsSince(txn *badger.Txn, head, base string) ([]*Commit, error) {
	var out []*Commit
	for id := head; id != "" && id != base; {
		c, err := g.GetCommit(txn, id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		id = c.Parent
	}
	return out, nil
}

// History walks a branch from its head to the root. The head is read when
// iteration starts, so ranging again sees later commits.
func (g *Graph) History(ctx context.Context, project, branch string) iter.Seq2[*Commit, error] {
	return func(yield func(*Commit, error) bool) {
		b, err := g.Branch(ctx, project, branch)
		if err != nil {
			yield(nil, err)
			return
		}
		for id := b.Head; id != ""; {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			c, err := g.Commit(ctx, id)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(c, nil) {
				return
			}
			id = c.Parent
		}
	}
}

// Log returns up to n commits of a branch, newest first. n <= 0 means all.
func (g *Graph) Log(ctx context.Context, project, branch string, n int) ([]*Commit, error) {
	var out []*Commit
	for c, err := range g.History(ctx, project, branch) {
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		if n > 0 && len(out) >= n {
			break
		}
	}
	return out, nil
}

// ApplyChanges returns the tree that results from applying changes to parent.
// Changes must carry their file ids.
func ApplyChanges(parent shared.Tree, changes []shared.Change) shared.Tree {
	tree := parent.Clone()
	for _, ch := range changes {
		switch ch.Type {
		case shared.ChangeDeleted:
			delete(tree, ch.Path)
		case shared.ChangeRenamed:
			delete(tree, ch.OldPath)
			tree[ch.Path] = ch.State()
		default:
			tree[ch.Path] = ch.State()
		}
	}
	return tree
}
