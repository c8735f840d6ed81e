package commit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"depot/internal/checkout"
	derrors "depot/internal/errors"
	"depot/internal/graph"
	"depot/internal/registry"
	"depot/internal/safe"
	"depot/internal/snapshot"
	"depot/internal/staging"
	"depot/internal/storage"
	"depot/shared/types"
	"depot/shared/utils"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	db        *badger.DB
	graph     *graph.Graph
	safe      *safe.Safe
	registry  *registry.Registry
	snapshots *snapshot.Store
	checkouts *checkout.Manager
	staging   *staging.Area
	engine    *Engine
}

func setupTestEngine(t *testing.T) *testEnv {
	t.Helper()
	db, err := storage.Open(storage.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	backend, err := safe.NewFileBackend(filepath.Join(t.TempDir(), "content"))
	require.NoError(t, err)
	s, err := safe.New(db, safe.Options{Backend: backend})
	require.NoError(t, err)

	env := &testEnv{
		db:        db,
		graph:     graph.New(db, zap.NewNop()),
		safe:      s,
		registry:  registry.New(db),
		snapshots: snapshot.New(db),
	}
	env.checkouts = checkout.New(db, env.graph, s, env.snapshots, nil, zap.NewNop())
	env.staging = staging.New(db, env.checkouts, s, zap.NewNop())
	env.checkouts.OnRetire(env.staging.Drop)
	env.engine = New(db, env.graph, s, env.registry, env.checkouts, env.snapshots, env.staging, Options{MaxRetries: 16})

	_, err = env.graph.CreateProject(context.Background(), "demo", "main")
	require.NoError(t, err)
	return env
}

func (env *testEnv) checkout(t *testing.T) *checkout.Checkout {
	t.Helper()
	co, err := env.checkouts.Checkout(context.Background(), "demo", "main", filepath.Join(t.TempDir(), "w"), checkout.Options{})
	require.NoError(t, err)
	return co
}

func (env *testEnv) commit(co *checkout.Checkout, message string) (*Result, error) {
	return env.engine.Commit(context.Background(), Request{CheckoutID: co.ID, Author: "alice", Message: message})
}

func (env *testEnv) head(t *testing.T) string {
	t.Helper()
	b, err := env.graph.Branch(context.Background(), "demo", "main")
	require.NoError(t, err)
	return b.Head
}

func write(t *testing.T, co *checkout.Checkout, rel, content string) {
	t.Helper()
	p := filepath.Join(co.Dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

// seedDemo records c1 with a.txt="1" and b.txt="2" through a throwaway
// checkout.
func (env *testEnv) seedDemo(t *testing.T) *graph.Commit {
	t.Helper()
	co := env.checkout(t)
	write(t, co, "a.txt", "1")
	write(t, co, "b.txt", "2")
	res, err := env.commit(co, "c1")
	require.NoError(t, err)
	return res.Commit
}

func TestFirstCommit(t *testing.T) {
	env := setupTestEngine(t)
	c1 := env.seedDemo(t)

	assert.Empty(t, c1.Parent)
	require.Len(t, c1.Changes, 2)
	for _, ch := range c1.Changes {
		assert.Equal(t, shared.ChangeAdded, ch.Type)
		assert.NotEmpty(t, ch.FileID)
		assert.False(t, ch.Staged)
	}
	assert.Equal(t, c1.ID, env.head(t))

	tree, err := env.graph.CommitTree(context.Background(), c1.ID)
	require.NoError(t, err)
	assert.Equal(t, utils.HashContent([]byte("1")), tree["a.txt"].Hash)

	meta, err := env.safe.Stat(context.Background(), tree["a.txt"].Hash)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), meta.RefCount)
}

func TestDemoDisjointCommitsBothLand(t *testing.T) {
	env := setupTestEngine(t)
	c1 := env.seedDemo(t)

	w1 := env.checkout(t)
	w2 := env.checkout(t)

	write(t, w1, "a.txt", "1x")
	r2, err := env.commit(w1, "c2")
	require.NoError(t, err)
	c2 := r2.Commit
	assert.Equal(t, c1.ID, c2.Parent)
	require.Len(t, c2.Changes, 1)
	assert.Equal(t, "a.txt", c2.Changes[0].Path)
	assert.Equal(t, shared.ChangeModified, c2.Changes[0].Type)

	write(t, w2, "b.txt", "2x")
	r3, err := env.commit(w2, "c3")
	require.NoError(t, err)
	c3 := r3.Commit
	assert.Equal(t, c2.ID, c3.Parent)
	assert.Equal(t, c3.ID, env.head(t))

	tree, err := env.graph.CommitTree(context.Background(), c3.ID)
	require.NoError(t, err)
	assert.Equal(t, utils.HashContent([]byte("1x")), tree["a.txt"].Hash)
	assert.Equal(t, utils.HashContent([]byte("2x")), tree["b.txt"].Hash)

	// w2 still holds the old a.txt; its baseline says so
	var idx snapshot.Index
	err = storage.View(env.db, func(txn *badger.Txn) error {
		var err error
		idx, err = env.snapshots.Load(txn, w2.ID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a.txt": c2.ID}, idx.StalePaths())
	assert.Equal(t, utils.HashContent([]byte("1")), idx["a.txt"].Hash)

	st, err := env.checkouts.Changes(context.Background(), w2.ID)
	require.NoError(t, err)
	assert.Empty(t, st.Changes)
}

func TestDemoOverlappingCommitConflicts(t *testing.T) {
	env := setupTestEngine(t)
	c1 := env.seedDemo(t)

	w1 := env.checkout(t)
	w2 := env.checkout(t)
	write(t, w1, "a.txt", "one")
	write(t, w2, "a.txt", "two")

	r, err := env.commit(w1, "first")
	require.NoError(t, err)
	head := env.head(t)
	assert.Equal(t, r.Commit.ID, head)

	_, err = env.commit(w2, "second")
	require.True(t, errors.Is(err, derrors.ErrConflict))
	details, ok := derrors.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, []string{"a.txt"}, details.Paths)
	assert.Equal(t, c1.ID, details.BaseCommit)
	assert.Equal(t, head, details.HeadCommit)
	assert.Equal(t, []string{head}, details.Commits)

	assert.Equal(t, head, env.head(t))
	co, err := env.checkouts.Get(context.Background(), w2.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, co.BaseCommit)
}

func TestConcurrentCommits(t *testing.T) {
	t.Run("disjoint paths all land", func(t *testing.T) {
		env := setupTestEngine(t)
		env.seedDemo(t)

		const writers = 4
		cos := make([]*checkout.Checkout, writers)
		for i := range cos {
			cos[i] = env.checkout(t)
			write(t, cos[i], filepath.Join("w", string(rune('a'+i))+".txt"), "content")
		}

		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := range cos {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = env.commit(cos[i], "parallel")
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			require.NoError(t, err)
		}

		log, err := env.graph.Log(context.Background(), "demo", "main", 0)
		require.NoError(t, err)
		assert.Len(t, log, writers+1)
		tree, err := env.graph.CommitTree(context.Background(), env.head(t))
		require.NoError(t, err)
		assert.Len(t, tree, writers+2)
	})

	t.Run("same path exactly one wins", func(t *testing.T) {
		env := setupTestEngine(t)
		env.seedDemo(t)

		const writers = 4
		cos := make([]*checkout.Checkout, writers)
		for i := range cos {
			cos[i] = env.checkout(t)
			write(t, cos[i], "a.txt", string(rune('A'+i)))
		}

		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := range cos {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = env.commit(cos[i], "racing")
			}(i)
		}
		wg.Wait()

		var won, conflicted int
		for _, err := range errs {
			switch {
			case err == nil:
				won++
			case errors.Is(err, derrors.ErrConflict):
				conflicted++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, won)
		assert.Equal(t, writers-1, conflicted)
	})
}

func TestNoFalseConflictAfterOwnCommit(t *testing.T) {
	env := setupTestEngine(t)
	env.seedDemo(t)
	co := env.checkout(t)

	write(t, co, "a.txt", "first edit")
	_, err := env.commit(co, "one")
	require.NoError(t, err)

	write(t, co, "a.txt", "second edit")
	r, err := env.commit(co, "two")
	require.NoError(t, err)
	assert.Equal(t, r.Commit.ID, r.Checkout.BaseCommit)
}

func TestNothingToCommit(t *testing.T) {
	env := setupTestEngine(t)
	env.seedDemo(t)
	co := env.checkout(t)

	_, err := env.commit(co, "empty")
	assert.True(t, errors.Is(err, derrors.ErrNothingToCommit))

	// editing and reverting is still nothing
	write(t, co, "a.txt", "changed")
	write(t, co, "a.txt", "1")
	_, err = env.commit(co, "reverted")
	assert.True(t, errors.Is(err, derrors.ErrNothingToCommit))

	write(t, co, "a.txt", "changed")
	_, err = env.commit(co, "real")
	require.NoError(t, err)
	_, err = env.commit(co, "again")
	assert.True(t, errors.Is(err, derrors.ErrNothingToCommit))
}

func TestCommitValidation(t *testing.T) {
	env := setupTestEngine(t)
	co := env.checkout(t)
	write(t, co, "a.txt", "1")

	_, err := env.engine.Commit(context.Background(), Request{CheckoutID: co.ID, Message: "m"})
	assert.True(t, errors.Is(err, derrors.ErrValidation))
	_, err = env.engine.Commit(context.Background(), Request{CheckoutID: co.ID, Author: "alice"})
	assert.True(t, errors.Is(err, derrors.ErrValidation))
	_, err = env.engine.Commit(context.Background(), Request{CheckoutID: "missing", Author: "alice", Message: "m"})
	assert.True(t, errors.Is(err, derrors.ErrNotFound))

	require.NoError(t, env.checkouts.Invalidate(context.Background(), co.ID))
	_, err = env.commit(co, "m")
	assert.True(t, errors.Is(err, derrors.ErrNotFound))
}

func TestPartialCommit(t *testing.T) {
	ctx := context.Background()
	env := setupTestEngine(t)
	env.seedDemo(t)
	co := env.checkout(t)

	write(t, co, "a.txt", "staged")
	write(t, co, "b.txt", "2x")
	_, err := env.staging.Stage(ctx, co.ID, []string{"a.txt"})
	require.NoError(t, err)
	write(t, co, "a.txt", "edited after staging")

	r, err := env.engine.Commit(ctx, Request{CheckoutID: co.ID, Author: "alice", Message: "partial", StagedOnly: true})
	require.NoError(t, err)
	require.Len(t, r.Commit.Changes, 1)
	assert.Equal(t, "a.txt", r.Commit.Changes[0].Path)
	assert.Equal(t, utils.HashContent([]byte("staged")), r.Commit.Changes[0].NewHash)

	st, err := env.staging.Status(ctx, co.ID)
	require.NoError(t, err)
	assert.Empty(t, st.Staged)
	var unstaged []string
	for _, ch := range st.Unstaged {
		unstaged = append(unstaged, ch.Path)
	}
	assert.Equal(t, []string{"a.txt", "b.txt"}, unstaged)

	_, err = env.engine.Commit(ctx, Request{CheckoutID: co.ID, Author: "alice", Message: "nothing staged", StagedOnly: true})
	assert.True(t, errors.Is(err, derrors.ErrNothingToCommit))

	_, err = env.staging.Stage(ctx, co.ID, []string{"."})
	require.NoError(t, err)
	r, err = env.engine.Commit(ctx, Request{CheckoutID: co.ID, Author: "alice", Message: "only b", Paths: []string{"b.txt"}})
	require.NoError(t, err)
	require.Len(t, r.Commit.Changes, 1)
	assert.Equal(t, "b.txt", r.Commit.Changes[0].Path)

	st, err = env.staging.Status(ctx, co.ID)
	require.NoError(t, err)
	require.Len(t, st.Staged, 1)
	assert.Equal(t, "a.txt", st.Staged[0].Path)
}

func TestFullCommitDropsStagedEntries(t *testing.T) {
	ctx := context.Background()
	env := setupTestEngine(t)
	env.seedDemo(t)
	co := env.checkout(t)

	write(t, co, "a.txt", "staged then reverted")
	_, err := env.staging.Stage(ctx, co.ID, []string{"a.txt"})
	require.NoError(t, err)
	write(t, co, "a.txt", "1")
	write(t, co, "b.txt", "2x")

	r, err := env.commit(co, "full")
	require.NoError(t, err)
	require.Len(t, r.Commit.Changes, 1)
	assert.Equal(t, "b.txt", r.Commit.Changes[0].Path)

	require.NoError(t, storage.View(env.db, func(txn *badger.Txn) error {
		entries, err := env.staging.Load(txn, co.ID)
		assert.Empty(t, entries)
		return err
	}))

	_, err = env.engine.Commit(ctx, Request{CheckoutID: co.ID, Author: "alice", Message: "stale stage", StagedOnly: true})
	assert.True(t, errors.Is(err, derrors.ErrNothingToCommit))

	tree, err := env.graph.CommitTree(ctx, env.head(t))
	require.NoError(t, err)
	assert.Equal(t, utils.HashContent([]byte("1")), tree["a.txt"].Hash)
}

func TestStalePathConflicts(t *testing.T) {
	env := setupTestEngine(t)
	env.seedDemo(t)
	w1 := env.checkout(t)
	w2 := env.checkout(t)

	write(t, w1, "a.txt", "from w1")
	r1, err := env.commit(w1, "w1 edits a")
	require.NoError(t, err)

	// w2 lands a disjoint commit first, which moves its base past r1
	write(t, w2, "b.txt", "from w2")
	_, err = env.commit(w2, "w2 edits b")
	require.NoError(t, err)

	write(t, w2, "a.txt", "w2 now edits a")
	_, err = env.commit(w2, "w2 edits a")
	require.True(t, errors.Is(err, derrors.ErrConflict))
	details, ok := derrors.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, []string{"a.txt"}, details.Paths)
	assert.Equal(t, []string{r1.Commit.ID}, details.Commits)
}

func TestConcurrentAddsOfSamePathConflict(t *testing.T) {
	env := setupTestEngine(t)
	env.seedDemo(t)
	w1 := env.checkout(t)
	w2 := env.checkout(t)

	write(t, w1, "new.txt", "mine")
	write(t, w2, "new.txt", "theirs")
	_, err := env.commit(w1, "add")
	require.NoError(t, err)
	_, err = env.commit(w2, "add too")
	assert.True(t, errors.Is(err, derrors.ErrConflict))
}

func TestRenameKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	env := setupTestEngine(t)
	c1 := env.seedDemo(t)

	var before string
	for _, ch := range c1.Changes {
		if ch.Path == "a.txt" {
			before = ch.FileID
		}
	}
	require.NotEmpty(t, before)

	co := env.checkout(t)
	require.NoError(t, os.Rename(filepath.Join(co.Dir, "a.txt"), filepath.Join(co.Dir, "moved.txt")))
	r, err := env.commit(co, "rename")
	require.NoError(t, err)

	require.Len(t, r.Commit.Changes, 1)
	ch := r.Commit.Changes[0]
	assert.Equal(t, shared.ChangeRenamed, ch.Type)
	assert.Equal(t, "a.txt", ch.OldPath)
	assert.Equal(t, before, ch.FileID)

	tree, err := env.graph.CommitTree(ctx, r.Commit.ID)
	require.NoError(t, err)
	assert.NotContains(t, tree, "a.txt")
	assert.Equal(t, before, tree["moved.txt"].FileID)

	recs, err := env.registry.Renames("demo", before)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "moved.txt", recs[0].To)

	// a new a.txt is a new file
	write(t, co, "a.txt", "reborn")
	r, err = env.commit(co, "re-add")
	require.NoError(t, err)
	assert.NotEqual(t, before, r.Commit.Changes[0].FileID)
}

func TestDeleteCommit(t *testing.T) {
	env := setupTestEngine(t)
	env.seedDemo(t)
	co := env.checkout(t)

	require.NoError(t, os.Remove(filepath.Join(co.Dir, "b.txt")))
	r, err := env.commit(co, "drop b")
	require.NoError(t, err)
	require.Len(t, r.Commit.Changes, 1)
	assert.Equal(t, shared.ChangeDeleted, r.Commit.Changes[0].Type)

	tree, err := env.graph.CommitTree(context.Background(), r.Commit.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, utils.SortedKeys(tree))

	fresh := env.checkout(t)
	_, err = os.Stat(filepath.Join(fresh.Dir, "b.txt"))
	assert.True(t, os.IsNotExist(err))
}

func (env *testEnv) checkoutBranch(t *testing.T, branch string) *checkout.Checkout {
	t.Helper()
	co, err := env.checkouts.Checkout(context.Background(), "demo", branch, filepath.Join(t.TempDir(), "w"), checkout.Options{})
	require.NoError(t, err)
	return co
}

func fileIDs(c *graph.Commit) map[string]string {
	ids := make(map[string]string)
	for _, ch := range c.Changes {
		ids[ch.Path] = ch.FileID
	}
	return ids
}

func TestCommitsOnForkedBranch(t *testing.T) {
	ctx := context.Background()

	fork := func(t *testing.T) (*testEnv, map[string]string) {
		env := setupTestEngine(t)
		c1 := env.seedDemo(t)
		_, err := env.graph.CreateBranch(ctx, "demo", "feature", c1.ID)
		require.NoError(t, err)
		return env, fileIDs(c1)
	}

	t.Run("delete on both branches", func(t *testing.T) {
		env, ids := fork(t)
		m := env.checkout(t)
		f := env.checkoutBranch(t, "feature")

		require.NoError(t, os.Remove(filepath.Join(m.Dir, "a.txt")))
		_, err := env.commit(m, "drop a on main")
		require.NoError(t, err)

		require.NoError(t, os.Remove(filepath.Join(f.Dir, "a.txt")))
		r, err := env.commit(f, "drop a on feature")
		require.NoError(t, err)
		require.Len(t, r.Commit.Changes, 1)
		assert.Equal(t, shared.ChangeDeleted, r.Commit.Changes[0].Type)
		assert.Equal(t, ids["a.txt"], r.Commit.Changes[0].FileID)

		recs, err := env.registry.Retirements("demo", ids["a.txt"])
		require.NoError(t, err)
		assert.Len(t, recs, 2)
	})

	t.Run("rename onto a path added on the other branch", func(t *testing.T) {
		env, ids := fork(t)
		m := env.checkout(t)
		f := env.checkoutBranch(t, "feature")

		write(t, m, "c.txt", "main's c")
		rm, err := env.commit(m, "add c on main")
		require.NoError(t, err)

		require.NoError(t, os.Rename(filepath.Join(f.Dir, "a.txt"), filepath.Join(f.Dir, "c.txt")))
		r, err := env.commit(f, "rename a on feature")
		require.NoError(t, err)
		require.Len(t, r.Commit.Changes, 1)
		assert.Equal(t, shared.ChangeRenamed, r.Commit.Changes[0].Type)
		assert.Equal(t, ids["a.txt"], r.Commit.Changes[0].FileID)

		tree, err := env.graph.CommitTree(ctx, r.Commit.ID)
		require.NoError(t, err)
		assert.Equal(t, ids["a.txt"], tree["c.txt"].FileID)
		assert.NotEqual(t, fileIDs(rm.Commit)["c.txt"], tree["c.txt"].FileID)
	})

	t.Run("modify a path renamed on the other branch", func(t *testing.T) {
		env, ids := fork(t)
		m := env.checkout(t)
		f := env.checkoutBranch(t, "feature")

		require.NoError(t, os.Rename(filepath.Join(m.Dir, "a.txt"), filepath.Join(m.Dir, "moved.txt")))
		_, err := env.commit(m, "rename a on main")
		require.NoError(t, err)

		write(t, f, "a.txt", "edited on feature")
		r, err := env.commit(f, "edit a on feature")
		require.NoError(t, err)
		require.Len(t, r.Commit.Changes, 1)
		assert.Equal(t, shared.ChangeModified, r.Commit.Changes[0].Type)
		assert.Equal(t, ids["a.txt"], r.Commit.Changes[0].FileID)
	})

	t.Run("modify a path deleted on the other branch", func(t *testing.T) {
		env, ids := fork(t)
		m := env.checkout(t)
		f := env.checkoutBranch(t, "feature")

		require.NoError(t, os.Remove(filepath.Join(m.Dir, "b.txt")))
		_, err := env.commit(m, "drop b on main")
		require.NoError(t, err)

		write(t, f, "b.txt", "still here")
		r, err := env.commit(f, "edit b on feature")
		require.NoError(t, err)
		assert.Equal(t, ids["b.txt"], r.Commit.Changes[0].FileID)

		b, err := env.graph.Branch(ctx, "demo", "feature")
		require.NoError(t, err)
		assert.Equal(t, r.Commit.ID, b.Head)
		assert.Equal(t, fileIDs(r.Commit)["b.txt"], ids["b.txt"])
	})
}

func TestRefresh(t *testing.T) {
	state := func(p, h string) shared.FileState { return shared.FileState{Path: p, Hash: h, FileID: "id-" + p} }
	baseline := snapshot.FromTree(shared.Tree{
		"a.txt": state("a.txt", "a1"),
		"b.txt": state("b.txt", "b1"),
	})
	baseline["old.txt"] = snapshot.Entry{FileState: state("old.txt", "o1"), Stale: true, StaleCommit: "c0"}

	tree := shared.Tree{
		"a.txt":   state("a.txt", "a3"),
		"b.txt":   state("b.txt", "b2"),
		"c.txt":   state("c.txt", "c2"),
		"old.txt": state("old.txt", "o2"),
	}
	since := []*graph.Commit{
		{ID: "c2", Changes: []shared.Change{{Path: "b.txt", Type: shared.ChangeModified}, {Path: "c.txt", Type: shared.ChangeAdded}}},
		{ID: "c1", Changes: []shared.Change{{Path: "b.txt", Type: shared.ChangeModified}}},
	}

	idx := refresh(baseline, tree, []string{"a.txt"}, since)

	assert.Equal(t, "a3", idx["a.txt"].Hash)
	assert.False(t, idx["a.txt"].Stale)

	assert.Equal(t, "b1", idx["b.txt"].Hash)
	assert.True(t, idx["b.txt"].Stale)
	assert.Equal(t, "c2", idx["b.txt"].StaleCommit)

	assert.True(t, idx["c.txt"].Absent)
	assert.True(t, idx["c.txt"].Stale)

	assert.Equal(t, "o1", idx["old.txt"].Hash)
	assert.Equal(t, "c0", idx["old.txt"].StaleCommit)

	live := idx.Live()
	assert.NotContains(t, live, "c.txt")
	assert.Equal(t, "b1", live["b.txt"].Hash)
}
