package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	derrors "depot/internal/errors"
	"depot/shared/types"
	"depot/shared/utils"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	}
}

func state(path, content string) shared.FileState {
	return shared.FileState{
		FileID: "id-" + path,
		Path:   path,
		Hash:   utils.HashContent([]byte(content)),
		Size:   int64(len(content)),
		Lines:  utils.CountLines([]byte(content)),
	}
}

func TestIgnoreChecker(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		IgnoreFile: "# build output\nbuild/\n*.log\n!keep.log\ndocs/*.tmp\n",
	})
	ic := NewIgnoreChecker(root, []string{".git/", "*.swp"})

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{".git", true, true},
		{".git/config", false, true},
		{"build", true, true},
		{"build/out.bin", false, true},
		{"build", false, false}, // dir-only pattern
		{"app.log", false, true},
		{"sub/app.log", false, true},
		{"keep.log", false, false},
		{"docs/a.tmp", false, true},
		{"other/docs/a.tmp", false, false},
		{"main.go", false, false},
		{"x.swp", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, ic.IsIgnored(tt.path, tt.isDir))
		})
	}
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"a.txt":           "one\n",
		"dir/b.txt":       "two\nlines\n",
		"junk.log":        "noise",
		"logs/server.log": "tracked even though ignored",
	})
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin.dat"), []byte{0, 1, 2}, 0600))

	s := NewScanner(root, NewIgnoreChecker(root, []string{"*.log", "logs/"}), nil)
	tracked := shared.Tree{"logs/server.log": state("logs/server.log", "")}
	got, err := s.Scan(ctx, tracked)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a.txt", "bin.dat", "dir/b.txt", "logs/server.log"}, pathsOf(got))
	assert.Equal(t, 2, got["dir/b.txt"].Lines)
	assert.True(t, got["bin.dat"].Binary)
	assert.Equal(t, uint32(0600), got["bin.dat"].Mode)
	assert.Equal(t, utils.HashContent([]byte("one\n")), got["a.txt"].Hash)
}

func pathsOf(tree shared.Tree) []string {
	var out []string
	for p := range tree {
		out = append(out, p)
	}
	return out
}

func TestClassify(t *testing.T) {
	baseline := shared.Tree{
		"a.txt":   state("a.txt", "1"),
		"b.txt":   state("b.txt", "2"),
		"c.txt":   state("c.txt", "3"),
		"old.txt": state("old.txt", "moved"),
	}
	current := shared.Tree{
		"a.txt":   state("a.txt", "1x"),
		"b.txt":   state("b.txt", "2"),
		"new.txt": state("new.txt", "moved"),
		"d.txt":   state("d.txt", "4"),
	}

	changes := Classify(baseline, current)
	require.Len(t, changes, 4)

	byPath := make(map[string]shared.Change)
	for _, c := range changes {
		byPath[c.Path] = c
	}
	assert.Equal(t, shared.ChangeModified, byPath["a.txt"].Type)
	assert.Equal(t, "id-a.txt", byPath["a.txt"].FileID)
	assert.Equal(t, shared.ChangeDeleted, byPath["c.txt"].Type)
	assert.Equal(t, shared.ChangeAdded, byPath["d.txt"].Type)
	assert.Empty(t, byPath["d.txt"].FileID)

	rename := byPath["new.txt"]
	assert.Equal(t, shared.ChangeRenamed, rename.Type)
	assert.Equal(t, "old.txt", rename.OldPath)
	assert.Equal(t, "id-old.txt", rename.FileID)

	// ordered by path
	assert.Equal(t, "a.txt", changes[0].Path)
	assert.Equal(t, "new.txt", changes[3].Path)

	assert.Empty(t, Classify(baseline, baseline))
}

func TestClassifyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	// each slot is a path; 0 means absent, otherwise one of three contents
	genTree := gen.SliceOfN(6, gen.IntRange(0, 3)).Map(func(slots []int) shared.Tree {
		tree := shared.Tree{}
		for i, v := range slots {
			if v == 0 {
				continue
			}
			p := string(rune('a' + i))
			tree[p] = state(p, string(rune('w'+v)))
		}
		return tree
	})

	properties.Property("applying classified changes to the baseline yields the workspace", prop.ForAll(
		func(baseline, current shared.Tree) bool {
			tree := baseline.Clone()
			for _, ch := range Classify(baseline, current) {
				switch ch.Type {
				case shared.ChangeDeleted:
					delete(tree, ch.Path)
				case shared.ChangeRenamed:
					delete(tree, ch.OldPath)
					tree[ch.Path] = current[ch.Path]
				default:
					tree[ch.Path] = current[ch.Path]
				}
			}
			if len(tree) != len(current) {
				return false
			}
			for p, fs := range current {
				if tree[p].Hash != fs.Hash {
					return false
				}
			}
			return true
		},
		genTree, genTree,
	))

	properties.Property("identical trees have no changes", prop.ForAll(
		func(tree shared.Tree) bool {
			return len(Classify(tree, tree)) == 0
		},
		genTree,
	))

	properties.TestingRun(t)
}

type mapBlobs map[string][]byte

func (m mapBlobs) Get(_ context.Context, hash string) ([]byte, error) {
	data, ok := m[hash]
	if !ok {
		return nil, derrors.NotFound(fmt.Sprintf("blob not found: %s", hash))
	}
	return data, nil
}

func blobsFor(files map[string]string) (mapBlobs, []shared.FileState) {
	blobs := mapBlobs{}
	var states []shared.FileState
	for p, content := range files {
		blobs[utils.HashContent([]byte(content))] = []byte(content)
		states = append(states, state(p, content))
	}
	return blobs, states
}

func TestMaterialize(t *testing.T) {
	ctx := context.Background()
	blobs, files := blobsFor(map[string]string{"a.txt": "1", "dir/b.txt": "2"})

	t.Run("fresh directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "work")
		m, err := Materialize(ctx, dir, files, blobs, false)
		require.NoError(t, err)
		require.NoError(t, m.Finish())

		data, err := os.ReadFile(filepath.Join(dir, "dir", "b.txt"))
		require.NoError(t, err)
		assert.Equal(t, "2", string(data))

		siblings, err := os.ReadDir(filepath.Dir(dir))
		require.NoError(t, err)
		assert.Len(t, siblings, 1, "no temp directories left behind")
	})

	t.Run("non-empty directory refused", func(t *testing.T) {
		dir := t.TempDir()
		writeTree(t, dir, map[string]string{"keep.txt": "mine"})

		_, err := Materialize(ctx, dir, files, blobs, false)
		assert.True(t, errors.Is(err, derrors.ErrDirectoryNotEmpty))

		data, err := os.ReadFile(filepath.Join(dir, "keep.txt"))
		require.NoError(t, err)
		assert.Equal(t, "mine", string(data))
	})

	t.Run("overwrite replaces contents", func(t *testing.T) {
		dir := t.TempDir()
		writeTree(t, dir, map[string]string{"stale.txt": "x"})

		m, err := Materialize(ctx, dir, files, blobs, true)
		require.NoError(t, err)
		require.NoError(t, m.Finish())

		_, err = os.Stat(filepath.Join(dir, "stale.txt"))
		assert.True(t, os.IsNotExist(err))
		_, err = os.Stat(filepath.Join(dir, "a.txt"))
		assert.NoError(t, err)
	})

	t.Run("rollback restores", func(t *testing.T) {
		dir := t.TempDir()
		writeTree(t, dir, map[string]string{"old.txt": "x"})

		m, err := Materialize(ctx, dir, files, blobs, true)
		require.NoError(t, err)
		require.NoError(t, m.Rollback())

		_, err = os.Stat(filepath.Join(dir, "old.txt"))
		assert.NoError(t, err)
		_, err = os.Stat(filepath.Join(dir, "a.txt"))
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("missing blob leaves directory untouched", func(t *testing.T) {
		dir := t.TempDir()
		writeTree(t, dir, map[string]string{"old.txt": "x"})
		broken := append([]shared.FileState{state("c.txt", "never stored")}, files...)

		_, err := Materialize(ctx, dir, broken, blobs, true)
		assert.True(t, errors.Is(err, derrors.ErrNotFound))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "old.txt", entries[0].Name())

		siblings, err := os.ReadDir(filepath.Dir(dir))
		require.NoError(t, err)
		assert.Len(t, siblings, 1)
	})

	t.Run("escaping path rejected", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "work")
		bad := []shared.FileState{{Path: "../evil", Hash: files[0].Hash}}
		_, err := Materialize(ctx, dir, bad, blobs, false)
		assert.True(t, errors.Is(err, derrors.ErrValidation))
		_, err = os.Stat(dir)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestWatcher(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"a.txt": "1", "build/x": "0"})

	w, err := NewWatcher(root, NewIgnoreChecker(root, []string{"build/"}), 50*time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	batches := make(chan []string, 4)
	go w.Run(ctx, func(paths []string) { batches <- paths })

	writeTree(t, root, map[string]string{"a.txt": "2", "build/y": "ignored"})

	select {
	case paths := <-batches:
		assert.Contains(t, paths, "a.txt")
		assert.NotContains(t, paths, "build/y")
	case <-time.After(5 * time.Second):
		t.Fatal("no change batch delivered")
	}
}
