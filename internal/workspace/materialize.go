// internal/workspace/materialize.go
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	derrors "depot/internal/errors"
	"depot/internal/validation"
	"depot/shared/types"
)

// BlobSource provides blob bytes by hash.
type BlobSource interface {
	Get(ctx context.Context, hash string) ([]byte, error)
}

// Materialization is a tree written next to its target directory and swapped
// into place. Until Finish is called it can be undone with Rollback.
type Materialization struct {
	dir    string
	backup string
	done   bool
}

// Materialize writes files into dir. The tree is first built in a sibling
// temporary directory; only when every file is written is dir replaced, so a
// failure leaves dir untouched. A non-empty dir is refused unless overwrite
// is set.
func Materialize(ctx context.Context, dir string, files []shared.FileState, blobs BlobSource, overwrite bool) (*Materialization, error) {
	dir = filepath.Clean(dir)

	info, err := os.Stat(dir)
	exists := err == nil
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	perm := os.FileMode(0755)
	if exists {
		if !info.IsDir() {
			return nil, derrors.ValidationError(fmt.Sprintf("not a directory: %s", dir), dir)
		}
		empty, err := isEmptyDir(dir)
		if err != nil {
			return nil, err
		}
		if !empty && !overwrite {
			return nil, derrors.DirectoryNotEmpty(dir)
		}
		perm = info.Mode().Perm()
	}

	parent := filepath.Dir(dir)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, fmt.Errorf("creating parent directory: %w", err)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dir)+".depot-*")
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	if err := os.Chmod(tmp, perm); err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}

	if err := writeFiles(ctx, tmp, files, blobs); err != nil {
		os.RemoveAll(tmp)
		return nil, err
	}

	m := &Materialization{dir: dir}
	if exists {
		m.backup = tmp + ".old"
		if err := os.Rename(dir, m.backup); err != nil {
			os.RemoveAll(tmp)
			return nil, fmt.Errorf("moving %s aside: %w", dir, err)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		if m.backup != "" {
			os.Rename(m.backup, dir)
		}
		os.RemoveAll(tmp)
		return nil, fmt.Errorf("swapping in %s: %w", dir, err)
	}
	return m, nil
}

func writeFiles(ctx context.Context, root string, files []shared.FileState, blobs BlobSource) error {
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := validation.CleanPath(f.Path)
		if err != nil {
			return err
		}
		content, err := blobs.Get(ctx, f.Hash)
		if err != nil {
			return fmt.Errorf("reading blob for %s: %w", rel, err)
		}

		target := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", rel, err)
		}
		mode := os.FileMode(f.Mode).Perm()
		if mode == 0 {
			mode = 0644
		}
		if err := os.WriteFile(target, content, mode); err != nil {
			return fmt.Errorf("writing %s: %w", rel, err)
		}
	}
	return nil
}

// Finish discards the previous directory contents.
func (m *Materialization) Finish() error {
	if m.done {
		return nil
	}
	m.done = true
	if m.backup == "" {
		return nil
	}
	return os.RemoveAll(m.backup)
}

// Rollback restores the directory as it was before Materialize.
func (m *Materialization) Rollback() error {
	if m.done {
		return nil
	}
	m.done = true
	if err := os.RemoveAll(m.dir); err != nil {
		return err
	}
	if m.backup == "" {
		return nil
	}
	return os.Rename(m.backup, m.dir)
}

func isEmptyDir(dir string) (bool, error) {
	f, err := os.Open(dir)
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = f.Readdirnames(1)
	if errors.Is(err, io.EOF) {
		return true, nil
	}
	return false, err
}
