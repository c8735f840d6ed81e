// internal/safe/backend.go
package safe

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	derrors "depot/internal/errors"
	"depot/shared/utils"
)

// Backend holds encoded blob bytes keyed by content hash. Metadata and
// reference counts never live here.
type Backend interface {
	Write(ctx context.Context, hash string, data []byte) error
	Read(ctx context.Context, hash string) ([]byte, error)
	Exists(ctx context.Context, hash string) (bool, error)
	// Touch refreshes the modification time of an existing object and
	// reports whether it exists.
	Touch(ctx context.Context, hash string) (bool, error)
	Delete(ctx context.Context, hash string) error
	List(ctx context.Context) ([]ObjectInfo, error)
}

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Hash    string
	ModTime time.Time
}

// FileBackend stores objects under root/<hash[:2]>/<hash[2:]>.
type FileBackend struct {
	root string
}

func NewFileBackend(root string) (*FileBackend, error) {
	if root == "" {
		return nil, fmt.Errorf("root directory is required")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &FileBackend{root: root}, nil
}

func (b *FileBackend) contentPath(hash string) string {
	return filepath.Join(b.root, hash[:2], hash[2:])
}

// Write stores data atomically: a temp file in the target directory is
// renamed over the final path, so readers never see partial objects.
func (b *FileBackend) Write(ctx context.Context, hash string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := b.contentPath(hash)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating content directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("writing content file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("syncing content file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("closing content file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("renaming content file: %w", err)
	}
	return nil
}

func (b *FileBackend) Read(ctx context.Context, hash string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(b.contentPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, derrors.NotFound(fmt.Sprintf("blob not found: %s", hash))
	}
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	return data, nil
}

func (b *FileBackend) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := os.Stat(b.contentPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (b *FileBackend) Touch(ctx context.Context, hash string) (bool, error) {
	now := time.Now()
	err := os.Chtimes(b.contentPath(hash), now, now)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("touching content file: %w", err)
	}
	return true, nil
}

func (b *FileBackend) Delete(ctx context.Context, hash string) error {
	err := os.Remove(b.contentPath(hash))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing content file: %w", err)
	}
	return nil
}

func (b *FileBackend) List(ctx context.Context) ([]ObjectInfo, error) {
	var out []ObjectInfo
	err := filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(b.root, path)
		if err != nil {
			return err
		}
		hash := strings.ReplaceAll(filepath.ToSlash(rel), "/", "")
		if !utils.IsValidHash(hash) {
			// temp files and strays
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Hash: hash, ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing content: %w", err)
	}
	return out, nil
}
