// internal/workspace/scan.go
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"depot/shared/types"
	"depot/shared/utils"

	"go.uber.org/zap"
)

// Scanner reads the current state of a checkout directory.
type Scanner struct {
	root   string
	ignore *IgnoreChecker
	logger *zap.Logger
}

func NewScanner(root string, ignore *IgnoreChecker, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ignore == nil {
		ignore = &IgnoreChecker{}
	}
	return &Scanner{root: root, ignore: ignore, logger: logger}
}

func (s *Scanner) Root() string {
	return s.root
}

// Scan hashes every regular file under the root. Paths in tracked are
// reported even when an ignore rule matches them.
func (s *Scanner) Scan(ctx context.Context, tracked shared.Tree) (shared.Tree, error) {
	out := make(shared.Tree)
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == s.root {
			return nil
		}

		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return fmt.Errorf("getting relative path: %w", err)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if s.ignore.IsIgnored(rel, true) && !hasTrackedUnder(tracked, rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			s.logger.Debug("skipping non-regular file", zap.String("path", rel))
			return nil
		}
		if _, ok := tracked[rel]; !ok && s.ignore.IsIgnored(rel, false) {
			return nil
		}

		state, err := s.Stat(rel)
		if err != nil {
			return err
		}
		out[rel] = state
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", s.root, err)
	}
	return out, nil
}

// Stat hashes a single workspace file.
func (s *Scanner) Stat(rel string) (shared.FileState, error) {
	content, info, err := s.Read(rel)
	if err != nil {
		return shared.FileState{}, err
	}
	return shared.FileState{
		Path:   rel,
		Hash:   utils.HashContent(content),
		Size:   int64(len(content)),
		Lines:  utils.CountLines(content),
		Binary: utils.IsBinary(content),
		Mode:   uint32(info.Mode().Perm()),
	}, nil
}

// Read returns the content of a workspace file.
func (s *Scanner) Read(rel string) ([]byte, os.FileInfo, error) {
	abs := filepath.Join(s.root, filepath.FromSlash(rel))
	info, err := os.Stat(abs)
	if err != nil {
		return nil, nil, err
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", rel, err)
	}
	return content, info, nil
}

func hasTrackedUnder(tracked shared.Tree, dir string) bool {
	prefix := dir + "/"
	for p := range tracked {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}
