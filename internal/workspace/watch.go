// internal/workspace/watch.go
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reports batches of changed workspace paths. Events are coalesced
// until the tree has been quiet for the debounce interval.
type Watcher struct {
	root     string
	ignore   *IgnoreChecker
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger
}

func NewWatcher(root string, ignore *IgnoreChecker, debounce time.Duration, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ignore == nil {
		ignore = &IgnoreChecker{}
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	w := &Watcher{
		root:     root,
		ignore:   ignore,
		watcher:  fw,
		debounce: debounce,
		logger:   logger,
	}
	if err := w.addTree(root); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and every non-ignored directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != w.root {
			rel, err := filepath.Rel(w.root, p)
			if err != nil {
				return err
			}
			if w.ignore.IsIgnored(filepath.ToSlash(rel), true) {
				return filepath.SkipDir
			}
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("adding directory to watcher: %w", err)
		}
		return nil
	})
}

// Run delivers changed paths to fn until ctx is done.
func (w *Watcher) Run(ctx context.Context, fn func(paths []string)) error {
	pending := make(map[string]bool)
	timer := time.NewTimer(time.Hour)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			rel, ok := w.handleEvent(event)
			if !ok {
				continue
			}
			pending[rel] = true
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", zap.Error(err))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			sort.Strings(paths)
			pending = make(map[string]bool)
			fn(paths)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) (string, bool) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		w.logger.Error("getting relative path", zap.Error(err))
		return "", false
	}
	rel = filepath.ToSlash(rel)

	isDir := false
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			isDir = true
		}
	}
	if w.ignore.IsIgnored(rel, isDir) {
		return "", false
	}
	if isDir {
		if err := w.addTree(event.Name); err != nil {
			w.logger.Error("adding new directory to watcher", zap.Error(err))
		}
	}
	if event.Op == fsnotify.Chmod {
		return "", false
	}
	return rel, true
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
