// Package watch wakes the poller early when CSV files land in a local
// source directory.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/logflow/tableflow/pkg/storage/object"
)

// DirNotifier watches a directory tree and calls Wake once a burst of
// matching writes has settled.
type DirNotifier struct {
	watcher  *fsnotify.Watcher
	root     string
	filter   object.Filter
	debounce time.Duration
	log      *zap.SugaredLogger

	mu    sync.Mutex
	timer *time.Timer

	// Wake is called after the debounce window. It must not block.
	Wake func()
	// OnError receives watcher errors.
	OnError func(err error)
}

// NewDirNotifier watches root and every directory beneath it. Paths are
// matched against filter relative to root.
func NewDirNotifier(root string, filter object.Filter, debounce time.Duration, log *zap.SugaredLogger) (*DirNotifier, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	n := &DirNotifier{
		watcher:  fsWatcher,
		root:     absRoot,
		filter:   filter,
		debounce: debounce,
		log:      log,
	}
	if err := n.addTree(absRoot); err != nil {
		fsWatcher.Close()
		return nil, err
	}
	return n, nil
}

func (n *DirNotifier) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := n.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", p, err)
		}
		return nil
	})
}

// relevant reports whether an event path is a source object.
func (n *DirNotifier) relevant(name string) bool {
	rel, err := filepath.Rel(n.root, name)
	if err != nil {
		return false
	}
	return n.filter.Match(filepath.ToSlash(rel))
}

// Run blocks until ctx is cancelled.
func (n *DirNotifier) Run(ctx context.Context) error {
	defer n.stopTimer()
	for {
		select {
		case <-ctx.Done():
			n.watcher.Close()
			return ctx.Err()

		case event, ok := <-n.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if st, err := os.Stat(event.Name); err == nil && st.IsDir() {
					if err := n.addTree(event.Name); err != nil {
						n.report(err)
					}
					continue
				}
			}
			if !n.relevant(event.Name) {
				continue
			}
			n.schedule()

		case err, ok := <-n.watcher.Errors:
			if !ok {
				return nil
			}
			n.report(err)
		}
	}
}

func (n *DirNotifier) schedule() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
	}
	n.timer = time.AfterFunc(n.debounce, func() {
		n.log.Debugw("source directory changed, waking poller", "root", n.root)
		if n.Wake != nil {
			n.Wake()
		}
	})
}

func (n *DirNotifier) stopTimer() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.timer != nil {
		n.timer.Stop()
	}
}

func (n *DirNotifier) report(err error) {
	n.log.Warnw("watch error", "root", n.root, "error", err)
	if n.OnError != nil {
		n.OnError(err)
	}
}

// Close stops the watcher.
func (n *DirNotifier) Close() error {
	n.stopTimer()
	return n.watcher.Close()
}
