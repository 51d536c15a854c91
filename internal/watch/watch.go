// Package watch provides a filesystem-event-driven workspace digester.
// Instead of re-walking the tree every cycle, it walks once and then keeps
// a revision counter bumped by fsnotify events; the digest only changes
// when something actually changed on disk.
package watch

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mark3labs/supervisr/internal/gate"
	"github.com/mark3labs/supervisr/internal/logger"
)

// Watcher is a gate.Digester backed by fsnotify. Create with New, release
// with Close. Safe for concurrent use.
type Watcher struct {
	root    string
	fsw     *fsnotify.Watcher
	mu      sync.Mutex
	rev     uint64
	base    string
	closed  bool
	done    chan struct{}
	skipped map[string]bool
}

var _ gate.Digester = (*Watcher)(nil)

// New starts watching the workspace root recursively. The initial digest
// is a metadata walk of the tree; every subsequent filesystem event bumps
// the revision that is folded into the digest.
func New(root string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	w := &Watcher{
		root: root,
		fsw:  fsw,
		done: make(chan struct{}),
		skipped: map[string]bool{
			".git": true, "node_modules": true, ".venv": true,
			"__pycache__": true, "vendor": true,
		},
	}

	base, err := (&gate.DirDigest{Root: root}).Digest()
	if err != nil {
		fsw.Close()
		return nil, err
	}
	w.base = base

	if err := w.addRecursive(root); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if w.skipped[entry.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			logger.Debug("Cannot watch %s: %v", path, err)
		}
		return nil
	})
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.mu.Lock()
			w.rev++
			w.mu.Unlock()
			// New directories need their own watch to keep recursion live.
			if ev.Has(fsnotify.Create) {
				if !w.skipped[filepath.Base(ev.Name)] {
					_ = w.addRecursive(ev.Name)
				}
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("Watcher error on %s: %v", w.root, err)
		}
	}
}

// Digest returns the current workspace digest: the initial tree digest
// combined with the event revision counter.
func (w *Watcher) Digest() (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return "", fmt.Errorf("watcher closed")
	}
	return fmt.Sprintf("%s-%d", w.base, w.rev), nil
}

// Close stops watching and releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.fsw.Close()
	<-w.done
	return err
}
