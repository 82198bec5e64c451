package controller

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// internalDirs are workspace bookkeeping directories the watcher
// ignores; briefings should describe the user's files, not ours.
var internalDirs = map[string]struct{}{
	".conversations": {},
	".checkpoints":   {},
	".tasks":         {},
	".git":           {},
}

// Watcher aggregates filesystem changes under the workspace root
// between briefing ticks.
//
// Thread Safety:
// Watcher is safe for concurrent use.
type Watcher struct {
	root string
	fs   *fsnotify.Watcher

	mu       sync.Mutex
	changes  map[string]string
	limit    int
	overflow int

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher watches root and its subdirectories. limit caps how many
// distinct paths one drain reports.
func NewWatcher(root string, limit int) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	w := &Watcher{
		root:    root,
		fs:      fs,
		changes: make(map[string]string),
		limit:   limit,
		done:    make(chan struct{}),
	}
	if err := w.addTree(root); err != nil {
		_ = fs.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if _, skip := internalDirs[d.Name()]; skip && path != w.root {
			return filepath.SkipDir
		}
		return w.fs.Add(path)
	})
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.record(event)
		case _, ok := <-w.fs.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *Watcher) record(event fsnotify.Event) {
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		rel = event.Name
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if _, skip := internalDirs[part]; skip {
			return
		}
	}
	// New directories join the watch set so nested changes show up.
	if event.Op.Has(fsnotify.Create) {
		if info, serr := os.Stat(event.Name); serr == nil && info.IsDir() {
			_ = w.addTree(event.Name)
		}
	}

	op := "modified"
	switch {
	case event.Op.Has(fsnotify.Create):
		op = "created"
	case event.Op.Has(fsnotify.Remove):
		op = "deleted"
	case event.Op.Has(fsnotify.Rename):
		op = "renamed"
	}

	w.mu.Lock()
	if len(w.changes) >= w.limit {
		if _, exists := w.changes[rel]; !exists {
			w.overflow++
			w.mu.Unlock()
			return
		}
	}
	w.changes[rel] = op
	w.mu.Unlock()
}

// Drain returns the changes seen since the last call, sorted by path,
// and resets the accumulator. The last entry notes overflow when the
// cap was hit.
func (w *Watcher) Drain() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.changes))
	for path, op := range w.changes {
		out = append(out, path+" ("+op+")")
	}
	sort.Strings(out)
	if w.overflow > 0 {
		out = append(out, "... and more changes not listed")
	}
	w.changes = make(map[string]string)
	w.overflow = 0
	return out
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
	}
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	return err
}
