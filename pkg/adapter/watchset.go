package adapter

import (
	"sort"
	"sync"

	"github.com/fruitsalade/vfs/pkg/vpath"
)

// WatchSet tracks the paths an adapter has been asked to watch. Adding a
// path twice is a no-op.
type WatchSet struct {
	mu    sync.RWMutex
	paths map[string]struct{}
}

// NewWatchSet creates an empty set.
func NewWatchSet() *WatchSet {
	return &WatchSet{paths: make(map[string]struct{})}
}

// Add registers path. It reports whether the path was new.
func (w *WatchSet) Add(path string) bool {
	path = vpath.AsFile(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.paths[path]; ok {
		return false
	}
	w.paths[path] = struct{}{}
	return true
}

// Remove unregisters path. It reports whether the path was present.
func (w *WatchSet) Remove(path string) bool {
	path = vpath.AsFile(path)
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.paths[path]; !ok {
		return false
	}
	delete(w.paths, path)
	return true
}

// Covers reports whether path lies within any watched path.
func (w *WatchSet) Covers(path string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	for root := range w.paths {
		if vpath.Contains(root, path) {
			return true
		}
	}
	return false
}

// Paths returns the watched paths in sorted order.
func (w *WatchSet) Paths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.paths))
	for p := range w.paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of watched paths.
func (w *WatchSet) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.paths)
}
