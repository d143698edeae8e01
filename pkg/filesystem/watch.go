package filesystem

import (
	"context"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/internal/metrics"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/notify"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

// Watch is one subscription created by FileSystem.Watch.
type Watch struct {
	Path string
	id   uint64
}

type watchRef struct {
	count int
}

// Watch subscribes handler to changes at or below path. The first watch
// on a path registers it with the adapter; if that fails the path is
// treated as degraded and handler receives conservative subtree changes
// rather than an error.
func (fs *FileSystem) Watch(ctx context.Context, path string, handler notify.Handler) (*Watch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path = vpath.AsFile(path)
	vol, rel, err := fs.resolver.Resolve(path)
	if err != nil {
		return nil, err
	}

	fs.watchMu.Lock()
	ref, ok := fs.watches[path]
	if !ok {
		ref = &watchRef{}
		fs.watches[path] = ref
		if err := vol.Adapter.WatchPath(rel); err != nil {
			logging.WithContext(ctx).Warn("adapter watch failed, falling back to degraded mode",
				logging.Path(path), logging.Volume(vol.Root), logging.Adapter(vol.Adapter.Type()), logging.Err(err))
			fs.notifier.MarkDegraded(path, err)
		}
	}
	ref.count++
	metrics.SetActiveWatches(len(fs.watches))
	fs.watchMu.Unlock()

	id := fs.notifier.Subscribe(path, handler)
	return &Watch{Path: path, id: id}, nil
}

// Unwatch cancels w. The last watch on a path unregisters it with the
// adapter. Unwatching twice is a no-op.
func (fs *FileSystem) Unwatch(w *Watch) error {
	if w == nil || w.id == 0 {
		return nil
	}
	fs.notifier.Unsubscribe(w.id)
	w.id = 0

	fs.watchMu.Lock()
	defer fs.watchMu.Unlock()

	ref, ok := fs.watches[w.Path]
	if !ok {
		return nil
	}
	ref.count--
	if ref.count > 0 {
		return nil
	}
	delete(fs.watches, w.Path)
	metrics.SetActiveWatches(len(fs.watches))
	fs.notifier.ClearDegraded(w.Path)

	vol, rel, err := fs.resolver.Resolve(w.Path)
	if err != nil {
		return nil
	}
	return vol.Adapter.UnwatchPath(rel)
}

// OnChange subscribes handler to every change. Call the returned func to
// unsubscribe.
func (fs *FileSystem) OnChange(handler notify.Handler) func() {
	id := fs.notifier.Subscribe("/", handler)
	return func() { fs.notifier.Unsubscribe(id) }
}

// invalidator is the notifier's hook into the index. It runs before any
// subscriber sees a change.
type invalidator struct {
	fs *FileSystem
}

func (i invalidator) Invalidate(c notify.Change) {
	i.fs.applyChange(c)
}

// applyChange drops cached state for c. A change whose stats equal the
// cached ones is this process's own write echoing back and leaves the
// cache alone.
//
// A Removed change does not retire anything by itself: it may be the late
// echo of an unlink that a newer write has already undone. Entries at or
// below the path are cleared and flagged, and the next backend call
// settles it.
func (fs *FileSystem) applyChange(c notify.Change) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	switch {
	case c.Kind == notify.Removed:
		n := 0
		for key, e := range fs.index {
			if vpath.Contains(c.Path, key) {
				clearLocked(e)
				e.base().reported = true
				n++
			}
		}
		if n > 0 {
			metrics.RecordInvalidation("removed")
		}
	case c.Subtree:
		for key, e := range fs.index {
			if vpath.Contains(c.Path, key) {
				clearLocked(e)
			}
		}
		metrics.RecordInvalidation("subtree")
	default:
		fs.invalidatePathLocked(c.Path, c.Stats, false)
	}
}

// Invalidate drops cached state for path, and for a directory its
// immediate children.
func (fs *FileSystem) Invalidate(path string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.invalidatePathLocked(path, nil, true)
}

// invalidatePathLocked clears both kinds of entry at path, and with
// children set the immediate children of a directory.
func (fs *FileSystem) invalidatePathLocked(path string, stats *models.Stats, children bool) {
	reason := "change"
	if children {
		reason = "explicit"
	}
	for _, key := range []string{vpath.AsFile(path), vpath.AsDir(path)} {
		e, ok := fs.index[key]
		if !ok {
			continue
		}
		b := e.base()
		if stats != nil && b.stats.Equal(stats) {
			logging.Debug("change matches cache", logging.Path(key))
			continue
		}
		clearLocked(e)
		metrics.RecordInvalidation(reason)

		if children && e.IsDirectory() {
			for childKey, child := range fs.index {
				if vpath.Parent(childKey) == key {
					clearLocked(child)
				}
			}
		}
	}
}

// ClearCache drops every cached stats and contents. Entries stay indexed.
func (fs *FileSystem) ClearCache() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for _, e := range fs.index {
		clearLocked(e)
	}
	metrics.RecordInvalidation("clear")
}
