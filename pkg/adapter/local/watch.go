package local

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

// WatchPath watches path. A directory is watched recursively; a file is
// watched through its parent directory.
func (a *Adapter) WatchPath(path string) error {
	path = vpath.AsFile(path)

	if a.poller != nil {
		if err := a.poller.Add(context.Background(), path); err != nil {
			return fserrors.FromOS("watch", path, err)
		}
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.roots[path]; ok {
		return nil
	}

	full := a.fullPath(path)
	info, err := os.Stat(full)
	if err != nil {
		return fserrors.FromOS("watch", path, err)
	}

	var dirs []string
	if info.IsDir() {
		err = filepath.WalkDir(full, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				dirs = append(dirs, p)
			}
			return nil
		})
		if err != nil {
			return fserrors.FromOS("watch", path, err)
		}
	} else {
		dirs = []string{filepath.Dir(full)}
	}

	var added []string
	for _, dir := range dirs {
		if err := a.addDirLocked(dir); err != nil {
			for _, d := range added {
				a.removeDirLocked(d)
			}
			return fserrors.FromOS("watch", path, err)
		}
		added = append(added, dir)
	}
	a.roots[path] = added
	logging.Debug("watching local path", logging.Path(path), logging.Int("dirs", len(added)))
	return nil
}

// UnwatchPath stops watching path.
func (a *Adapter) UnwatchPath(path string) error {
	path = vpath.AsFile(path)

	if a.poller != nil {
		a.poller.Remove(path)
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	dirs, ok := a.roots[path]
	if !ok {
		return nil
	}
	delete(a.roots, path)
	for _, dir := range dirs {
		a.removeDirLocked(dir)
	}
	return nil
}

func (a *Adapter) addDirLocked(dir string) error {
	if a.dirRefs[dir] == 0 {
		if err := a.watcher.Add(dir); err != nil {
			return err
		}
	}
	a.dirRefs[dir]++
	return nil
}

func (a *Adapter) removeDirLocked(dir string) {
	a.dirRefs[dir]--
	if a.dirRefs[dir] > 0 {
		return
	}
	delete(a.dirRefs, dir)
	// The directory may already be gone, which drops the watch on its own.
	_ = a.watcher.Remove(dir)
}

// rootsCovering returns the watched roots whose tree contains rel.
func (a *Adapter) rootsCovering(rel string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for root := range a.roots {
		if vpath.Contains(root, rel) {
			out = append(out, root)
		}
	}
	return out
}

func (a *Adapter) watchLoop(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.watcher.Events:
			if !ok {
				return
			}
			a.handle(ev)
		case err, ok := <-a.watcher.Errors:
			if !ok {
				return
			}
			a.watchFailed(err)
		}
	}
}

func (a *Adapter) handle(ev fsnotify.Event) {
	if isTemp(filepath.Base(ev.Name)) {
		return
	}
	rel, ok := a.relPath(ev.Name)
	if !ok {
		return
	}

	switch {
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		a.events.Emit(models.RawEvent{Kind: models.EventRemoved, Path: rel})
	case ev.Has(fsnotify.Create):
		stats, err := statFull(ev.Name)
		if err != nil {
			return // Already gone again
		}
		if stats.IsDirectory() {
			a.watchNewDir(rel, ev.Name)
		}
		a.events.Emit(models.RawEvent{Kind: models.EventCreated, Path: rel, Stats: stats})
	case ev.Has(fsnotify.Write), ev.Has(fsnotify.Chmod):
		stats, err := statFull(ev.Name)
		if err != nil {
			return
		}
		a.events.Emit(models.RawEvent{Kind: models.EventModified, Path: rel, Stats: stats})
	}
}

// watchNewDir extends recursive watches to a directory created inside a
// watched tree.
func (a *Adapter) watchNewDir(rel, full string) {
	roots := a.rootsCovering(rel)
	if len(roots) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, root := range roots {
		dirs, ok := a.roots[root]
		if !ok {
			continue
		}
		info, err := os.Stat(a.fullPath(root))
		if err != nil || !info.IsDir() {
			continue // file roots only watch their parent
		}
		if err := a.addDirLocked(full); err != nil {
			logging.Warn("watch new directory failed", logging.Path(rel), logging.Err(err))
			a.events.Emit(models.RawEvent{Kind: models.EventWatchFailed, Path: root, Err: err})
			continue
		}
		a.roots[root] = append(dirs, full)
	}
}

func (a *Adapter) watchFailed(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		logging.Warn("local watch queue overflowed", logging.Err(err))
	} else {
		logging.Error("local watch error", logging.Err(err))
	}

	a.mu.Lock()
	roots := make([]string, 0, len(a.roots))
	for root := range a.roots {
		roots = append(roots, root)
	}
	a.mu.Unlock()

	for _, root := range roots {
		a.events.Emit(models.RawEvent{Kind: models.EventWatchFailed, Path: root, Err: err})
	}
}
