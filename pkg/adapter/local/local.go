// Package local provides an adapter over the native OS file system.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"

	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

const tempPrefix = ".vfs-"

// Config holds local file system adapter settings.
type Config struct {
	RootPath string `json:"root_path"`
	// CreateDirs creates RootPath when it does not exist.
	CreateDirs bool `json:"create_dirs"`
	// PollInterval switches watching from OS notifications to snapshot
	// polling. Needed for network mounts that do not deliver inotify events.
	PollInterval adapter.Duration `json:"poll_interval"`
	// TrashDir receives entries removed with MoveToTrash. It should be on
	// the same device as RootPath. Empty disables the trash.
	TrashDir string `json:"trash_dir"`
}

// Adapter implements adapter.Adapter on a directory of the local disk.
type Adapter struct {
	rootPath string
	trashDir string
	events   *adapter.Emitter

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	roots   map[string][]string // watched path -> OS directories added for it
	dirRefs map[string]int      // OS directory -> number of roots using it

	poller *adapter.Poller
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new local file system adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	// Ensure root exists
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(root, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	var trashDir string
	if cfg.TrashDir != "" {
		if trashDir, err = filepath.Abs(cfg.TrashDir); err != nil {
			return nil, fmt.Errorf("resolve trash dir %s: %w", cfg.TrashDir, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		rootPath: root,
		trashDir: trashDir,
		events:   adapter.NewEmitter(),
		roots:    make(map[string][]string),
		dirRefs:  make(map[string]int),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	if cfg.PollInterval > 0 {
		a.poller = adapter.NewPoller(cfg.PollInterval.Std(), a.scan, a.events.Emit)
		a.poller.Start(ctx)
		close(a.done)
		return a, nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	a.watcher = w
	go a.watchLoop(ctx)
	return a, nil
}

// NewFromJSON creates an Adapter from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Adapter, error) {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse local config: %w", err)
	}
	return New(cfg)
}

// Type returns "local".
func (a *Adapter) Type() string { return "local" }

// RootPath returns the absolute OS directory backing the volume.
func (a *Adapter) RootPath() string { return a.rootPath }

func (a *Adapter) fullPath(path string) string {
	return filepath.Join(a.rootPath, filepath.FromSlash(vpath.AsFile(path)))
}

func (a *Adapter) relPath(full string) (string, bool) {
	rel, err := filepath.Rel(a.rootPath, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return vpath.AsFile(filepath.ToSlash(rel)), true
}

// statFull builds stats for an OS path, following symbolic links.
func statFull(full string) (*models.Stats, error) {
	linfo, err := os.Lstat(full)
	if err != nil {
		return nil, err
	}
	info := linfo
	var realPath string
	if linfo.Mode()&os.ModeSymlink != 0 {
		target, err := filepath.EvalSymlinks(full)
		if err != nil {
			return nil, err
		}
		if info, err = os.Stat(target); err != nil {
			return nil, err
		}
		realPath = filepath.ToSlash(target)
	}
	return models.NewStats(models.StatsOptions{
		IsFile:   !info.IsDir(),
		ModTime:  info.ModTime(),
		Size:     info.Size(),
		Hash:     fingerprint(full, info),
		RealPath: realPath,
	}), nil
}

// Stat returns the stats for path.
func (a *Adapter) Stat(_ context.Context, path string) (*models.Stats, error) {
	stats, err := statFull(a.fullPath(path))
	if err != nil {
		return nil, fserrors.FromOS("stat", path, err)
	}
	return stats, nil
}

// ReadFile reads a whole file.
func (a *Adapter) ReadFile(_ context.Context, path string, opts adapter.ReadOptions) ([]byte, *models.Stats, error) {
	full := a.fullPath(path)
	f, err := os.Open(full)
	if err != nil {
		return nil, nil, fserrors.FromOS("read", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, nil, fserrors.FromOS("read", path, err)
	}
	if info.IsDir() {
		return nil, nil, fserrors.New("read", path, fserrors.KindNotReadable, errors.New("is a directory"))
	}
	if opts.MaxSize > 0 && info.Size() > opts.MaxSize {
		return nil, nil, fserrors.New("read", path, fserrors.KindNotReadable,
			fmt.Errorf("file size %d exceeds limit %d", info.Size(), opts.MaxSize))
	}

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, fserrors.FromOS("read", path, err)
	}

	stats, err := statFull(full)
	if err != nil {
		return nil, nil, fserrors.FromOS("read", path, err)
	}
	return data, stats, nil
}

// WriteFile writes content atomically through a temp file and rename.
func (a *Adapter) WriteFile(_ context.Context, path string, data []byte, opts adapter.WriteOptions) (*models.Stats, error) {
	full := a.fullPath(path)
	dir := filepath.Dir(full)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fserrors.FromOS("write", path, err)
	}

	mode := opts.Mode
	if current, err := statFull(full); err == nil {
		if current.IsDirectory() {
			return nil, fserrors.New("write", path, fserrors.KindPermissionDenied, errors.New("is a directory"))
		}
		if err := adapter.CheckHash(path, current, opts); err != nil {
			return nil, err
		}
	}
	if info, err := os.Stat(full); err == nil && mode == 0 {
		mode = info.Mode().Perm()
	}
	if mode == 0 {
		mode = 0644
	}

	// Write to temp file then rename for atomicity
	tmp, err := os.CreateTemp(dir, tempPrefix+"*.tmp")
	if err != nil {
		return nil, fserrors.FromOS("write", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fserrors.FromOS("write", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return nil, fserrors.FromOS("write", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fserrors.FromOS("write", path, err)
	}

	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return nil, fserrors.FromOS("write", path, err)
	}

	stats, err := statFull(full)
	if err != nil {
		return nil, fserrors.FromOS("write", path, err)
	}
	return stats, nil
}

// Readdir lists a directory in name order. Temp files are hidden.
func (a *Adapter) Readdir(_ context.Context, path string) ([]adapter.DirEntry, error) {
	full := a.fullPath(path)
	dirents, err := os.ReadDir(full)
	if err != nil {
		return nil, fserrors.FromOS("readdir", path, err)
	}

	entries := make([]adapter.DirEntry, 0, len(dirents))
	for _, d := range dirents {
		if isTemp(d.Name()) {
			continue
		}
		entry := adapter.DirEntry{Name: d.Name()}
		// A dangling link still shows up, without stats.
		if stats, err := statFull(filepath.Join(full, d.Name())); err == nil {
			entry.Stats = stats
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Mkdir creates a directory and its missing parents.
func (a *Adapter) Mkdir(_ context.Context, path string) (*models.Stats, error) {
	full := a.fullPath(path)
	if _, err := os.Lstat(full); err == nil {
		return nil, fserrors.New("mkdir", path, fserrors.KindPathExists, nil)
	}
	if err := os.MkdirAll(full, 0755); err != nil {
		return nil, fserrors.FromOS("mkdir", path, err)
	}
	stats, err := statFull(full)
	if err != nil {
		return nil, fserrors.FromOS("mkdir", path, err)
	}
	return stats, nil
}

// Rename moves a file or directory. The target must not exist.
func (a *Adapter) Rename(_ context.Context, oldPath, newPath string) (*models.Stats, error) {
	oldFull, newFull := a.fullPath(oldPath), a.fullPath(newPath)

	if _, err := os.Lstat(oldFull); err != nil {
		return nil, fserrors.FromOS("rename", oldPath, err)
	}
	if _, err := os.Lstat(newFull); err == nil {
		return nil, fserrors.New("rename", newPath, fserrors.KindPathExists, nil)
	}
	if err := os.MkdirAll(filepath.Dir(newFull), 0755); err != nil {
		return nil, fserrors.FromOS("rename", newPath, err)
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return nil, fserrors.FromOS("rename", oldPath, err)
	}

	stats, err := statFull(newFull)
	if err != nil {
		return nil, fserrors.FromOS("rename", newPath, err)
	}
	return stats, nil
}

// Unlink removes a file or a directory tree.
func (a *Adapter) Unlink(_ context.Context, path string) error {
	if vpath.AsFile(path) == "/" {
		return fserrors.New("unlink", path, fserrors.KindPermissionDenied, errors.New("cannot remove the volume root"))
	}
	full := a.fullPath(path)
	if _, err := os.Lstat(full); err != nil {
		return fserrors.FromOS("unlink", path, err)
	}
	if err := os.RemoveAll(full); err != nil {
		return fserrors.FromOS("unlink", path, err)
	}
	return nil
}

// MoveToTrash renames path into TrashDir under a unique name. Without a
// TrashDir it returns adapter.ErrNoTrash.
func (a *Adapter) MoveToTrash(_ context.Context, path string) error {
	if a.trashDir == "" {
		return fserrors.New("trash", path, fserrors.KindIO, adapter.ErrNoTrash)
	}
	if vpath.AsFile(path) == "/" {
		return fserrors.New("trash", path, fserrors.KindPermissionDenied, errors.New("cannot remove the volume root"))
	}
	full := a.fullPath(path)
	if _, err := os.Lstat(full); err != nil {
		return fserrors.FromOS("trash", path, err)
	}
	if err := os.MkdirAll(a.trashDir, 0700); err != nil {
		return fserrors.FromOS("trash", path, err)
	}
	target := filepath.Join(a.trashDir, filepath.Base(full)+"."+ulid.Make().String())
	if err := os.Rename(full, target); err != nil {
		return fserrors.FromOS("trash", path, err)
	}
	return nil
}

// Events returns the change channel.
func (a *Adapter) Events() <-chan models.RawEvent {
	return a.events.Events()
}

// Close stops watching and closes the event channel.
func (a *Adapter) Close() error {
	a.cancel()
	if a.poller != nil {
		a.poller.Stop()
	}
	var err error
	if a.watcher != nil {
		err = a.watcher.Close()
	}
	<-a.done
	a.events.Close()
	return err
}

func isTemp(name string) bool {
	return strings.HasPrefix(name, tempPrefix) && strings.HasSuffix(name, ".tmp")
}

// scan snapshots the tree under root for the poller.
func (a *Adapter) scan(_ context.Context, root string) (adapter.Snapshot, error) {
	snap := make(adapter.Snapshot)
	base := a.fullPath(root)
	err := filepath.WalkDir(base, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if full == base {
				return err
			}
			return nil // Skip entries that vanished mid-walk
		}
		if isTemp(d.Name()) {
			return nil
		}
		rel, ok := a.relPath(full)
		if !ok {
			return nil
		}
		if stats, err := statFull(full); err == nil {
			snap[rel] = stats
		}
		return nil
	})
	if err != nil {
		return nil, fserrors.FromOS("watch", root, err)
	}
	return snap, nil
}
