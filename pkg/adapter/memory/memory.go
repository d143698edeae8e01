// Package memory provides an in-memory adapter. It backs demo volumes and
// synthetic files, and doubles as the reference adapter in tests.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

// ErrWatchLimit is returned by WatchPath once WatchLimit paths are watched.
var ErrWatchLimit = errors.New("watch limit reached")

// Config holds memory adapter settings.
type Config struct {
	// MaxStorage caps the total file bytes. Zero means unlimited.
	MaxStorage int64 `json:"max_storage"`
	// WatchLimit caps the number of watched paths. Zero means unlimited.
	WatchLimit int `json:"watch_limit"`
	// Trash keeps entries removed with MoveToTrash instead of dropping them.
	Trash bool `json:"trash"`
}

type node struct {
	dir     bool
	data    []byte
	modTime time.Time
	version uint64
}

// Adapter keeps a whole tree in a map keyed by path.
type Adapter struct {
	cfg     Config
	now     func() time.Time
	watches *adapter.WatchSet
	events  *adapter.Emitter

	mu      sync.RWMutex
	nodes   map[string]*node
	trash   map[string]*node
	used    int64
	version uint64
}

// New creates an empty in-memory tree containing only the root.
func New(cfg Config) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		now:     time.Now,
		watches: adapter.NewWatchSet(),
		events:  adapter.NewEmitter(),
		nodes:   make(map[string]*node),
		trash:   make(map[string]*node),
	}
	a.nodes["/"] = &node{dir: true, modTime: a.now()}
	return a
}

// NewFromJSON creates an Adapter from raw JSON config.
func NewFromJSON(raw json.RawMessage) (*Adapter, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse memory config: %w", err)
		}
	}
	return New(cfg), nil
}

// Type returns "memory".
func (a *Adapter) Type() string { return "memory" }

// Used returns the number of file bytes currently stored.
func (a *Adapter) Used() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.used
}

func (a *Adapter) statsOf(path string, n *node) *models.Stats {
	return models.NewStats(models.StatsOptions{
		IsFile:  !n.dir,
		ModTime: n.modTime,
		Size:    int64(len(n.data)),
		Hash:    fmt.Sprintf("%s@%d", path, n.version),
	})
}

func (a *Adapter) nextVersion() uint64 {
	a.version++
	return a.version
}

// Stat returns the stats for path.
func (a *Adapter) Stat(_ context.Context, path string) (*models.Stats, error) {
	path = vpath.AsFile(path)
	a.mu.RLock()
	defer a.mu.RUnlock()

	n, ok := a.nodes[path]
	if !ok {
		return nil, fserrors.New("stat", path, fserrors.KindNotFound, nil)
	}
	return a.statsOf(path, n), nil
}

// ReadFile returns a copy of the file contents.
func (a *Adapter) ReadFile(_ context.Context, path string, opts adapter.ReadOptions) ([]byte, *models.Stats, error) {
	path = vpath.AsFile(path)
	a.mu.RLock()
	defer a.mu.RUnlock()

	n, ok := a.nodes[path]
	if !ok {
		return nil, nil, fserrors.New("read", path, fserrors.KindNotFound, nil)
	}
	if n.dir {
		return nil, nil, fserrors.New("read", path, fserrors.KindNotReadable, errors.New("is a directory"))
	}
	if opts.MaxSize > 0 && int64(len(n.data)) > opts.MaxSize {
		return nil, nil, fserrors.New("read", path, fserrors.KindNotReadable,
			fmt.Errorf("file size %d exceeds limit %d", len(n.data), opts.MaxSize))
	}
	out := make([]byte, len(n.data))
	copy(out, n.data)
	return out, a.statsOf(path, n), nil
}

// WriteFile replaces the file contents, creating parents as needed.
func (a *Adapter) WriteFile(_ context.Context, path string, data []byte, opts adapter.WriteOptions) (*models.Stats, error) {
	path = vpath.AsFile(path)
	if path == "/" {
		return nil, fserrors.New("write", path, fserrors.KindPermissionDenied, errors.New("is a directory"))
	}

	a.mu.Lock()
	existing, exists := a.nodes[path]
	if exists && existing.dir {
		a.mu.Unlock()
		return nil, fserrors.New("write", path, fserrors.KindPermissionDenied, errors.New("is a directory"))
	}
	if exists {
		if err := adapter.CheckHash(path, a.statsOf(path, existing), opts); err != nil {
			a.mu.Unlock()
			return nil, err
		}
	}

	var oldSize int64
	if exists {
		oldSize = int64(len(existing.data))
	}
	if a.cfg.MaxStorage > 0 && a.used-oldSize+int64(len(data)) > a.cfg.MaxStorage {
		a.mu.Unlock()
		return nil, fserrors.New("write", path, fserrors.KindQuotaExceeded,
			fmt.Errorf("storage limit %d bytes", a.cfg.MaxStorage))
	}

	created, err := a.mkdirParentsLocked(vpath.Parent(path))
	if err != nil {
		a.mu.Unlock()
		return nil, fserrors.New("write", path, fserrors.KindNotFound, err)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	n := &node{data: buf, modTime: a.now(), version: a.nextVersion()}
	a.nodes[path] = n
	a.used += int64(len(data)) - oldSize
	stats := a.statsOf(path, n)
	a.mu.Unlock()

	for _, ev := range created {
		a.events.Emit(ev)
	}
	kind := models.EventCreated
	if exists {
		kind = models.EventModified
	}
	a.events.Emit(models.RawEvent{Kind: kind, Path: path, Stats: stats})
	return stats, nil
}

// mkdirParentsLocked creates dir and its missing ancestors. It returns the
// events to emit once the lock is released.
func (a *Adapter) mkdirParentsLocked(dir string) ([]models.RawEvent, error) {
	var missing []string
	p := vpath.AsFile(dir)
	for {
		if n, ok := a.nodes[p]; ok {
			if !n.dir {
				return nil, fmt.Errorf("%s is not a directory", p)
			}
			break
		}
		missing = append(missing, p)
		p = vpath.AsFile(vpath.Parent(p))
	}

	var events []models.RawEvent
	for i := len(missing) - 1; i >= 0; i-- {
		n := &node{dir: true, modTime: a.now(), version: a.nextVersion()}
		a.nodes[missing[i]] = n
		events = append(events, models.RawEvent{Kind: models.EventCreated, Path: missing[i], Stats: a.statsOf(missing[i], n)})
	}
	return events, nil
}

// Readdir lists the children of a directory in name order.
func (a *Adapter) Readdir(_ context.Context, path string) ([]adapter.DirEntry, error) {
	path = vpath.AsFile(path)
	a.mu.RLock()
	defer a.mu.RUnlock()

	n, ok := a.nodes[path]
	if !ok || !n.dir {
		return nil, fserrors.New("readdir", path, fserrors.KindNotFound, nil)
	}

	parent := vpath.AsDir(path)
	var entries []adapter.DirEntry
	for p, child := range a.nodes {
		if p == "/" || vpath.Parent(p) != parent {
			continue
		}
		entries = append(entries, adapter.DirEntry{Name: vpath.Name(p), Stats: a.statsOf(p, child)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Mkdir creates a directory and its missing parents.
func (a *Adapter) Mkdir(_ context.Context, path string) (*models.Stats, error) {
	path = vpath.AsFile(path)
	a.mu.Lock()
	if n, ok := a.nodes[path]; ok {
		a.mu.Unlock()
		if n.dir {
			return nil, fserrors.New("mkdir", path, fserrors.KindPathExists, nil)
		}
		return nil, fserrors.New("mkdir", path, fserrors.KindPathExists, errors.New("a file exists at this path"))
	}
	created, err := a.mkdirParentsLocked(path)
	if err != nil {
		a.mu.Unlock()
		return nil, fserrors.New("mkdir", path, fserrors.KindNotFound, err)
	}
	stats := a.statsOf(path, a.nodes[path])
	a.mu.Unlock()

	for _, ev := range created {
		a.events.Emit(ev)
	}
	return stats, nil
}

// Rename moves a file or directory tree.
func (a *Adapter) Rename(_ context.Context, oldPath, newPath string) (*models.Stats, error) {
	oldPath, newPath = vpath.AsFile(oldPath), vpath.AsFile(newPath)

	a.mu.Lock()
	src, ok := a.nodes[oldPath]
	if !ok {
		a.mu.Unlock()
		return nil, fserrors.New("rename", oldPath, fserrors.KindNotFound, nil)
	}
	if _, exists := a.nodes[newPath]; exists {
		a.mu.Unlock()
		return nil, fserrors.New("rename", newPath, fserrors.KindPathExists, nil)
	}
	if oldPath == "/" || (src.dir && vpath.Contains(oldPath, newPath)) {
		a.mu.Unlock()
		return nil, fserrors.New("rename", oldPath, fserrors.KindIO, errors.New("cannot move a directory into itself"))
	}
	created, err := a.mkdirParentsLocked(vpath.Parent(newPath))
	if err != nil {
		a.mu.Unlock()
		return nil, fserrors.New("rename", newPath, fserrors.KindNotFound, err)
	}

	moved := make(map[string]*node)
	for p, n := range a.nodes {
		if vpath.Contains(oldPath, p) {
			moved[p] = n
		}
	}
	for p, n := range moved {
		delete(a.nodes, p)
		target, _ := vpath.Rebase(p, oldPath, newPath)
		a.nodes[target] = n
	}
	src.modTime = a.now()
	src.version = a.nextVersion()
	stats := a.statsOf(newPath, src)
	a.mu.Unlock()

	for _, ev := range created {
		a.events.Emit(ev)
	}
	a.events.Emit(models.RawEvent{Kind: models.EventRenamed, Path: oldPath, NewPath: newPath, Stats: stats})
	return stats, nil
}

// Unlink removes a file or a directory tree.
func (a *Adapter) Unlink(_ context.Context, path string) error {
	return a.remove("unlink", path, false)
}

// MoveToTrash removes a file or directory tree and keeps it in the trash.
// Without Config.Trash it returns adapter.ErrNoTrash.
func (a *Adapter) MoveToTrash(_ context.Context, path string) error {
	if !a.cfg.Trash {
		return fserrors.New("trash", vpath.AsFile(path), fserrors.KindIO, adapter.ErrNoTrash)
	}
	return a.remove("trash", path, true)
}

// Trashed lists the paths held in the trash, sorted.
func (a *Adapter) Trashed() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.trash))
	for p := range a.trash {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (a *Adapter) remove(op, path string, keep bool) error {
	path = vpath.AsFile(path)
	a.mu.Lock()
	if _, ok := a.nodes[path]; !ok {
		a.mu.Unlock()
		return fserrors.New(op, path, fserrors.KindNotFound, nil)
	}
	if path == "/" {
		a.mu.Unlock()
		return fserrors.New(op, path, fserrors.KindPermissionDenied, errors.New("cannot remove the root"))
	}
	for p, n := range a.nodes {
		if vpath.Contains(path, p) {
			a.used -= int64(len(n.data))
			delete(a.nodes, p)
			if keep {
				a.trash[p] = n
			}
		}
	}
	a.mu.Unlock()

	a.events.Emit(models.RawEvent{Kind: models.EventRemoved, Path: path})
	return nil
}

// WatchPath registers interest in path. Every change is emitted regardless;
// the set only enforces WatchLimit.
func (a *Adapter) WatchPath(path string) error {
	if a.cfg.WatchLimit > 0 && a.watches.Len() >= a.cfg.WatchLimit && !a.watches.Covers(path) {
		return fserrors.New("watch", vpath.AsFile(path), fserrors.KindIO, ErrWatchLimit)
	}
	a.watches.Add(path)
	return nil
}

// UnwatchPath drops interest in path.
func (a *Adapter) UnwatchPath(path string) error {
	a.watches.Remove(path)
	return nil
}

// Events returns the change channel.
func (a *Adapter) Events() <-chan models.RawEvent {
	return a.events.Events()
}

// Close stops event delivery.
func (a *Adapter) Close() error {
	a.events.Close()
	return nil
}
