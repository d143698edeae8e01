// Package filesystem is the cache and orchestration layer over mounted
// volumes.
//
// A FileSystem keeps one canonical Entry per normalized path. Stats and
// file contents are cached on the entry until a write, rename, change
// notification, or explicit clear invalidates them. Directory listings are
// never cached. Concurrent stats and reads of one path share a single
// adapter call, and every operation that touches the backend for a path
// is serialized through a per-path lock.
package filesystem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/internal/metrics"
	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/notify"
	"github.com/fruitsalade/vfs/pkg/volume"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

// DefaultMaxFileSize bounds ReadFile when Config.MaxFileSize is zero.
const DefaultMaxFileSize = 16 << 20

// Change is a coalesced change notification.
type Change = notify.Change

// Config tunes a FileSystem.
type Config struct {
	// NotifyTick is the change coalescing window.
	NotifyTick time.Duration
	// MaxFileSize makes larger files NotReadable. Zero means
	// DefaultMaxFileSize, negative means no limit.
	MaxFileSize int64
	// Exclude adds glob patterns to hide from listings and change events.
	Exclude                []string
	DisableDefaultExcludes bool
}

// FileSystem owns the entry index and the mount table.
type FileSystem struct {
	resolver *volume.Resolver
	notifier *notify.Notifier
	filter   *filter
	maxSize  int64

	mu    sync.Mutex
	index map[string]Entry

	nextID atomic.Uint64
	locks  *lockTable
	group  singleflight.Group

	watchMu sync.Mutex
	watches map[string]*watchRef

	pumps sync.WaitGroup
}

// New creates a FileSystem with no volumes and starts its notifier.
func New(cfg Config) *FileSystem {
	patterns := cfg.Exclude
	if !cfg.DisableDefaultExcludes {
		patterns = append(append([]string(nil), DefaultExcludes...), cfg.Exclude...)
	}

	maxSize := cfg.MaxFileSize
	switch {
	case maxSize == 0:
		maxSize = DefaultMaxFileSize
	case maxSize < 0:
		maxSize = 0
	}

	fs := &FileSystem{
		resolver: volume.NewResolver(),
		filter:   newFilter(patterns),
		maxSize:  maxSize,
		index:    make(map[string]Entry),
		locks:    newLockTable(),
		watches:  make(map[string]*watchRef),
	}
	fs.notifier = notify.New(notify.Config{Tick: cfg.NotifyTick, Ignore: fs.filter.excluded}, invalidator{fs})
	fs.notifier.Start()
	return fs
}

// Attach mounts a at mountPath and starts forwarding its events.
func (fs *FileSystem) Attach(mountPath string, a adapter.Adapter) (*volume.Volume, error) {
	vol, err := fs.resolver.Attach(mountPath, a)
	if err != nil {
		return nil, err
	}

	fs.pumps.Add(1)
	go fs.pump(vol)
	return vol, nil
}

// pump forwards a volume's raw events with absolute paths until the
// adapter closes its channel.
func (fs *FileSystem) pump(vol *volume.Volume) {
	defer fs.pumps.Done()
	for ev := range vol.Adapter.Events() {
		ev.Path = vol.Abs(ev.Path)
		if ev.NewPath != "" {
			ev.NewPath = vol.Abs(ev.NewPath)
		}
		if ev.Kind == models.EventWatchFailed {
			vol.Logger().Error("adapter watch failed", logging.Path(ev.Path), logging.Err(ev.Err))
		}
		fs.notifier.Ingest(ev)
	}
}

// Detach unmounts the volume at mountPath, closes its adapter, and retires
// every entry under it.
func (fs *FileSystem) Detach(mountPath string) error {
	vol, err := fs.resolver.Detach(mountPath)
	if err != nil {
		return err
	}

	fs.watchMu.Lock()
	for p := range fs.watches {
		if vpath.Contains(vol.Root, p) {
			delete(fs.watches, p)
			fs.notifier.ClearDegraded(p)
		}
	}
	metrics.SetActiveWatches(len(fs.watches))
	fs.watchMu.Unlock()

	fs.mu.Lock()
	for key, e := range fs.index {
		if vpath.Contains(vol.Root, key) {
			fs.retireLocked(key, e)
		}
	}
	metrics.SetIndexSize(len(fs.index))
	fs.mu.Unlock()

	return vol.Adapter.Close()
}

// Volumes returns the mounted volumes.
func (fs *FileSystem) Volumes() []*volume.Volume {
	return fs.resolver.Volumes()
}

// Reset drops every cached entry. Mounts and watches stay. Entries handed
// out before are retired: they fail with InvalidState and must be fetched
// again by path.
func (fs *FileSystem) Reset() {
	fs.mu.Lock()
	for key, e := range fs.index {
		fs.retireLocked(key, e)
	}
	fs.index = make(map[string]Entry)
	fs.mu.Unlock()
	metrics.SetIndexSize(0)
	logging.Info("file system cache reset")
}

// Shutdown stops watching, stops the notifier, and closes every adapter.
func (fs *FileSystem) Shutdown(ctx context.Context) error {
	fs.watchMu.Lock()
	for p := range fs.watches {
		if vol, rel, err := fs.resolver.Resolve(p); err == nil {
			if err := vol.Adapter.UnwatchPath(rel); err != nil {
				logging.Warn("unwatch failed", logging.Path(p), logging.Err(err))
			}
		}
		delete(fs.watches, p)
	}
	metrics.SetActiveWatches(0)
	fs.watchMu.Unlock()

	fs.notifier.Stop()
	err := fs.resolver.Close()

	done := make(chan struct{})
	go func() {
		fs.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	return err
}

// GetEntryForPath returns the entry for path, creating an unresolved
// placeholder when none is cached. A trailing "/" asks for a Directory.
func (fs *FileSystem) GetEntryForPath(path string) Entry {
	path = vpath.Normalize(path)
	if vpath.IsDir(path) {
		return fs.GetDirectoryForPath(path)
	}
	return fs.GetFileForPath(path)
}

// GetFileForPath returns the File entry for path.
func (fs *FileSystem) GetFileForPath(path string) *File {
	key := vpath.AsFile(path)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if key == "/" {
		// The root is always a directory.
		f := &File{}
		f.init(fs, key)
		f.removed = true
		return f
	}
	if f, ok := fs.index[key].(*File); ok {
		return f
	}
	f := &File{}
	f.init(fs, key)
	fs.index[key] = f
	metrics.SetIndexSize(len(fs.index))
	return f
}

// GetDirectoryForPath returns the Directory entry for path.
func (fs *FileSystem) GetDirectoryForPath(path string) *Directory {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.directoryLocked(vpath.AsDir(path))
}

func (fs *FileSystem) directoryLocked(key string) *Directory {
	if d, ok := fs.index[key].(*Directory); ok {
		return d
	}
	d := &Directory{}
	d.init(fs, key)
	fs.index[key] = d
	metrics.SetIndexSize(len(fs.index))
	return d
}

func (fs *FileSystem) fileLocked(key string) *File {
	if f, ok := fs.index[key].(*File); ok {
		return f
	}
	f := &File{}
	f.init(fs, key)
	fs.index[key] = f
	metrics.SetIndexSize(len(fs.index))
	return f
}

// entryLocked returns the entry of the kind stats describe at path.
func (fs *FileSystem) entryLocked(path string, stats *models.Stats) Entry {
	if stats.IsDirectory() {
		return fs.directoryLocked(vpath.AsDir(path))
	}
	return fs.fileLocked(vpath.AsFile(path))
}

// retireLocked evicts e and marks it removed. Later operations on it fail.
func (fs *FileSystem) retireLocked(key string, e Entry) {
	if fs.index[key] == e {
		delete(fs.index, key)
	}
	clearLocked(e)
	e.base().removed = true
}

// Resolve returns the entry at path with its stats. A cache hit makes no
// backend call; concurrent misses share one Stat.
func (fs *FileSystem) Resolve(ctx context.Context, path string) (Entry, *models.Stats, error) {
	e := fs.GetEntryForPath(path)
	stats, err := fs.statEntry(ctx, e)
	if err != nil {
		return nil, nil, err
	}
	if kindMatches(e, stats) {
		return e, stats, nil
	}

	// The placeholder guessed the wrong kind. Hand back the right one.
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.index[e.FullPath()] == e {
		delete(fs.index, e.FullPath())
	}
	actual := fs.entryLocked(e.FullPath(), stats)
	b := actual.base()
	if b.stats == nil && !b.removed {
		b.stats = stats
	}
	return actual, stats, nil
}

// Stat returns e's stats. A File at a path holding a directory, or the
// reverse, is NotFound.
func (fs *FileSystem) Stat(ctx context.Context, e Entry) (*models.Stats, error) {
	stats, err := fs.statEntry(ctx, e)
	if err != nil {
		return nil, err
	}
	if !kindMatches(e, stats) {
		fs.mu.Lock()
		if fs.index[e.FullPath()] == e {
			delete(fs.index, e.FullPath())
		}
		fs.mu.Unlock()
		what := "is a directory"
		if e.IsDirectory() {
			what = "not a directory"
		}
		return nil, fserrors.New("stat", e.FullPath(), fserrors.KindNotFound, errors.New(what))
	}
	return stats, nil
}

// Exists reports whether e is present on the backend. Removed entries do
// not exist.
func (fs *FileSystem) Exists(ctx context.Context, e Entry) (bool, error) {
	_, err := fs.Stat(ctx, e)
	if err == nil {
		return true, nil
	}
	if fserrors.IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (fs *FileSystem) statEntry(ctx context.Context, e Entry) (*models.Stats, error) {
	b := e.base()
	fs.mu.Lock()
	if b.removed {
		fs.mu.Unlock()
		return nil, fserrors.Removed("stat", e.FullPath())
	}
	if stats := b.stats; stats != nil {
		fs.mu.Unlock()
		metrics.RecordCacheLookup("stat", true)
		logging.Debug("stat cache hit", logging.Path(e.FullPath()))
		return stats, nil
	}
	fs.mu.Unlock()
	metrics.RecordCacheLookup("stat", false)

	v, err := fs.shared(ctx, "stat", e.FullPath(), func(ctx context.Context) (any, error) {
		return fs.fetchStats(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.Stats), nil
}

// fetchStats runs the adapter Stat for e under its path lock and caches
// the result unless e was invalidated meanwhile.
func (fs *FileSystem) fetchStats(ctx context.Context, e Entry) (*models.Stats, error) {
	path := e.FullPath()
	vol, rel, err := fs.resolver.Resolve(path)
	if err != nil {
		return nil, err
	}

	release, err := fs.locks.acquire(ctx, path, "stat")
	if err != nil {
		return nil, err
	}
	defer release()

	b := e.base()
	fs.mu.Lock()
	if b.removed {
		fs.mu.Unlock()
		return nil, fserrors.Removed("stat", path)
	}
	if b.stats != nil {
		// Filled by a write or read that held the lock before us.
		stats := b.stats
		fs.mu.Unlock()
		return stats, nil
	}
	gen := b.gen
	fs.mu.Unlock()

	start := time.Now()
	stats, err := vol.Adapter.Stat(ctx, rel)
	fs.observe(vol, "stat", start, err)
	if err != nil {
		fs.settle(e, gen, err)
		return nil, absErr(err, path)
	}

	fs.mu.Lock()
	if !b.removed && b.gen == gen && kindMatches(e, stats) {
		b.stats = stats
		b.reported = false
	}
	fs.mu.Unlock()
	return stats, nil
}

// settle retires e when the backend confirms a Removed change with
// NotFound and nothing has touched e since gen.
func (fs *FileSystem) settle(e Entry, gen uint64, err error) {
	if !fserrors.Is(err, fserrors.KindNotFound) {
		return
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	b := e.base()
	if b.reported && !b.removed && b.gen == gen {
		fs.retireLocked(e.FullPath(), e)
		metrics.SetIndexSize(len(fs.index))
		logging.Debug("removed entry confirmed", logging.Path(e.FullPath()))
	}
}

// shared runs fn once for all concurrent callers with the same op and
// path. fn runs detached from ctx: a caller that gives up gets ctx.Err()
// while the call completes and updates the cache.
func (fs *FileSystem) shared(ctx context.Context, op, path string, fn func(context.Context) (any, error)) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := fs.group.DoChan(op+":"+path, func() (any, error) {
		return fn(detached)
	})
	select {
	case res := <-ch:
		if res.Shared {
			metrics.RecordDeduped(op)
		}
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// detach runs fn to completion even if ctx is cancelled; the caller stops
// waiting but the result still lands in the cache.
func detach[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(context.WithoutCancel(ctx))
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (fs *FileSystem) observe(vol *volume.Volume, op string, start time.Time, err error) {
	metrics.RecordAdapterOperation(vol.Adapter.Type(), op, time.Since(start), err)
	if err != nil && !fserrors.IsNotFound(err) {
		vol.Logger().Debug("adapter operation failed", logging.Op(op), logging.Err(err))
	}
}

// absErr reports an adapter error against the absolute path.
func absErr(err error, path string) error {
	var fsErr *fserrors.Error
	if errors.As(err, &fsErr) {
		return fsErr.WithPath(path)
	}
	return fserrors.New("io", path, fserrors.KindIO, err)
}

// PendingOperations lists operations queued or running on path.
func (fs *FileSystem) PendingOperations(path string) []Operation {
	return fs.locks.pending(path)
}

// String describes the mount table.
func (fs *FileSystem) String() string {
	vols := fs.resolver.Volumes()
	s := "filesystem{"
	for i, v := range vols {
		if i > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%s:%s", v.Root, v.Adapter.Type())
	}
	return s + "}"
}
