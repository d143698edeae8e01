package filesystem

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/internal/metrics"
	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

type readResult struct {
	data  []byte
	stats *models.Stats
}

// ReadFileAsText reads f and decodes it. "" means UTF-8.
func (fs *FileSystem) ReadFileAsText(ctx context.Context, f *File, encoding string) (string, *models.Stats, error) {
	data, stats, err := fs.read(ctx, f)
	if err != nil {
		return "", nil, err
	}
	text, err := decodeText(f.FullPath(), data, encoding)
	if err != nil {
		return "", nil, err
	}
	return text, stats, nil
}

// ReadFileAsBinary reads f. The returned slice is a copy.
func (fs *FileSystem) ReadFileAsBinary(ctx context.Context, f *File) ([]byte, *models.Stats, error) {
	data, stats, err := fs.read(ctx, f)
	if err != nil {
		return nil, nil, err
	}
	return bytes.Clone(data), stats, nil
}

// read returns the cached contents, or one shared adapter read. The
// returned slice must not be modified.
func (fs *FileSystem) read(ctx context.Context, f *File) ([]byte, *models.Stats, error) {
	fs.mu.Lock()
	if f.removed {
		fs.mu.Unlock()
		return nil, nil, fserrors.Removed("read", f.FullPath())
	}
	if f.contents != nil && f.stats != nil {
		data, stats := f.contents, f.stats
		fs.mu.Unlock()
		metrics.RecordCacheLookup("read", true)
		logging.Debug("read cache hit", logging.Path(f.FullPath()))
		return data, stats, nil
	}
	fs.mu.Unlock()
	metrics.RecordCacheLookup("read", false)

	v, err := fs.shared(ctx, "read", f.FullPath(), func(ctx context.Context) (any, error) {
		return fs.fetchContents(ctx, f)
	})
	if err != nil {
		return nil, nil, err
	}
	r := v.(readResult)
	return r.data, r.stats, nil
}

func (fs *FileSystem) fetchContents(ctx context.Context, f *File) (readResult, error) {
	path := f.FullPath()
	vol, rel, err := fs.resolver.Resolve(path)
	if err != nil {
		return readResult{}, err
	}

	release, err := fs.locks.acquire(ctx, path, "read")
	if err != nil {
		return readResult{}, err
	}
	defer release()

	fs.mu.Lock()
	if f.removed {
		fs.mu.Unlock()
		return readResult{}, fserrors.Removed("read", path)
	}
	if f.contents != nil && f.stats != nil {
		r := readResult{f.contents, f.stats}
		fs.mu.Unlock()
		return r, nil
	}
	gen := f.gen
	fs.mu.Unlock()

	start := time.Now()
	data, stats, err := vol.Adapter.ReadFile(ctx, rel, adapter.ReadOptions{MaxSize: fs.maxSize})
	fs.observe(vol, "read", start, err)
	if err != nil {
		fs.settle(f, gen, err)
		return readResult{}, absErr(err, path)
	}
	if data == nil {
		data = []byte{}
	}

	// Contents and stats land together or not at all.
	fs.mu.Lock()
	if !f.removed && f.gen == gen {
		f.contents = data
		f.stats = stats
		f.reported = false
	}
	fs.mu.Unlock()
	return readResult{data, stats}, nil
}

// WriteOptions adjusts a write.
type WriteOptions struct {
	// Encoding names the text encoding for WriteFileWithOptions. ""
	// means UTF-8.
	Encoding string
	// ExpectedHash refuses the write with ContentsModified when the file
	// on the backend no longer carries this hash, typically the Hash of
	// the stats returned by the caller's last read.
	ExpectedHash string
}

// WriteFile encodes text and writes it to f.
func (fs *FileSystem) WriteFile(ctx context.Context, f *File, text, encoding string) (*models.Stats, error) {
	return fs.WriteFileWithOptions(ctx, f, text, WriteOptions{Encoding: encoding})
}

// WriteFileWithOptions encodes text and writes it to f.
func (fs *FileSystem) WriteFileWithOptions(ctx context.Context, f *File, text string, opts WriteOptions) (*models.Stats, error) {
	data, err := encodeText(f.FullPath(), text, opts.Encoding)
	if err != nil {
		return nil, err
	}
	return fs.writeBytes(ctx, f, data, opts)
}

// WriteFileBytes writes data to f. On success the cached stats and
// contents are replaced with what was written; on failure they are left
// alone.
func (fs *FileSystem) WriteFileBytes(ctx context.Context, f *File, data []byte) (*models.Stats, error) {
	return fs.writeBytes(ctx, f, data, WriteOptions{})
}

// writeBytes writes data to f. A ContentsModified refusal drops f's cache
// since the backend holds something newer.
func (fs *FileSystem) writeBytes(ctx context.Context, f *File, data []byte, opts WriteOptions) (*models.Stats, error) {
	path := f.FullPath()
	if err := fs.checkLive(f, "write"); err != nil {
		return nil, err
	}
	vol, rel, err := fs.resolver.Resolve(path)
	if err != nil {
		return nil, err
	}

	release, err := fs.locks.acquire(ctx, path, "write")
	if err != nil {
		return nil, err
	}
	buf := bytes.Clone(data)
	if buf == nil {
		buf = []byte{}
	}

	return detach(ctx, func(ctx context.Context) (*models.Stats, error) {
		defer release()
		if err := fs.checkLive(f, "write"); err != nil {
			return nil, err
		}

		start := time.Now()
		stats, err := vol.Adapter.WriteFile(ctx, rel, buf, adapter.WriteOptions{ExpectedHash: opts.ExpectedHash})
		fs.observe(vol, "write", start, err)
		if err != nil {
			if fserrors.Is(err, fserrors.KindContentsModified) {
				fs.mu.Lock()
				clearLocked(f)
				fs.mu.Unlock()
				vol.Logger().Info("write refused, file changed on backend", logging.Path(path))
			}
			return nil, absErr(err, path)
		}

		fs.mu.Lock()
		if !f.removed {
			f.gen++
			f.stats = stats
			f.contents = buf
			f.reported = false
			if fs.index[path] == nil {
				fs.index[path] = f
			}
		}
		fs.mu.Unlock()
		return stats, nil
	})
}

// Mkdir creates d on the backend.
func (fs *FileSystem) Mkdir(ctx context.Context, d *Directory) (*models.Stats, error) {
	path := d.FullPath()
	if err := fs.checkLive(d, "mkdir"); err != nil {
		return nil, err
	}
	vol, rel, err := fs.resolver.Resolve(path)
	if err != nil {
		return nil, err
	}

	release, err := fs.locks.acquire(ctx, path, "mkdir")
	if err != nil {
		return nil, err
	}

	return detach(ctx, func(ctx context.Context) (*models.Stats, error) {
		defer release()

		start := time.Now()
		stats, err := vol.Adapter.Mkdir(ctx, rel)
		fs.observe(vol, "mkdir", start, err)
		if err != nil {
			return nil, absErr(err, path)
		}

		fs.mu.Lock()
		if !d.removed {
			d.gen++
			d.stats = stats
			d.reported = false
		}
		fs.mu.Unlock()
		return stats, nil
	})
}

// Rename moves e to newPath. A name without a separator renames within
// the parent directory. On success e, and every cached entry below it,
// is re-keyed in place: holders keep the same objects. Entries previously
// cached at the target are retired.
func (fs *FileSystem) Rename(ctx context.Context, e Entry, newPath string) error {
	oldPath := e.FullPath()
	if err := fs.checkLive(e, "rename"); err != nil {
		return err
	}

	target := newPath
	if !strings.HasPrefix(newPath, "/") {
		target = vpath.BuildChildPath(e.ParentPath(), newPath)
	}
	if e.IsDirectory() {
		target = vpath.AsDir(target)
	} else {
		target = vpath.AsFile(target)
	}
	if target == oldPath {
		return nil
	}

	srcVol, srcRel, err := fs.resolver.Resolve(oldPath)
	if err != nil {
		return err
	}
	dstVol, dstRel, err := fs.resolver.Resolve(target)
	if err != nil {
		return err
	}
	if srcVol != dstVol {
		return fserrors.New("rename", oldPath, fserrors.KindInvalidState,
			errors.New("cannot rename across volumes to "+target))
	}

	release, err := fs.locks.acquireAll(ctx, "rename", oldPath, target)
	if err != nil {
		return err
	}

	_, err = detach(ctx, func(ctx context.Context) (struct{}, error) {
		defer release()
		if err := fs.checkLive(e, "rename"); err != nil {
			return struct{}{}, err
		}

		start := time.Now()
		stats, err := srcVol.Adapter.Rename(ctx, srcRel, dstRel)
		fs.observe(srcVol, "rename", start, err)
		if err != nil {
			return struct{}{}, absErr(err, oldPath)
		}

		fs.mu.Lock()
		fs.moveLocked(e, target, stats)
		fs.mu.Unlock()
		logging.Debug("renamed", logging.Path(oldPath), logging.String("to", target))
		return struct{}{}, nil
	})
	return err
}

// moveLocked re-keys e and its cached descendants from their current
// paths to below target.
func (fs *FileSystem) moveLocked(e Entry, target string, stats *models.Stats) {
	oldPath := e.FullPath()
	oldRoot := vpath.Strip(oldPath)

	// Anything cached at or below the target is a stale placeholder.
	for key, other := range fs.index {
		if other != e && vpath.Contains(target, key) {
			fs.retireLocked(key, other)
		}
	}

	type move struct {
		key string
		e   Entry
	}
	moves := []move{{oldPath, e}}
	if e.IsDirectory() {
		for key, other := range fs.index {
			if other == e {
				continue
			}
			if vpath.Strip(key) == oldRoot {
				// Placeholder of the other kind at the old path.
				fs.retireLocked(key, other)
				continue
			}
			if vpath.Contains(oldRoot, key) {
				moves = append(moves, move{key, other})
			}
		}
	}

	for _, m := range moves {
		if fs.index[m.key] == m.e {
			delete(fs.index, m.key)
		}
	}
	for _, m := range moves {
		dst, _ := vpath.Rebase(m.key, oldPath, target)
		if m.e.IsDirectory() {
			dst = vpath.AsDir(dst)
		}
		m.e.base().path.Store(&dst)
		fs.index[dst] = m.e
		if m.e != e {
			clearLocked(m.e)
		}
	}

	b := e.base()
	b.gen++
	b.stats = stats
	b.reported = false
	metrics.SetIndexSize(len(fs.index))
}

// Unlink removes e, recursively for a directory. On success e and every
// cached entry below it are retired.
func (fs *FileSystem) Unlink(ctx context.Context, e Entry) error {
	return fs.remove(ctx, e, "unlink")
}

// MoveToTrash removes e like Unlink, through the backend's trash when it
// has one. Backends without a trash delete outright.
func (fs *FileSystem) MoveToTrash(ctx context.Context, e Entry) error {
	return fs.remove(ctx, e, "trash")
}

func (fs *FileSystem) remove(ctx context.Context, e Entry, op string) error {
	path := e.FullPath()
	if err := fs.checkLive(e, op); err != nil {
		return err
	}
	vol, rel, err := fs.resolver.Resolve(path)
	if err != nil {
		return err
	}

	release, err := fs.locks.acquire(ctx, path, op)
	if err != nil {
		return err
	}

	_, err = detach(ctx, func(ctx context.Context) (struct{}, error) {
		defer release()
		if err := fs.checkLive(e, op); err != nil {
			return struct{}{}, err
		}

		start := time.Now()
		err := removeFromBackend(ctx, vol.Adapter, rel, op)
		fs.observe(vol, op, start, err)
		if err != nil {
			return struct{}{}, absErr(err, path)
		}

		fs.mu.Lock()
		fs.retireTreeLocked(path)
		clearLocked(e)
		e.base().removed = true
		fs.mu.Unlock()
		return struct{}{}, nil
	})
	return err
}

// removeFromBackend unlinks rel, or trashes it when op is "trash" and the
// adapter has a trash.
func removeFromBackend(ctx context.Context, a adapter.Adapter, rel, op string) error {
	if op == "trash" {
		if t, ok := a.(adapter.Trasher); ok {
			err := t.MoveToTrash(ctx, rel)
			if !errors.Is(err, adapter.ErrNoTrash) {
				return err
			}
			logging.Debug("no trash, unlinking", logging.Path(rel), logging.Adapter(a.Type()))
		}
	}
	return a.Unlink(ctx, rel)
}

// retireTreeLocked retires every entry at or below path, of either kind.
func (fs *FileSystem) retireTreeLocked(path string) int {
	n := 0
	for key, e := range fs.index {
		if vpath.Contains(path, key) {
			fs.retireLocked(key, e)
			n++
		}
	}
	metrics.SetIndexSize(len(fs.index))
	return n
}

// GetDirectoryContents lists d from the backend. The children's stats are
// cached on their entries; the listing itself is not.
func (fs *FileSystem) GetDirectoryContents(ctx context.Context, d *Directory) ([]Entry, []*models.Stats, error) {
	path := d.FullPath()
	if err := fs.checkLive(d, "readdir"); err != nil {
		return nil, nil, err
	}
	vol, rel, err := fs.resolver.Resolve(path)
	if err != nil {
		return nil, nil, err
	}

	// A child whose generation moves while the listing is in flight keeps
	// what the newer operation cached.
	fs.mu.Lock()
	before := make(map[string]uint64)
	for key, e := range fs.index {
		if vpath.Parent(key) == path {
			before[key] = e.base().gen
		}
	}
	fs.mu.Unlock()

	start := time.Now()
	children, err := vol.Adapter.Readdir(ctx, rel)
	fs.observe(vol, "readdir", start, err)
	if err != nil {
		return nil, nil, absErr(err, path)
	}

	kept := children[:0]
	for _, c := range children {
		childPath := vpath.BuildChildPath(path, c.Name)
		if fs.filter.excluded(childPath) {
			continue
		}
		if c.Stats == nil {
			start := time.Now()
			stats, err := vol.Adapter.Stat(ctx, vpath.BuildChildPath(rel, c.Name))
			fs.observe(vol, "stat", start, err)
			if err != nil {
				// Gone between the listing and the stat.
				continue
			}
			c.Stats = stats
		}
		kept = append(kept, c)
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Name < kept[j].Name })

	entries := make([]Entry, 0, len(kept))
	stats := make([]*models.Stats, 0, len(kept))

	fs.mu.Lock()
	for _, c := range kept {
		e := fs.entryLocked(vpath.BuildChildPath(path, c.Name), c.Stats)
		b := e.base()
		if fs.listingIsCurrentLocked(e, before) {
			if !b.stats.Equal(c.Stats) {
				clearLocked(e)
				b.stats = c.Stats
			}
			b.reported = false
		}
		entries = append(entries, e)
		if b.stats != nil {
			stats = append(stats, b.stats)
		} else {
			stats = append(stats, c.Stats)
		}
	}
	fs.mu.Unlock()

	return entries, stats, nil
}

// listingIsCurrentLocked reports whether a listing started when the
// generations were before may overwrite e's cache: nothing touched e since,
// and no operation holds or awaits its path.
func (fs *FileSystem) listingIsCurrentLocked(e Entry, before map[string]uint64) bool {
	b := e.base()
	if gen, ok := before[e.FullPath()]; ok {
		if b.gen != gen {
			return false
		}
	} else if b.stats != nil {
		return false
	}
	return !fs.locks.busy(e.FullPath())
}

func (fs *FileSystem) checkLive(e Entry, op string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if e.base().removed {
		return fserrors.Removed(op, e.FullPath())
	}
	return nil
}
