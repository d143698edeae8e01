package filesystem

import (
	"context"
	"sync/atomic"

	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

// Entry is a File or a Directory owned by one FileSystem. The FileSystem
// hands out one canonical Entry per normalized path.
type Entry interface {
	// FullPath is the normalized absolute path. Directories end in "/".
	// Safe to call without synchronization.
	FullPath() string
	Name() string
	// ParentPath is the containing directory's path, "" for the root.
	ParentPath() string
	ID() uint64
	IsFile() bool
	IsDirectory() bool
	FileSystem() *FileSystem

	Stat(ctx context.Context) (*models.Stats, error)
	Exists(ctx context.Context) (bool, error)
	// Rename moves the entry. A bare name renames within the parent
	// directory; anything else is a path.
	Rename(ctx context.Context, newPathOrName string) error
	Unlink(ctx context.Context) error
	// MoveToTrash is Unlink through the backend's trash, when it has one.
	MoveToTrash(ctx context.Context) error

	base() *entryBase
}

// entryBase holds the state shared by both kinds. Everything after path is
// guarded by the owning FileSystem's index lock.
type entryBase struct {
	fs   *FileSystem
	id   uint64
	path atomic.Pointer[string]

	stats   *models.Stats
	gen     uint64
	removed bool
	// reported is set by a Removed change. A backend NotFound while it is
	// set retires the entry; any successful backend call clears it.
	reported bool
}

func (b *entryBase) init(fs *FileSystem, path string) {
	b.fs = fs
	b.id = fs.nextID.Add(1)
	b.path.Store(&path)
}

func (b *entryBase) FullPath() string        { return *b.path.Load() }
func (b *entryBase) Name() string            { return vpath.Name(b.FullPath()) }
func (b *entryBase) ParentPath() string      { return vpath.Parent(b.FullPath()) }
func (b *entryBase) ID() uint64              { return b.id }
func (b *entryBase) FileSystem() *FileSystem { return b.fs }
func (b *entryBase) base() *entryBase        { return b }

// invalidateLocked drops cached state. Any read in flight will not
// populate the cache afterwards.
func (b *entryBase) invalidateLocked() {
	b.stats = nil
	b.gen++
}

// File is a file entry. Its contents are cached alongside its stats.
type File struct {
	entryBase
	contents []byte
}

func (f *File) IsFile() bool      { return true }
func (f *File) IsDirectory() bool { return false }

func (f *File) Stat(ctx context.Context) (*models.Stats, error) { return f.fs.Stat(ctx, f) }
func (f *File) Exists(ctx context.Context) (bool, error)        { return f.fs.Exists(ctx, f) }
func (f *File) Rename(ctx context.Context, newPathOrName string) error {
	return f.fs.Rename(ctx, f, newPathOrName)
}
func (f *File) Unlink(ctx context.Context) error      { return f.fs.Unlink(ctx, f) }
func (f *File) MoveToTrash(ctx context.Context) error { return f.fs.MoveToTrash(ctx, f) }

// ReadAsText decodes the file with the named encoding; "" means UTF-8.
func (f *File) ReadAsText(ctx context.Context, encoding string) (string, *models.Stats, error) {
	return f.fs.ReadFileAsText(ctx, f, encoding)
}

// ReadAsBinary returns the raw contents. The slice is the caller's.
func (f *File) ReadAsBinary(ctx context.Context) ([]byte, *models.Stats, error) {
	return f.fs.ReadFileAsBinary(ctx, f)
}

// Write encodes text with the named encoding and replaces the file.
func (f *File) Write(ctx context.Context, text, encoding string) (*models.Stats, error) {
	return f.fs.WriteFile(ctx, f, text, encoding)
}

// WriteWithOptions is Write with an expected hash. Pass the Hash of the
// stats from the last read to refuse overwriting someone else's change.
func (f *File) WriteWithOptions(ctx context.Context, text string, opts WriteOptions) (*models.Stats, error) {
	return f.fs.WriteFileWithOptions(ctx, f, text, opts)
}

// WriteBytes replaces the file with data.
func (f *File) WriteBytes(ctx context.Context, data []byte) (*models.Stats, error) {
	return f.fs.WriteFileBytes(ctx, f, data)
}

func (f *File) invalidateLocked() {
	f.entryBase.invalidateLocked()
	f.contents = nil
}

// Directory is a directory entry. Listings are never cached.
type Directory struct {
	entryBase
}

func (d *Directory) IsFile() bool      { return false }
func (d *Directory) IsDirectory() bool { return true }

func (d *Directory) Stat(ctx context.Context) (*models.Stats, error) { return d.fs.Stat(ctx, d) }
func (d *Directory) Exists(ctx context.Context) (bool, error)        { return d.fs.Exists(ctx, d) }
func (d *Directory) Rename(ctx context.Context, newPathOrName string) error {
	return d.fs.Rename(ctx, d, newPathOrName)
}
func (d *Directory) Unlink(ctx context.Context) error      { return d.fs.Unlink(ctx, d) }
func (d *Directory) MoveToTrash(ctx context.Context) error { return d.fs.MoveToTrash(ctx, d) }

// GetContents lists the directory's children from the backend, skipping
// excluded names.
func (d *Directory) GetContents(ctx context.Context) ([]Entry, []*models.Stats, error) {
	return d.fs.GetDirectoryContents(ctx, d)
}

// Create makes the directory, and any missing parents, on the backend.
func (d *Directory) Create(ctx context.Context) (*models.Stats, error) {
	return d.fs.Mkdir(ctx, d)
}

// Visit walks the tree below d depth first.
func (d *Directory) Visit(ctx context.Context, visitor Visitor, opts VisitOptions) error {
	return d.fs.visit(ctx, d, visitor, opts)
}

// clearLocked invalidates e whatever its kind.
func clearLocked(e Entry) {
	switch e := e.(type) {
	case *File:
		e.invalidateLocked()
	case *Directory:
		e.invalidateLocked()
	}
}

// kindMatches reports whether stats describe an entry of e's kind.
func kindMatches(e Entry, stats *models.Stats) bool {
	return e.IsFile() == stats.IsFile()
}
