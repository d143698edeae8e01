// Package adapter defines the Adapter interface for file system backends.
// Implementations handle raw storage I/O (local disk, network shares,
// memory, S3, SQL databases). Caching, de-duplication, and change
// coalescing are the file system core's job, not the adapter's.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
)

// ReadOptions tunes ReadFile.
type ReadOptions struct {
	// MaxSize makes files larger than this fail with NotReadable. Zero
	// means no limit.
	MaxSize int64
}

// WriteOptions tunes WriteFile.
type WriteOptions struct {
	// Mode is applied where the backend has permission bits. Zero means 0644.
	Mode fs.FileMode
	// ExpectedHash refuses the write with ContentsModified unless the
	// existing file's stats hash equals it. A missing file passes. Empty
	// skips the check.
	ExpectedHash string
}

// CheckHash returns a ContentsModified error when opts expects a hash that
// current, the stats of the file about to be overwritten, does not carry.
// current is nil for a file that does not exist.
func CheckHash(path string, current *models.Stats, opts WriteOptions) error {
	if opts.ExpectedHash == "" || current == nil || current.Hash() == opts.ExpectedHash {
		return nil
	}
	return fserrors.New("write", path, fserrors.KindContentsModified,
		fmt.Errorf("expected hash %s, found %s", opts.ExpectedHash, current.Hash()))
}

// ErrNoTrash is returned by a Trasher that has no trash configured. The
// caller falls back to Unlink.
var ErrNoTrash = errors.New("no trash available")

// Trasher is implemented by adapters that can move entries to a trash
// instead of deleting them.
type Trasher interface {
	// MoveToTrash moves a file or directory tree out of the volume. It
	// reports EventRemoved for path like Unlink.
	MoveToTrash(ctx context.Context, path string) error
}

// DirEntry is one child returned by Readdir. Stats is nil when the
// backend cannot supply it without another round trip.
type DirEntry struct {
	Name  string
	Stats *models.Stats
}

// Adapter is the contract every storage backend implements.
//
// Paths are volume-relative, slash separated, rooted at "/", and carry no
// trailing separator. Every error is an *fserrors.Error.
type Adapter interface {
	// Type returns the backend type identifier ("local", "s3", ...).
	Type() string

	// Stat fails with NotFound, PermissionDenied, or IOError.
	Stat(ctx context.Context, path string) (*models.Stats, error)

	// ReadFile fails with NotFound, NotReadable, or IOError.
	ReadFile(ctx context.Context, path string, opts ReadOptions) ([]byte, *models.Stats, error)

	// WriteFile is all-or-nothing; a partial write is never reported as
	// success. Missing parent directories are created. Fails with
	// PermissionDenied, QuotaExceeded, ContentsModified, or IOError.
	WriteFile(ctx context.Context, path string, data []byte, opts WriteOptions) (*models.Stats, error)

	// Readdir fails with NotFound or IOError.
	Readdir(ctx context.Context, path string) ([]DirEntry, error)

	// Mkdir creates a directory and any missing parents.
	Mkdir(ctx context.Context, path string) (*models.Stats, error)

	// Rename fails with PathExists, NotFound, or IOError.
	Rename(ctx context.Context, oldPath, newPath string) (*models.Stats, error)

	// Unlink removes a file or a whole directory tree. Fails with
	// NotFound or IOError.
	Unlink(ctx context.Context, path string) error

	// WatchPath and UnwatchPath are idempotent. A watch that cannot be
	// established returns an error; one that breaks later is reported as
	// an EventWatchFailed event.
	WatchPath(path string) error
	UnwatchPath(path string) error

	// Events is the single channel carrying every change to the storage,
	// whether or not it originated in this process.
	Events() <-chan models.RawEvent

	// Close releases any resources held by the backend.
	Close() error
}
