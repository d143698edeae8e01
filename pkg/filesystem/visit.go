package filesystem

import (
	"context"
	"fmt"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
)

// Visit limits.
const (
	DefaultMaxDepth   = 100
	DefaultMaxEntries = 30000
)

// Visitor is called for every entry reached. Returning false for a
// directory skips its children.
type Visitor func(e Entry, stats *models.Stats) bool

// VisitOptions bounds a walk. Zero values take the defaults.
type VisitOptions struct {
	MaxDepth   int
	MaxEntries int
}

type visitState struct {
	opts    VisitOptions
	visitor Visitor
	count   int
	seen    map[string]bool // real paths of linked directories
}

// visit walks d depth first, the root included. Exceeding MaxEntries
// fails with TooManyEntries; directories beyond MaxDepth are not listed.
func (fs *FileSystem) visit(ctx context.Context, d *Directory, visitor Visitor, opts VisitOptions) error {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}

	stats, err := fs.Stat(ctx, d)
	if err != nil {
		return err
	}
	st := &visitState{opts: opts, visitor: visitor, seen: make(map[string]bool)}
	return fs.visitEntry(ctx, d, stats, 0, st)
}

func (fs *FileSystem) visitEntry(ctx context.Context, e Entry, stats *models.Stats, depth int, st *visitState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	st.count++
	if st.count > st.opts.MaxEntries {
		return fserrors.New("visit", e.FullPath(), fserrors.KindTooManyEntries,
			fmt.Errorf("more than %d entries", st.opts.MaxEntries))
	}

	if !st.visitor(e, stats) {
		return nil
	}
	d, ok := e.(*Directory)
	if !ok || depth >= st.opts.MaxDepth {
		return nil
	}

	if real := stats.RealPath(); real != "" {
		if st.seen[real] {
			logging.Debug("skipping link cycle", logging.Path(e.FullPath()), logging.String("target", real))
			return nil
		}
		st.seen[real] = true
	}

	children, childStats, err := fs.GetDirectoryContents(ctx, d)
	if err != nil {
		return err
	}
	for i, child := range children {
		if err := fs.visitEntry(ctx, child, childStats[i], depth+1, st); err != nil {
			return err
		}
	}
	return nil
}

// GetFileList returns every file on every volume that filter accepts. A
// nil filter accepts all.
func (fs *FileSystem) GetFileList(ctx context.Context, filter func(*File) bool) ([]*File, error) {
	var files []*File
	for _, vol := range fs.resolver.Volumes() {
		root := fs.GetDirectoryForPath(vol.Root)
		err := root.Visit(ctx, func(e Entry, _ *models.Stats) bool {
			if f, ok := e.(*File); ok && (filter == nil || filter(f)) {
				files = append(files, f)
			}
			return true
		}, VisitOptions{})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
