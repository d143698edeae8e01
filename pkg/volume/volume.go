// Package volume maps absolute paths to the adapter mounted over them.
//
// Mounts live in a trie keyed by path segment. Attached volumes never
// overlap: a mount inside or above an existing mount is rejected rather
// than shadowed, so at most one volume lies on any walk from the root.
package volume

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

var (
	ErrAlreadyMounted = errors.New("volume already mounted at path")
	ErrMountConflict  = errors.New("mount overlaps an existing volume")
	ErrNotMounted     = errors.New("no volume mounted at path")
	ErrHasSubVolumes  = errors.New("volume has sub-volumes")
)

// Volume is one adapter serving the subtree at Root.
type Volume struct {
	// Root is the normalized mount path without a trailing separator.
	Root    string
	Adapter adapter.Adapter

	log *zap.Logger
}

// Logger returns a logger tagged with the volume's mount path and adapter
// type.
func (v *Volume) Logger() *zap.Logger {
	if v.log == nil {
		return logging.ForVolume(v.Root, v.Adapter.Type())
	}
	return v.log
}

// Abs converts a volume-relative path back to an absolute one.
func (v *Volume) Abs(rel string) string {
	return vpath.Join(v.Root, rel)
}

type node struct {
	children map[string]*node
	volume   *Volume
}

func newNode() *node {
	return &node{children: make(map[string]*node)}
}

func (n *node) hasVolumeBelow() bool {
	for _, c := range n.children {
		if c.volume != nil || c.hasVolumeBelow() {
			return true
		}
	}
	return false
}

// Resolver is a mount table.
type Resolver struct {
	mu   sync.RWMutex
	root *node
}

// NewResolver returns an empty mount table.
func NewResolver() *Resolver {
	return &Resolver{root: newNode()}
}

// Attach mounts a at mountPath.
func (r *Resolver) Attach(mountPath string, a adapter.Adapter) (*Volume, error) {
	mountPath = vpath.AsFile(mountPath)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.root
	for _, seg := range vpath.Segments(mountPath) {
		if n.volume != nil {
			return nil, fmt.Errorf("%w: %s is inside %s", ErrMountConflict, mountPath, n.volume.Root)
		}
		child, ok := n.children[seg]
		if !ok {
			child = newNode()
			n.children[seg] = child
		}
		n = child
	}

	if n.volume != nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMounted, mountPath)
	}
	if n.hasVolumeBelow() {
		r.prune(mountPath)
		return nil, fmt.Errorf("%w: %s contains mounted volumes", ErrMountConflict, mountPath)
	}

	v := &Volume{Root: mountPath, Adapter: a, log: logging.ForVolume(mountPath, a.Type())}
	n.volume = v
	v.log.Info("volume attached")
	return v, nil
}

// Detach unmounts the volume at mountPath and returns it. The adapter is
// not closed.
func (r *Resolver) Detach(mountPath string) (*Volume, error) {
	mountPath = vpath.AsFile(mountPath)

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.find(mountPath)
	if n == nil || n.volume == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotMounted, mountPath)
	}
	if n.hasVolumeBelow() {
		return nil, fmt.Errorf("%w: %s", ErrHasSubVolumes, mountPath)
	}

	v := n.volume
	n.volume = nil
	r.prune(mountPath)
	v.Logger().Info("volume detached")
	return v, nil
}

// Resolve returns the volume covering path and path relative to it.
func (r *Resolver) Resolve(path string) (*Volume, string, error) {
	path = vpath.AsFile(path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.root
	found := n.volume
	for _, seg := range vpath.Segments(path) {
		child, ok := n.children[seg]
		if !ok {
			break
		}
		n = child
		if n.volume != nil {
			found = n.volume
		}
	}
	if found == nil {
		return nil, "", fserrors.New("resolve", path, fserrors.KindNoVolume, nil)
	}

	rel, _ := vpath.Rel(found.Root, path)
	return found, rel, nil
}

// Lookup returns the volume mounted exactly at mountPath, or nil.
func (r *Resolver) Lookup(mountPath string) *Volume {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n := r.find(vpath.AsFile(mountPath)); n != nil {
		return n.volume
	}
	return nil
}

// Volumes returns every mounted volume ordered by root.
func (r *Resolver) Volumes() []*Volume {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Volume
	var walk func(n *node)
	walk = func(n *node) {
		if n.volume != nil {
			out = append(out, n.volume)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(r.root)
	sort.Slice(out, func(i, j int) bool { return out[i].Root < out[j].Root })
	return out
}

// Close detaches every volume and closes its adapter.
func (r *Resolver) Close() error {
	vols := r.Volumes()

	r.mu.Lock()
	r.root = newNode()
	r.mu.Unlock()

	var errs []error
	for _, v := range vols {
		if err := v.Adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", v.Root, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Resolver) find(mountPath string) *node {
	n := r.root
	for _, seg := range vpath.Segments(mountPath) {
		child, ok := n.children[seg]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// prune drops empty nodes along mountPath, deepest first.
func (r *Resolver) prune(mountPath string) {
	segs := vpath.Segments(mountPath)
	nodes := []*node{r.root}
	n := r.root
	for _, seg := range segs {
		child, ok := n.children[seg]
		if !ok {
			return
		}
		nodes = append(nodes, child)
		n = child
	}
	for i := len(segs) - 1; i >= 0; i-- {
		c := nodes[i+1]
		if c.volume != nil || len(c.children) > 0 {
			return
		}
		delete(nodes[i].children, segs[i])
	}
}
