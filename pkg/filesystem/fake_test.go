package filesystem

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/adapter/memory"
	"github.com/fruitsalade/vfs/pkg/models"
)

// countingAdapter wraps the memory adapter, counting calls per operation.
// Block makes the gated operations wait until released.
type countingAdapter struct {
	*memory.Adapter

	mu      sync.Mutex
	calls   map[string]int
	gate    chan struct{}
	gated   map[string]bool
	entered chan string
}

func newCountingAdapter() *countingAdapter {
	return &countingAdapter{
		Adapter: memory.New(memory.Config{}),
		calls:   make(map[string]int),
		entered: make(chan string, 64),
	}
}

func (c *countingAdapter) count(op string) {
	c.mu.Lock()
	c.calls[op]++
	gate := c.gate
	gated := c.gated[op]
	c.mu.Unlock()

	if gate != nil && gated {
		c.entered <- op
		<-gate
	}
}

func (c *countingAdapter) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

func (c *countingAdapter) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.calls {
		n += v
	}
	return n
}

// Block makes the named operations wait, Stat and ReadFile when none are
// named. The returned func releases them.
func (c *countingAdapter) Block(ops ...string) func() {
	if len(ops) == 0 {
		ops = []string{"stat", "read"}
	}
	gated := make(map[string]bool, len(ops))
	for _, op := range ops {
		gated[op] = true
	}
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.gated = gated
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.gate = nil
		c.mu.Unlock()
		close(gate)
	}
}

func (c *countingAdapter) Stat(ctx context.Context, path string) (*models.Stats, error) {
	c.count("stat")
	return c.Adapter.Stat(ctx, path)
}

func (c *countingAdapter) ReadFile(ctx context.Context, path string, opts adapter.ReadOptions) ([]byte, *models.Stats, error) {
	c.count("read")
	return c.Adapter.ReadFile(ctx, path, opts)
}

func (c *countingAdapter) WriteFile(ctx context.Context, path string, data []byte, opts adapter.WriteOptions) (*models.Stats, error) {
	c.count("write")
	return c.Adapter.WriteFile(ctx, path, data, opts)
}

// Readdir lists before counting, so a blocked listing returns what the
// backend held when it started.
func (c *countingAdapter) Readdir(ctx context.Context, path string) ([]adapter.DirEntry, error) {
	entries, err := c.Adapter.Readdir(ctx, path)
	c.count("readdir")
	return entries, err
}

func (c *countingAdapter) Mkdir(ctx context.Context, path string) (*models.Stats, error) {
	c.count("mkdir")
	return c.Adapter.Mkdir(ctx, path)
}

func (c *countingAdapter) Rename(ctx context.Context, oldPath, newPath string) (*models.Stats, error) {
	c.count("rename")
	return c.Adapter.Rename(ctx, oldPath, newPath)
}

func (c *countingAdapter) Unlink(ctx context.Context, path string) error {
	c.count("unlink")
	return c.Adapter.Unlink(ctx, path)
}

func (c *countingAdapter) WatchPath(path string) error {
	c.count("watch")
	return c.Adapter.WatchPath(path)
}

func (c *countingAdapter) UnwatchPath(path string) error {
	c.count("unwatch")
	return c.Adapter.UnwatchPath(path)
}

// newTestFS returns a FileSystem with a counting memory volume at mount.
func newTestFS(t *testing.T, mount string) (*FileSystem, *countingAdapter) {
	t.Helper()
	fs := New(Config{NotifyTick: 5 * time.Millisecond})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		fs.Shutdown(ctx)
	})

	a := newCountingAdapter()
	_, err := fs.Attach(mount, a)
	require.NoError(t, err)
	return fs, a
}

// seed writes a file straight to the backend, bypassing the cache, and
// waits until the resulting change has been delivered.
func seed(t *testing.T, fs *FileSystem, a *countingAdapter, path, data string) *models.Stats {
	t.Helper()
	abs := path
	for _, vol := range fs.Volumes() {
		if vol.Adapter == adapter.Adapter(a) {
			abs = vol.Abs(path)
		}
	}

	delivered := make(chan struct{}, 1)
	unsubscribe := fs.OnChange(func(c Change) {
		if c.Path == abs {
			select {
			case delivered <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	stats, err := a.Adapter.WriteFile(context.Background(), path, []byte(data), adapter.WriteOptions{})
	require.NoError(t, err)
	if !fs.filter.excluded(abs) {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatalf("no change delivered for %s", abs)
		}
	}
	return stats
}

// changes collects every change the FileSystem delivers.
func changes(fs *FileSystem) func() []Change {
	var mu sync.Mutex
	var got []Change
	fs.OnChange(func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	return func() []Change {
		mu.Lock()
		defer mu.Unlock()
		return append([]Change(nil), got...)
	}
}
