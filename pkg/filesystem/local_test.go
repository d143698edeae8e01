package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/vfs/pkg/adapter/local"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/notify"
)

func TestLocalVolumeExternalChanges(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("one"), 0o644))

	a, err := local.New(local.Config{RootPath: dir})
	require.NoError(t, err)

	fs := New(Config{NotifyTick: 10 * time.Millisecond})
	t.Cleanup(func() { fs.Shutdown(context.Background()) })
	_, err = fs.Attach("/work", a)
	require.NoError(t, err)

	got := changes(fs)
	w, err := fs.Watch(ctx, "/work", func(Change) {})
	require.NoError(t, err)
	defer fs.Unwatch(w)
	assert.Empty(t, fs.notifier.Degraded())

	f := fs.GetFileForPath("/work/notes.txt")
	text, _, err := f.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "one", text)

	require.NoError(t, os.Remove(filepath.Join(dir, "notes.txt")))
	require.Eventually(t, func() bool {
		for _, c := range got() {
			if c.Path == "/work/notes.txt" && c.Kind == notify.Removed {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	_, _, err = f.ReadAsText(ctx, "")
	assert.True(t, fserrors.IsNotFound(err))
	_, _, err = fs.Resolve(ctx, "/work/notes.txt")
	assert.True(t, fserrors.Is(err, fserrors.KindNotFound))

	// A file written through the file system is visible on disk.
	_, err = fs.GetFileForPath("/work/sub/new.txt").Write(ctx, "two", "")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "sub", "new.txt"))
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}
