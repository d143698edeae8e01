package filesystem

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/vfs/pkg/adapter"
	"github.com/fruitsalade/vfs/pkg/adapter/memory"
	"github.com/fruitsalade/vfs/pkg/fserrors"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/notify"
)

func TestGetEntryForPathIsCanonical(t *testing.T) {
	fs, a := newTestFS(t, "/")

	f := fs.GetEntryForPath("/a/../a/b.txt")
	assert.Same(t, f, fs.GetEntryForPath("/a/b.txt"))
	assert.True(t, f.IsFile())
	assert.Equal(t, "/a/b.txt", f.FullPath())
	assert.Equal(t, "b.txt", f.Name())
	assert.Equal(t, "/a/", f.ParentPath())

	d := fs.GetEntryForPath("/a/")
	assert.True(t, d.IsDirectory())
	assert.Same(t, d, fs.GetDirectoryForPath("/a"))
	assert.NotEqual(t, f.ID(), d.ID())

	// Placeholders are created without touching the backend.
	assert.Zero(t, a.Total())
}

func TestResolveCachesStats(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/x.txt", "data")

	e, first, err := fs.Resolve(ctx, "/x.txt")
	require.NoError(t, err)
	_, second, err := fs.Resolve(ctx, "/x.txt")
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, e, fs.GetEntryForPath("/x.txt"))
	assert.Equal(t, 1, a.Calls("stat"))
}

func TestConcurrentResolveSharesOneStat(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/x.txt", "data")

	release := a.Block()
	const n = 20
	results := make([]*models.Stats, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, stats, err := fs.Resolve(ctx, "/x.txt")
			assert.NoError(t, err)
			results[i] = stats
		}(i)
	}

	<-a.entered
	// Give the remaining callers time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	release()
	wg.Wait()

	assert.Equal(t, 1, a.Calls("stat"))
	for _, s := range results {
		assert.Same(t, results[0], s)
	}
}

func TestResolveMissing(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, "/")

	_, _, err := fs.Resolve(ctx, "/nope")
	assert.True(t, fserrors.Is(err, fserrors.KindNotFound))
	assert.True(t, errors.Is(err, fserrors.ErrNotFound))

	var fsErr *fserrors.Error
	require.ErrorAs(t, err, &fsErr)
	assert.Equal(t, "/nope", fsErr.Path)

	exists, err := fs.GetEntryForPath("/nope").Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestResolveReturnsBackendKind(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	_, err := a.Adapter.Mkdir(ctx, "/dir")
	require.NoError(t, err)

	e, stats, err := fs.Resolve(ctx, "/dir")
	require.NoError(t, err)
	assert.True(t, stats.IsDirectory())
	d, ok := e.(*Directory)
	require.True(t, ok)
	assert.Equal(t, "/dir/", d.FullPath())
	assert.Same(t, d, fs.GetDirectoryForPath("/dir"))

	_, err = fs.GetFileForPath("/dir").Stat(ctx)
	assert.True(t, fserrors.IsNotFound(err))
}

func TestNoVolume(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, "/mnt")

	_, _, err := fs.Resolve(ctx, "/elsewhere/x")
	assert.True(t, fserrors.Is(err, fserrors.KindNoVolume))
	_, err = fs.GetFileForPath("/elsewhere/x").WriteBytes(ctx, []byte("x"))
	assert.True(t, fserrors.Is(err, fserrors.KindNoVolume))
}

func TestWriteThenReadUsesCache(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	f := fs.GetFileForPath("/a/b.txt")

	written, err := f.Write(ctx, "hello", "")
	require.NoError(t, err)

	text, stats, err := f.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
	assert.Same(t, written, stats)
	assert.Equal(t, int64(5), stats.Size())
	assert.Zero(t, a.Calls("read"))

	resolved, err := f.Stat(ctx)
	require.NoError(t, err)
	assert.Same(t, written, resolved)
	assert.Zero(t, a.Calls("stat"))
}

func TestReadCachesContents(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/r.bin", "\x00\x01\x02")
	f := fs.GetFileForPath("/r.bin")

	data, _, err := f.ReadAsBinary(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, data)

	data[0] = 9 // callers own their copy
	again, _, err := f.ReadAsBinary(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, again)
	assert.Equal(t, 1, a.Calls("read"))
}

func TestReadTooLarge(t *testing.T) {
	ctx := context.Background()
	fs := New(Config{MaxFileSize: 4})
	defer fs.Shutdown(ctx)
	a := memory.New(memory.Config{})
	_, err := fs.Attach("/", a)
	require.NoError(t, err)

	_, err = fs.GetFileForPath("/big").WriteBytes(ctx, []byte("0123456789"))
	require.NoError(t, err)
	fs.ClearCache()

	_, _, err = fs.GetFileForPath("/big").ReadAsBinary(ctx)
	assert.True(t, fserrors.Is(err, fserrors.KindNotReadable))
}

func TestFailedWriteLeavesCache(t *testing.T) {
	ctx := context.Background()
	fs := New(Config{})
	defer fs.Shutdown(ctx)
	a := memory.New(memory.Config{MaxStorage: 8})
	_, err := fs.Attach("/", a)
	require.NoError(t, err)

	f := fs.GetFileForPath("/f")
	before, err := f.Write(ctx, "small", "")
	require.NoError(t, err)

	_, err = f.Write(ctx, "far too large for the quota", "")
	assert.True(t, fserrors.Is(err, fserrors.KindQuotaExceeded))

	text, stats, err := f.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "small", text)
	assert.Same(t, before, stats)
}

func TestTextEncodings(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	f := fs.GetFileForPath("/latin1.txt")

	_, err := f.Write(ctx, "café", "windows-1252")
	require.NoError(t, err)

	raw, _, err := a.Adapter.ReadFile(ctx, "/latin1.txt", adapter.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, []byte("caf\xe9"), raw)

	text, _, err := f.ReadAsText(ctx, "windows-1252")
	require.NoError(t, err)
	assert.Equal(t, "café", text)

	_, _, err = f.ReadAsText(ctx, "")
	assert.True(t, fserrors.Is(err, fserrors.KindNotReadable))

	_, _, err = f.ReadAsText(ctx, "no-such-encoding")
	assert.True(t, fserrors.Is(err, fserrors.KindNotReadable))
}

func TestRenamePreservesIdentity(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, "/")

	e := fs.GetFileForPath("/a.txt")
	_, err := e.Write(ctx, "content", "")
	require.NoError(t, err)

	require.NoError(t, e.Rename(ctx, "b.txt"))
	assert.Equal(t, "/b.txt", e.FullPath())
	assert.Same(t, e, fs.GetEntryForPath("/b.txt"))

	text, _, err := e.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "content", text)

	_, _, err = fs.Resolve(ctx, "/a.txt")
	assert.True(t, fserrors.IsNotFound(err))
	assert.NotSame(t, e, fs.GetEntryForPath("/a.txt"))
}

func TestRenameDirectoryMovesDescendants(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/src/deep/f.txt", "f")

	dir := fs.GetDirectoryForPath("/src")
	child := fs.GetFileForPath("/src/deep/f.txt")
	_, err := child.Stat(ctx)
	require.NoError(t, err)

	// A stale placeholder at the target gets retired.
	stale := fs.GetFileForPath("/dst/deep/f.txt")

	require.NoError(t, fs.Rename(ctx, dir, "/dst"))
	assert.Equal(t, "/dst/", dir.FullPath())
	assert.Equal(t, "/dst/deep/f.txt", child.FullPath())
	assert.Same(t, child, fs.GetEntryForPath("/dst/deep/f.txt"))
	assert.Same(t, dir, fs.GetEntryForPath("/dst/"))

	_, err = stale.Stat(ctx)
	assert.True(t, fserrors.Is(err, fserrors.KindInvalidState))

	text, _, err := child.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "f", text)
}

func TestRenameFailureLeavesIndex(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/one", "1")
	seed(t, fs, a, "/two", "2")

	one := fs.GetFileForPath("/one")
	err := one.Rename(ctx, "/two")
	assert.True(t, fserrors.Is(err, fserrors.KindPathExists))
	assert.Equal(t, "/one", one.FullPath())
	assert.Same(t, one, fs.GetEntryForPath("/one"))
}

func TestRenameAcrossVolumes(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, "/local")
	_, err := fs.Attach("/cloud", newCountingAdapter())
	require.NoError(t, err)

	f := fs.GetFileForPath("/local/x")
	_, err = f.WriteBytes(ctx, []byte("x"))
	require.NoError(t, err)

	err = f.Rename(ctx, "/cloud/x")
	assert.True(t, fserrors.Is(err, fserrors.KindInvalidState))
	assert.Equal(t, "/local/x", f.FullPath())
}

func TestUnlinkRetiresEntries(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/d/a", "a")
	seed(t, fs, a, "/d/sub/b", "b")

	dir := fs.GetDirectoryForPath("/d")
	child := fs.GetFileForPath("/d/sub/b")
	_, err := child.Stat(ctx)
	require.NoError(t, err)

	got := changes(fs)
	require.NoError(t, dir.Unlink(ctx))
	require.Eventually(t, func() bool {
		for _, c := range got() {
			if c.Path == "/d" && c.Kind == notify.Removed {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	for _, e := range []Entry{dir, child} {
		_, err := e.Stat(ctx)
		assert.True(t, fserrors.Is(err, fserrors.KindInvalidState))
		assert.True(t, errors.Is(err, fserrors.ErrNotFound))
		assert.ErrorIs(t, e.Unlink(ctx), fserrors.ErrNotFound)
	}

	fresh := fs.GetFileForPath("/d/sub/b")
	assert.NotSame(t, child, fresh)
	_, err = fresh.Stat(ctx)
	assert.True(t, fserrors.Is(err, fserrors.KindNotFound))

	_, err = child.WriteBytes(ctx, []byte("resurrect"))
	assert.True(t, fserrors.Is(err, fserrors.KindInvalidState))
}

func TestMkdirAndContents(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")

	d := fs.GetDirectoryForPath("/proj")
	_, err := d.Create(ctx)
	require.NoError(t, err)

	seed(t, fs, a, "/proj/b.txt", "b")
	seed(t, fs, a, "/proj/a.txt", "a")
	seed(t, fs, a, "/proj/.git/HEAD", "ref")
	seed(t, fs, a, "/proj/node_modules/x/index.js", "js")
	seed(t, fs, a, "/proj/lib/c.pyc", "c")

	entries, stats, err := d.GetContents(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "/proj/a.txt", entries[0].FullPath())
	assert.Equal(t, "/proj/b.txt", entries[1].FullPath())
	assert.Equal(t, "/proj/lib/", entries[2].FullPath())
	assert.True(t, stats[2].IsDirectory())
	assert.Same(t, entries[0], fs.GetEntryForPath("/proj/a.txt"))

	// Children stats were cached by the listing.
	got, err := entries[0].Stat(ctx)
	require.NoError(t, err)
	assert.Same(t, stats[0], got)
	assert.Zero(t, a.Calls("stat"))

	// Listings themselves are not.
	seed(t, fs, a, "/proj/c.txt", "c")
	entries, _, err = d.GetContents(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Equal(t, 2, a.Calls("readdir"))
}

func TestVisitAndFileList(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/v/a.txt", "a")
	seed(t, fs, a, "/v/sub/b.txt", "b")
	seed(t, fs, a, "/v/sub/deeper/c.md", "c")

	var visited []string
	err := fs.GetDirectoryForPath("/v").Visit(ctx, func(e Entry, _ *models.Stats) bool {
		visited = append(visited, e.FullPath())
		return e.FullPath() != "/v/sub/deeper/"
	}, VisitOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/v/", "/v/a.txt", "/v/sub/", "/v/sub/b.txt", "/v/sub/deeper/"}, visited)

	err = fs.GetDirectoryForPath("/v").Visit(ctx, func(Entry, *models.Stats) bool { return true },
		VisitOptions{MaxEntries: 3})
	assert.True(t, fserrors.Is(err, fserrors.KindTooManyEntries))

	files, err := fs.GetFileList(ctx, func(f *File) bool { return f.Name() != "c.md" })
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.FullPath())
	}
	assert.Equal(t, []string{"/v/a.txt", "/v/sub/b.txt"}, names)
}

func TestExternalChangeInvalidatesBeforeDelivery(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")

	f := fs.GetFileForPath("/watched.txt")
	old, err := f.Write(ctx, "v1", "")
	require.NoError(t, err)

	type seen struct {
		change Change
		stats  *models.Stats
		text   string
	}
	got := make(chan seen, 4)
	unsubscribe := fs.OnChange(func(c Change) {
		if c.Path != "/watched.txt" || c.Stats == nil || c.Stats.Equal(old) {
			return
		}
		// Resolving from inside the handler must not see the old stats.
		_, stats, err := fs.Resolve(ctx, "/watched.txt")
		if err != nil {
			return
		}
		text, _, _ := fs.GetFileForPath("/watched.txt").ReadAsText(ctx, "")
		got <- seen{c, stats, text}
	})
	defer unsubscribe()

	seed(t, fs, a, "/watched.txt", "v2")

	select {
	case s := <-got:
		assert.Equal(t, notify.Modified, s.change.Kind)
		assert.True(t, s.change.Stats.Equal(s.stats))
		assert.False(t, old.Equal(s.stats))
		assert.Equal(t, "v2", s.text)
	case <-time.After(2 * time.Second):
		t.Fatal("no change delivered")
	}
}

func TestOwnWriteEchoKeepsCache(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	got := changes(fs)

	f := fs.GetFileForPath("/echo.txt")
	written, err := f.Write(ctx, "mine", "")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, c := range got() {
			if c.Path == "/echo.txt" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	stats, err := f.Stat(ctx)
	require.NoError(t, err)
	assert.Same(t, written, stats)
	assert.Zero(t, a.Calls("stat"))
	assert.Zero(t, a.Calls("read"))
}

func TestExternalDeleteRemovesEntry(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	got := changes(fs)

	f := fs.GetFileForPath("/gone.txt")
	_, err := f.Write(ctx, "x", "")
	require.NoError(t, err)

	require.NoError(t, a.Adapter.Unlink(ctx, "/gone.txt"))
	require.Eventually(t, func() bool {
		for _, c := range got() {
			if c.Path == "/gone.txt" && c.Kind == notify.Removed {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	_, err = f.Stat(ctx)
	assert.True(t, fserrors.Is(err, fserrors.KindNotFound))

	// The backend confirmed the removal, so the held entry is retired.
	_, err = f.Stat(ctx)
	assert.True(t, fserrors.Is(err, fserrors.KindInvalidState))
	_, _, err = fs.Resolve(ctx, "/gone.txt")
	assert.True(t, fserrors.Is(err, fserrors.KindNotFound))
}

func waitRemoved(t *testing.T, got func() []Change, paths ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		seen := make(map[string]bool)
		for _, c := range got() {
			if c.Kind == notify.Removed {
				seen[c.Path] = true
			}
		}
		for _, p := range paths {
			if !seen[p] {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWriteAfterUnlinkSurvivesRemovedEcho(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/a.txt", "one")
	got := changes(fs)

	f := fs.GetFileForPath("/a.txt")
	require.NoError(t, f.Unlink(ctx))
	again := fs.GetFileForPath("/a.txt")
	require.NotSame(t, f, again)
	_, err := again.Write(ctx, "two", "")
	require.NoError(t, err)

	waitRemoved(t, got, "/a.txt")

	text, _, err := again.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "two", text)
	exists, err := again.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Same(t, again, fs.GetFileForPath("/a.txt"))
}

func TestRenameBackAndForthKeepsEntry(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/r.txt", "one")
	got := changes(fs)

	f := fs.GetFileForPath("/r.txt")
	require.NoError(t, f.Rename(ctx, "/s.txt"))
	require.NoError(t, f.Rename(ctx, "r.txt"))

	waitRemoved(t, got, "/r.txt", "/s.txt")

	assert.Equal(t, "/r.txt", f.FullPath())
	text, _, err := f.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "one", text)
	assert.Same(t, f, fs.GetFileForPath("/r.txt"))
}

func TestListingKeepsNewerWrite(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/d/x.txt", "abc")

	d := fs.GetDirectoryForPath("/d")
	f := fs.GetFileForPath("/d/x.txt")
	_, _, err := f.ReadAsText(ctx, "")
	require.NoError(t, err)

	type listing struct {
		stats []*models.Stats
		err   error
	}
	release := a.Block("readdir")
	done := make(chan listing, 1)
	go func() {
		_, stats, err := d.GetContents(ctx)
		done <- listing{stats, err}
	}()
	<-a.entered

	written, err := f.Write(ctx, "new!", "")
	require.NoError(t, err)
	release()

	l := <-done
	require.NoError(t, l.err)
	require.Len(t, l.stats, 1)
	assert.True(t, written.Equal(l.stats[0]))

	stats, err := f.Stat(ctx)
	require.NoError(t, err)
	assert.True(t, written.Equal(stats))
	text, _, err := f.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "new!", text)
	assert.Equal(t, 1, a.Calls("read"))
}

func TestListingRefreshesStaleStats(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/d/y.txt", "old")

	f := fs.GetFileForPath("/d/y.txt")
	_, _, err := f.ReadAsText(ctx, "")
	require.NoError(t, err)

	// A change the notifier never saw, as with an unwatched network share.
	fs.notifier.Stop()
	newer, err := a.Adapter.WriteFile(ctx, "/d/y.txt", []byte("newer"), adapter.WriteOptions{})
	require.NoError(t, err)

	_, _, err = fs.GetDirectoryForPath("/d").GetContents(ctx)
	require.NoError(t, err)
	stats, err := f.Stat(ctx)
	require.NoError(t, err)
	assert.True(t, newer.Equal(stats))
	text, _, err := f.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "newer", text)
}

func TestWriteWithExpectedHash(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/doc.txt", "one")

	f := fs.GetFileForPath("/doc.txt")
	_, read, err := f.ReadAsText(ctx, "")
	require.NoError(t, err)

	_, err = a.Adapter.WriteFile(ctx, "/doc.txt", []byte("theirs"), adapter.WriteOptions{})
	require.NoError(t, err)

	_, err = f.WriteWithOptions(ctx, "mine", WriteOptions{ExpectedHash: read.Hash()})
	assert.True(t, fserrors.Is(err, fserrors.KindContentsModified))
	assert.True(t, errors.Is(err, fserrors.ErrContentsModified))

	text, current, err := f.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "theirs", text)

	_, err = f.WriteWithOptions(ctx, "mine", WriteOptions{ExpectedHash: current.Hash()})
	require.NoError(t, err)
	text, _, err = f.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "mine", text)
}

func TestMoveToTrash(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/plain")
	bin := memory.New(memory.Config{Trash: true})
	_, err := fs.Attach("/keep", bin)
	require.NoError(t, err)

	kept := fs.GetFileForPath("/keep/d/a.txt")
	_, err = kept.Write(ctx, "a", "")
	require.NoError(t, err)
	require.NoError(t, fs.GetDirectoryForPath("/keep/d").MoveToTrash(ctx))

	_, err = kept.Stat(ctx)
	assert.True(t, fserrors.Is(err, fserrors.KindInvalidState))
	assert.Equal(t, []string{"/d", "/d/a.txt"}, bin.Trashed())
	_, _, err = fs.Resolve(ctx, "/keep/d/a.txt")
	assert.True(t, fserrors.Is(err, fserrors.KindNotFound))

	// No trash configured: the entry is unlinked instead.
	plain := fs.GetFileForPath("/plain/b.txt")
	_, err = plain.Write(ctx, "b", "")
	require.NoError(t, err)
	require.NoError(t, plain.MoveToTrash(ctx))
	assert.Equal(t, 1, a.Calls("unlink"))
	assert.Empty(t, a.Trashed())
	_, err = a.Adapter.Stat(ctx, "/b.txt")
	assert.True(t, fserrors.IsNotFound(err))
}

func TestWatchReferenceCounting(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	noop := func(Change) {}

	w1, err := fs.Watch(ctx, "/p", noop)
	require.NoError(t, err)
	w2, err := fs.Watch(ctx, "/p/", noop)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Calls("watch"))

	require.NoError(t, fs.Unwatch(w1))
	require.NoError(t, fs.Unwatch(w1))
	assert.Zero(t, a.Calls("unwatch"))
	require.NoError(t, fs.Unwatch(w2))
	assert.Equal(t, 1, a.Calls("unwatch"))
}

func TestWatchFailureDegrades(t *testing.T) {
	ctx := context.Background()
	fs := New(Config{NotifyTick: 5 * time.Millisecond})
	defer fs.Shutdown(ctx)
	a := memory.New(memory.Config{WatchLimit: 1})
	_, err := fs.Attach("/", a)
	require.NoError(t, err)

	_, err = fs.Watch(ctx, "/first", func(Change) {})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []Change
	w, err := fs.Watch(ctx, "/second", func(c Change) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	require.NoError(t, err, "a failed backend watch must not fail the subscription")

	snapshot := func() []Change {
		mu.Lock()
		defer mu.Unlock()
		return append([]Change(nil), got...)
	}

	want := Change{Path: "/second", Kind: notify.Modified, Subtree: true}
	require.Eventually(t, func() bool {
		for _, c := range snapshot() {
			if c == want {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	_, err = fs.GetFileForPath("/second/x").WriteBytes(ctx, []byte("x"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		for _, c := range snapshot() {
			if c.Path == "/second" && c.Kind == notify.Created && c.Subtree {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, fs.Unwatch(w))
	assert.Empty(t, fs.notifier.Degraded())
}

func TestVolumesAreIsolated(t *testing.T) {
	ctx := context.Background()
	fs, local := newTestFS(t, "/local")
	cloud := newCountingAdapter()
	_, err := fs.Attach("/cloud", cloud)
	require.NoError(t, err)
	seed(t, fs, cloud, "/x", "remote")

	_, _, err = fs.Resolve(ctx, "/cloud/x")
	require.NoError(t, err)
	text, _, err := fs.GetFileForPath("/cloud/x").ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "remote", text)

	assert.Equal(t, 1, cloud.Calls("stat"))
	assert.Equal(t, 1, cloud.Calls("read"))
	assert.Zero(t, local.Total())
}

func TestCancelledCallerStillFillsCache(t *testing.T) {
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/slow", "s")

	release := a.Block()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, _, err := fs.Resolve(ctx, "/slow")
		errc <- err
	}()

	<-a.entered
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	release()

	f := fs.GetFileForPath("/slow")
	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return f.stats != nil
	}, 2*time.Second, 5*time.Millisecond)

	_, err := f.Stat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, a.Calls("stat"))
}

func TestOperationsOnAPathAreSerialized(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/p", "old")

	release := a.Block()
	f := fs.GetFileForPath("/p")

	readDone := make(chan string, 1)
	go func() {
		text, _, _ := f.ReadAsText(ctx, "")
		readDone <- text
	}()
	<-a.entered

	writeDone := make(chan error, 1)
	go func() {
		_, err := f.Write(ctx, "new", "")
		writeDone <- err
	}()

	require.Eventually(t, func() bool { return len(fs.PendingOperations("/p")) == 2 }, 2*time.Second, time.Millisecond)
	ops := fs.PendingOperations("/p")
	assert.Equal(t, "read", ops[0].Op)
	assert.True(t, ops[0].Running)
	assert.Equal(t, "write", ops[1].Op)
	assert.False(t, ops[1].Running)
	assert.Zero(t, a.Calls("write"))

	release()
	assert.Equal(t, "old", <-readDone)
	require.NoError(t, <-writeDone)
	assert.Empty(t, fs.PendingOperations("/p"))

	text, _, err := f.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "new", text)
}

func TestDetachRetiresEntries(t *testing.T) {
	ctx := context.Background()
	fs, _ := newTestFS(t, "/m")

	f := fs.GetFileForPath("/m/file")
	_, err := f.WriteBytes(ctx, []byte("x"))
	require.NoError(t, err)

	require.NoError(t, fs.Detach("/m"))
	_, err = f.Stat(ctx)
	assert.True(t, fserrors.Is(err, fserrors.KindInvalidState))
	_, _, err = fs.Resolve(ctx, "/m/file")
	assert.True(t, fserrors.Is(err, fserrors.KindNoVolume))
	assert.Empty(t, fs.Volumes())
}

func TestResetAndClearCache(t *testing.T) {
	ctx := context.Background()
	fs, a := newTestFS(t, "/")
	seed(t, fs, a, "/c", "c")

	e, _, err := fs.Resolve(ctx, "/c")
	require.NoError(t, err)

	fs.ClearCache()
	same, _, err := fs.Resolve(ctx, "/c")
	require.NoError(t, err)
	assert.Same(t, e, same)
	assert.Equal(t, 2, a.Calls("stat"))

	fs.Invalidate("/c")
	_, err = e.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, a.Calls("stat"))

	held := e.(*File)
	text, _, err := held.ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "c", text)

	fs.Reset()
	_, _, err = held.ReadAsText(ctx, "")
	assert.True(t, fserrors.Is(err, fserrors.KindInvalidState))

	seed(t, fs, a, "/c", "v2")
	fresh, _, err := fs.Resolve(ctx, "/c")
	require.NoError(t, err)
	assert.NotSame(t, e, fresh)
	text, _, err = fresh.(*File).ReadAsText(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "v2", text)
	assert.Len(t, fs.Volumes(), 1)
}
