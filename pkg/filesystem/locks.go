package filesystem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

// Operation is one queued or running operation on a path.
type Operation struct {
	Token   string
	Op      string
	Path    string
	Started time.Time
	Running bool
}

type slot struct {
	sem  chan struct{}
	refs int
	ops  map[string]*Operation
}

// lockTable serializes operations per path. A slot lives only while some
// operation holds or waits for it.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]*slot
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]*slot)}
}

func lockKey(path string) string {
	return vpath.AsFile(path)
}

// acquire waits for the path's slot. The returned release func is safe to
// call more than once.
func (t *lockTable) acquire(ctx context.Context, path, op string) (func(), error) {
	key := lockKey(path)
	token := ulid.Make().String()

	t.mu.Lock()
	s, ok := t.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1), ops: make(map[string]*Operation)}
		t.slots[key] = s
	}
	s.refs++
	rec := &Operation{Token: token, Op: op, Path: key, Started: time.Now()}
	s.ops[token] = rec
	t.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	default:
		logging.Debug("waiting for path lock", logging.Path(key), logging.Op(op))
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			t.leave(key, s, token)
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	rec.Running = true
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.sem
			t.leave(key, s, token)
		})
	}, nil
}

// acquireAll locks several paths in a fixed order.
func (t *lockTable) acquireAll(ctx context.Context, op string, paths ...string) (func(), error) {
	keys := make([]string, 0, len(paths))
	seen := make(map[string]bool)
	for _, p := range paths {
		k := lockKey(p)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, k := range keys {
		release, err := t.acquire(ctx, k, op)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}

func (t *lockTable) leave(key string, s *slot, token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(s.ops, token)
	s.refs--
	if s.refs == 0 {
		delete(t.slots, key)
	}
}

// busy reports whether any operation holds or awaits path.
func (t *lockTable) busy(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.slots[lockKey(path)]
	return ok
}

// pending lists the operations queued or running on path, oldest first.
func (t *lockTable) pending(path string) []Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[lockKey(path)]
	if !ok {
		return nil
	}
	out := make([]Operation, 0, len(s.ops))
	for _, op := range s.ops {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Started.Equal(out[j].Started) {
			return out[i].Started.Before(out[j].Started)
		}
		return out[i].Token < out[j].Token
	})
	return out
}
