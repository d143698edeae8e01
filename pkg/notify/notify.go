// Package notify turns raw adapter events into coalesced change
// notifications.
//
// Raw events are queued without blocking the producer. A batch opens on the
// first queued event and closes one tick later; within a batch each path
// yields at most one change of its most severe kind. Every change is handed
// to the Invalidator before any subscriber sees it.
package notify

import (
	"sort"
	"sync"
	"time"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/internal/metrics"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

const DefaultTick = 25 * time.Millisecond

// Kind is a change kind. Higher values are more severe.
type Kind int

const (
	Created Kind = iota + 1
	Modified
	Renamed
	Removed
)

func (k Kind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Renamed:
		return "renamed"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one coalesced notification.
type Change struct {
	Path string
	Kind Kind
	// OldPath is set for Renamed.
	OldPath string
	// Stats is the backend's view after the change, when the adapter
	// reported one.
	Stats *models.Stats
	// Subtree marks a conservative notification: anything under Path may
	// have changed.
	Subtree bool
}

// Handler receives changes on the notifier goroutine.
type Handler func(Change)

// Invalidator drops cached state for a change before it is delivered.
type Invalidator interface {
	Invalidate(Change)
}

// Config tunes a Notifier.
type Config struct {
	// Tick is how long a batch stays open. Zero means DefaultTick.
	Tick time.Duration
	// Ignore drops events for matching paths.
	Ignore func(path string) bool
}

type subscription struct {
	id      uint64
	prefix  string
	handler Handler
}

// Notifier coalesces and fans out changes.
type Notifier struct {
	tick   time.Duration
	ignore func(string) bool
	inv    Invalidator

	mu       sync.Mutex
	queue    []models.RawEvent
	degraded map[string]error

	subsMu sync.RWMutex
	subs   []subscription
	nextID uint64

	signal  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// New creates a notifier. Start must be called before changes flow.
func New(cfg Config, inv Invalidator) *Notifier {
	tick := cfg.Tick
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Notifier{
		tick:     tick,
		ignore:   cfg.Ignore,
		inv:      inv,
		degraded: make(map[string]error),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (n *Notifier) Start() {
	go n.loop()
}

// Stop ends delivery and waits for the goroutine. Queued events are
// dropped.
func (n *Notifier) Stop() {
	n.once.Do(func() {
		close(n.done)
		<-n.stopped
	})
}

// Ingest queues a raw event with an absolute path. It never blocks.
func (n *Notifier) Ingest(ev models.RawEvent) {
	metrics.RecordRawEvent()
	if ev.Kind == models.EventWatchFailed {
		n.MarkDegraded(ev.Path, ev.Err)
		return
	}
	n.enqueue(ev)
}

func (n *Notifier) enqueue(ev models.RawEvent) {
	n.mu.Lock()
	n.queue = append(n.queue, ev)
	n.mu.Unlock()

	select {
	case n.signal <- struct{}{}:
	default:
	}
}

// MarkDegraded records that changes under root may go unreported. A
// conservative subtree change for root goes out with the next batch, and
// so does one for every later batch that touches the subtree.
func (n *Notifier) MarkDegraded(root string, err error) {
	root = vpath.AsFile(root)

	n.mu.Lock()
	n.degraded[root] = err
	count := len(n.degraded)
	n.mu.Unlock()

	metrics.SetDegradedWatches(count)
	logging.Warn("watch degraded", logging.Path(root), logging.Err(err))
	n.enqueue(models.RawEvent{Kind: models.EventWatchFailed, Path: root, Err: err})
}

// ClearDegraded forgets a degraded root.
func (n *Notifier) ClearDegraded(root string) {
	root = vpath.AsFile(root)

	n.mu.Lock()
	_, was := n.degraded[root]
	delete(n.degraded, root)
	count := len(n.degraded)
	n.mu.Unlock()

	if was {
		metrics.SetDegradedWatches(count)
		logging.Info("watch recovered", logging.Path(root))
	}
}

// Degraded returns the degraded roots.
func (n *Notifier) Degraded() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.degraded))
	for root := range n.degraded {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers handler for changes at or below prefix. Handlers run
// in registration order.
func (n *Notifier) Subscribe(prefix string, handler Handler) uint64 {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	n.nextID++
	n.subs = append(n.subs, subscription{id: n.nextID, prefix: vpath.AsFile(prefix), handler: handler})
	return n.nextID
}

// Unsubscribe removes a subscription. Unknown ids are ignored.
func (n *Notifier) Unsubscribe(id uint64) {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	for i, s := range n.subs {
		if s.id == id {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return
		}
	}
}

// Count returns the number of subscriptions.
func (n *Notifier) Count() int {
	n.subsMu.RLock()
	defer n.subsMu.RUnlock()
	return len(n.subs)
}

func (n *Notifier) loop() {
	defer close(n.stopped)
	timer := time.NewTimer(n.tick)
	timer.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-n.signal:
		}

		timer.Reset(n.tick)
		select {
		case <-n.done:
			timer.Stop()
			return
		case <-timer.C:
		}

		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		n.mu.Unlock()

		n.deliver(n.coalesce(batch))
	}
}

// coalesce reduces a batch to one change per path, in first-seen order.
func (n *Notifier) coalesce(batch []models.RawEvent) []Change {
	var order []string
	byPath := make(map[string]*Change)

	put := func(c Change) {
		if n.ignore != nil && n.ignore(c.Path) {
			return
		}
		prev, ok := byPath[c.Path]
		if !ok {
			order = append(order, c.Path)
			byPath[c.Path] = &c
			return
		}
		if c.Kind >= prev.Kind {
			prev.Kind = c.Kind
			if c.OldPath != "" {
				prev.OldPath = c.OldPath
			}
		}
		prev.Subtree = prev.Subtree || c.Subtree
		if prev.Kind == Removed {
			prev.Stats = nil
		} else if c.Stats != nil {
			prev.Stats = c.Stats
		}
	}

	for _, ev := range batch {
		path := vpath.AsFile(ev.Path)
		switch ev.Kind {
		case models.EventCreated:
			put(Change{Path: path, Kind: Created, Stats: ev.Stats})
		case models.EventModified:
			put(Change{Path: path, Kind: Modified, Stats: ev.Stats})
		case models.EventRemoved:
			put(Change{Path: path, Kind: Removed})
		case models.EventRenamed:
			put(Change{Path: path, Kind: Removed})
			put(Change{Path: vpath.AsFile(ev.NewPath), Kind: Renamed, OldPath: path, Stats: ev.Stats})
		case models.EventWatchFailed:
			put(Change{Path: path, Kind: Modified, Subtree: true})
		}
	}

	n.mu.Lock()
	roots := make([]string, 0, len(n.degraded))
	for root := range n.degraded {
		roots = append(roots, root)
	}
	n.mu.Unlock()
	sort.Strings(roots)

	for _, root := range roots {
		if c, ok := byPath[root]; ok {
			c.Subtree = true
			continue
		}
		for _, p := range order {
			if vpath.Contains(root, p) || (byPath[p].OldPath != "" && vpath.Contains(root, byPath[p].OldPath)) {
				order = append(order, root)
				byPath[root] = &Change{Path: root, Kind: Modified, Subtree: true}
				break
			}
		}
	}

	changes := make([]Change, 0, len(order))
	for _, p := range order {
		changes = append(changes, *byPath[p])
	}
	if merged := len(batch) - len(changes); merged > 0 {
		metrics.RecordCoalesced(merged)
	}
	return changes
}

func (n *Notifier) deliver(changes []Change) {
	if len(changes) == 0 {
		return
	}

	n.subsMu.RLock()
	subs := make([]subscription, len(n.subs))
	copy(subs, n.subs)
	n.subsMu.RUnlock()

	for _, c := range changes {
		if n.inv != nil {
			n.inv.Invalidate(c)
		}
		metrics.RecordNotification(c.Kind.String())
		logging.Debug("change", logging.Path(c.Path), logging.Kind(c.Kind))

		for _, s := range subs {
			if covers(s.prefix, c) {
				n.call(s, c)
			}
		}
	}
}

func covers(prefix string, c Change) bool {
	if vpath.Contains(prefix, c.Path) {
		return true
	}
	if c.OldPath != "" && vpath.Contains(prefix, c.OldPath) {
		return true
	}
	// A subtree change above the prefix may include it.
	return c.Subtree && vpath.Contains(c.Path, prefix)
}

func (n *Notifier) call(s subscription, c Change) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordHandlerPanic()
			logging.Warn("change handler panicked",
				logging.Path(c.Path),
				logging.Any("panic", r))
		}
	}()
	s.handler(c)
}
