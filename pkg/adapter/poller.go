package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/fruitsalade/vfs/internal/logging"
	"github.com/fruitsalade/vfs/pkg/models"
	"github.com/fruitsalade/vfs/pkg/vpath"
)

// Snapshot maps every path below a watched root to its stats.
type Snapshot map[string]*models.Stats

// ScanFunc lists the state of the tree rooted at root.
type ScanFunc func(ctx context.Context, root string) (Snapshot, error)

// Poller watches trees on backends without change notification by diffing
// periodic snapshots.
type Poller struct {
	interval time.Duration
	scan     ScanFunc
	emit     func(models.RawEvent)

	mu    sync.Mutex
	state map[string]Snapshot // root -> last snapshot
	done  chan struct{}
	once  sync.Once
}

// NewPoller creates a poller. It does nothing until Start.
func NewPoller(interval time.Duration, scan ScanFunc, emit func(models.RawEvent)) *Poller {
	if interval == 0 {
		interval = 5 * time.Second
	}
	return &Poller{
		interval: interval,
		scan:     scan,
		emit:     emit,
		state:    make(map[string]Snapshot),
		done:     make(chan struct{}),
	}
}

// Start begins polling until ctx is cancelled or Stop is called.
func (p *Poller) Start(ctx context.Context) {
	go p.loop(ctx)
}

// Stop stops polling.
func (p *Poller) Stop() {
	p.once.Do(func() { close(p.done) })
}

// Add takes the baseline snapshot for root. Adding a root twice is a no-op.
func (p *Poller) Add(ctx context.Context, root string) error {
	p.mu.Lock()
	_, exists := p.state[root]
	p.mu.Unlock()
	if exists {
		return nil
	}

	snap, err := p.scan(ctx, root)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.state[root] = snap
	p.mu.Unlock()
	return nil
}

// Remove stops polling root.
func (p *Poller) Remove(root string) {
	p.mu.Lock()
	delete(p.state, root)
	p.mu.Unlock()
}

// Observe records a change the adapter already reported itself, so the
// next round does not report it again. A nil stats removes path and
// everything below it.
func (p *Poller) Observe(path string, stats *models.Stats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for root, snap := range p.state {
		if !vpath.Contains(root, path) {
			continue
		}
		if stats != nil {
			snap[path] = stats
			continue
		}
		for k := range snap {
			if vpath.Contains(path, k) {
				delete(snap, k)
			}
		}
	}
}

// Roots returns the number of polled roots.
func (p *Poller) Roots() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.state)
}

func (p *Poller) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.Check(ctx)
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Check runs one polling round over every root.
func (p *Poller) Check(ctx context.Context) {
	p.mu.Lock()
	roots := make([]string, 0, len(p.state))
	for root := range p.state {
		roots = append(roots, root)
	}
	p.mu.Unlock()

	for _, root := range roots {
		snap, err := p.scan(ctx, root)
		if err != nil {
			logging.Warn("poll scan failed", logging.Path(root), logging.Err(err))
			p.emit(models.RawEvent{Kind: models.EventWatchFailed, Path: root, Err: err})
			continue
		}

		p.mu.Lock()
		old, still := p.state[root]
		if still {
			p.state[root] = snap
		}
		p.mu.Unlock()
		if !still {
			continue
		}

		for _, ev := range diff(old, snap) {
			p.emit(ev)
		}
	}
}

func diff(old, cur Snapshot) []models.RawEvent {
	var events []models.RawEvent
	for path, stats := range cur {
		prev, existed := old[path]
		switch {
		case !existed:
			events = append(events, models.RawEvent{Kind: models.EventCreated, Path: path, Stats: stats})
		case !prev.Equal(stats):
			events = append(events, models.RawEvent{Kind: models.EventModified, Path: path, Stats: stats})
		}
	}
	for path := range old {
		if _, ok := cur[path]; !ok {
			events = append(events, models.RawEvent{Kind: models.EventRemoved, Path: path})
		}
	}
	return events
}
