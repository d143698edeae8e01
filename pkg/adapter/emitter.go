package adapter

import (
	"sync"

	"github.com/fruitsalade/vfs/pkg/models"
)

// Emitter is the event channel shared by the adapters in this module.
// Emit never blocks the caller: events queue until the consumer reads them.
type Emitter struct {
	mu     sync.Mutex
	queue  []models.RawEvent
	signal chan struct{}
	out    chan models.RawEvent
	done   chan struct{}
	once   sync.Once
}

// NewEmitter creates an emitter and starts its pump.
func NewEmitter() *Emitter {
	e := &Emitter{
		signal: make(chan struct{}, 1),
		out:    make(chan models.RawEvent, 64),
		done:   make(chan struct{}),
	}
	go e.pump()
	return e
}

// Emit queues an event.
func (e *Emitter) Emit(ev models.RawEvent) {
	e.mu.Lock()
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Events returns the consumer side of the emitter.
func (e *Emitter) Events() <-chan models.RawEvent {
	return e.out
}

// Close stops the pump and closes the event channel. Queued events are
// discarded.
func (e *Emitter) Close() {
	e.once.Do(func() { close(e.done) })
}

func (e *Emitter) pump() {
	defer close(e.out)
	for {
		select {
		case <-e.done:
			return
		case <-e.signal:
		}

		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		e.mu.Unlock()

		for _, ev := range batch {
			select {
			case e.out <- ev:
			case <-e.done:
				return
			}
		}
	}
}
