// ABOUTME: Fan-out of radio events to registered listeners
// ABOUTME: Shared by radio backends to implement Port.Subscribe
package radio

import (
	"sync"

	"github.com/decred/slog"
)

// Dispatcher delivers events to every subscriber without blocking the
// producer. A subscriber whose buffer is full misses the event.
type Dispatcher struct {
	log slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(log slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Disabled
	}
	return &Dispatcher{log: log, subs: make(map[uint64]chan Event)}
}

// Subscribe registers a listener with the given channel buffer
func (d *Dispatcher) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	d.mu.Unlock()

	return ch, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
	}
}

// Dispatch sends ev to all current subscribers
func (d *Dispatcher) Dispatch(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			d.log.Warnf("Dropping %s event for %s: listener buffer full", ev.Kind, ev.Device.ID)
		}
	}
}

// Len returns the number of registered listeners
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

// Close deregisters and closes every listener
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ch := range d.subs {
		delete(d.subs, id)
		close(ch)
	}
}
