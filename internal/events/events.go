// ABOUTME: Outbound notifications to the presentation layer
// ABOUTME: Event type, the Bridge interface and a fan-out Hub
package events

import (
	"sync"
	"time"

	"github.com/decred/slog"
)

// Type names an outbound notification
type Type string

const (
	DeviceFound        Type = "deviceFound"
	ScanFinished       Type = "scanFinished"
	DeviceConnected    Type = "deviceConnected"
	DeviceDisconnected Type = "deviceDisconnected"
)

// Event is one notification. Only the fields relevant to Type are set.
type Event struct {
	Type           Type      `json:"type"`
	DeviceID       string    `json:"id,omitempty"`
	Name           string    `json:"name,omitempty"`
	SignalStrength int16     `json:"signal_strength,omitempty"`
	Time           time.Time `json:"time"`
}

// Bridge receives events from the core. Emit must not block.
type Bridge interface {
	Emit(Event)
}

// Discard is a Bridge that drops everything
type Discard struct{}

func (Discard) Emit(Event) {}

// Hub fans events out to any number of subscribers. A subscriber that
// falls behind misses events rather than stalling the emitter.
type Hub struct {
	log slog.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   map[uint64]chan Event
}

// NewHub creates a hub with no subscribers
func NewHub(log slog.Logger) *Hub {
	if log == nil {
		log = slog.Disabled
	}
	return &Hub{log: log, subs: make(map[uint64]chan Event)}
}

// Emit stamps ev with the current time if unset and delivers it
func (h *Hub) Emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.log.Debugf("Event %s %s", ev.Type, ev.DeviceID)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.log.Warnf("Subscriber full, dropping %s event", ev.Type)
		}
	}
}

// Subscribe registers a listener. The returned func removes it and
// closes the channel.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
}
