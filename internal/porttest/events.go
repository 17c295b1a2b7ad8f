// ABOUTME: Recording event bridge for tests
// ABOUTME: Keeps every emitted event in order
package porttest

import (
	"sync"
	"time"

	"github.com/bluetoothification/btsink/internal/events"
)

// Events records emitted events
type Events struct {
	mu     sync.Mutex
	events []events.Event
}

func (e *Events) Emit(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

// All returns a copy of the recorded events
func (e *Events) All() []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]events.Event(nil), e.events...)
}

// Count returns how many events of type typ concern deviceID. An empty
// deviceID matches any device.
func (e *Events) Count(typ events.Type, deviceID string) int {
	n := 0
	for _, ev := range e.All() {
		if ev.Type == typ && (deviceID == "" || ev.DeviceID == deviceID) {
			n++
		}
	}
	return n
}

// WaitFor polls until at least n matching events were recorded
func (e *Events) WaitFor(typ events.Type, deviceID string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if e.Count(typ, deviceID) >= n {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(2 * time.Millisecond)
	}
}
