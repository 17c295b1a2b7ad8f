// ABOUTME: Tests for the radio event dispatcher
// ABOUTME: Covers fan-out, deregistration and slow listeners
package radio

import (
	"testing"
)

func TestDispatcherFanOut(t *testing.T) {
	d := NewDispatcher(nil)
	a, unsubA := d.Subscribe(1)
	b, unsubB := d.Subscribe(1)
	defer unsubA()
	defer unsubB()

	d.Dispatch(Event{Kind: EventDiscoveryFinished})

	for i, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			if ev.Kind != EventDiscoveryFinished {
				t.Errorf("listener %d: unexpected kind %s", i, ev.Kind)
			}
		default:
			t.Errorf("listener %d did not receive event", i)
		}
	}
}

func TestDispatcherUnsubscribeClosesChannel(t *testing.T) {
	d := NewDispatcher(nil)
	ch, unsub := d.Subscribe(1)

	unsub()
	unsub() // second call is a no-op

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	if d.Len() != 0 {
		t.Errorf("expected no listeners, got %d", d.Len())
	}

	// Dispatch after unsubscribe must not panic
	d.Dispatch(Event{Kind: EventDeviceFound})
}

func TestDispatcherDropsForFullListener(t *testing.T) {
	d := NewDispatcher(nil)
	slow, unsubSlow := d.Subscribe(1)
	fast, unsubFast := d.Subscribe(4)
	defer unsubSlow()
	defer unsubFast()

	for i := 0; i < 3; i++ {
		d.Dispatch(Event{Kind: EventDeviceFound})
	}

	if len(slow) != 1 {
		t.Errorf("expected slow listener to hold 1 event, got %d", len(slow))
	}
	if len(fast) != 3 {
		t.Errorf("expected fast listener to hold 3 events, got %d", len(fast))
	}
}

func TestDispatcherCloseThenUnsubscribe(t *testing.T) {
	d := NewDispatcher(nil)
	_, unsub := d.Subscribe(1)
	d.Close()
	unsub() // must not double close
}
