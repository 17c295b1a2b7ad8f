// ABOUTME: Tests for TUI model and state management
// ABOUTME: Tests event folding, key handling and the operations keys trigger
package ui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/bluetoothification/btsink/internal/app"
	"github.com/bluetoothification/btsink/internal/events"
	"github.com/bluetoothification/btsink/internal/orchestrator"
	tea "github.com/charmbracelet/bubbletea"
)

type fakeController struct {
	mu      sync.Mutex
	calls   []string
	batches [][]string
	status  app.Status
	err     error
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) StartSink() error                    { return f.record("startSink") }
func (f *fakeController) StopSink() error                     { return f.record("stopSink") }
func (f *fakeController) StartCapture() error                 { return f.record("startCapture") }
func (f *fakeController) StopCapture() error                  { return f.record("stopCapture") }
func (f *fakeController) StartScan(ctx context.Context) error { return f.record("startScan") }
func (f *fakeController) StopScan(ctx context.Context) error  { return f.record("stopScan") }

func (f *fakeController) ConnectMultiple(ctx context.Context, ids []string) (*orchestrator.BatchResult, error) {
	f.mu.Lock()
	f.batches = append(f.batches, ids)
	f.mu.Unlock()
	results := make([]orchestrator.DeviceResult, len(ids))
	for i, id := range ids {
		results[i] = orchestrator.DeviceResult{DeviceID: id, Status: orchestrator.StatusConnected}
	}
	return &orchestrator.BatchResult{Outcome: orchestrator.OutcomeSuccess, Results: results}, nil
}

func (f *fakeController) DisconnectDevice(ctx context.Context, id string) error {
	return f.record("disconnect " + id)
}

func (f *fakeController) CreateBond(ctx context.Context, id string) error {
	return f.record("bond " + id)
}

func (f *fakeController) Status() app.Status { return f.status }

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func key(s string) tea.KeyMsg {
	switch s {
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case " ":
		return tea.KeyMsg{Type: tea.KeySpace}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

// press applies a key and runs the command it returns, feeding the
// operation result back into the model
func press(t *testing.T, m Model, k string) Model {
	t.Helper()
	next, cmd := m.Update(key(k))
	m = next.(Model)
	if cmd == nil {
		return m
	}
	if done, ok := cmd().(opDoneMsg); ok {
		next, _ = m.Update(done)
		m = next.(Model)
	}
	return m
}

func found(m Model, ids ...string) Model {
	for _, id := range ids {
		next, _ := m.Update(eventMsg(events.Event{Type: events.DeviceFound, DeviceID: id, Name: "dev-" + id}))
		m = next.(Model)
	}
	return m
}

func TestNewModel(t *testing.T) {
	model := NewModel("btsink-test", 8928, nil)

	if model.status.SinkActive {
		t.Error("expected sink inactive initially")
	}
	if len(model.devices) != 0 {
		t.Errorf("expected no devices, got %d", len(model.devices))
	}
	if model.marked == nil {
		t.Error("expected marked set to be initialised")
	}
}

func TestDeviceFoundDedupe(t *testing.T) {
	model := found(NewModel("n", 1, nil), "A", "B")

	next, _ := model.Update(eventMsg(events.Event{Type: events.DeviceFound, DeviceID: "A", Name: "renamed", SignalStrength: -30}))
	model = next.(Model)

	if len(model.devices) != 2 {
		t.Fatalf("expected 2 devices, got %d", len(model.devices))
	}
	if model.devices[0].name != "renamed" || model.devices[0].signal != -30 {
		t.Errorf("expected device A updated in place, got %+v", model.devices[0])
	}
}

func TestCursorBounds(t *testing.T) {
	model := found(NewModel("n", 1, nil), "A", "B")

	model = press(t, model, "up")
	if model.cursor != 0 {
		t.Errorf("cursor moved above first device: %d", model.cursor)
	}
	model = press(t, model, "down")
	model = press(t, model, "down")
	if model.cursor != 1 {
		t.Errorf("cursor moved past last device: %d", model.cursor)
	}
	if model.current() != "B" {
		t.Errorf("expected B under cursor, got %q", model.current())
	}
}

func TestSelection(t *testing.T) {
	model := found(NewModel("n", 1, nil), "A", "B", "C")

	if got := model.selection(); len(got) != 1 || got[0] != "A" {
		t.Errorf("expected cursor fallback [A], got %v", got)
	}

	model = press(t, model, "down")
	model = press(t, model, "down")
	model = press(t, model, " ")
	model = press(t, model, "up")
	model = press(t, model, "up")
	model = press(t, model, " ")

	got := model.selection()
	if strings.Join(got, ",") != "A,C" {
		t.Errorf("expected marked devices in list order [A C], got %v", got)
	}
}

func TestToggleKeys(t *testing.T) {
	tests := []struct {
		key    string
		status app.Status
		want   string
	}{
		{"v", app.Status{}, "startSink"},
		{"v", app.Status{SinkActive: true}, "stopSink"},
		{"c", app.Status{SinkActive: true}, "startCapture"},
		{"c", app.Status{SinkActive: true, Capturing: true}, "stopCapture"},
		{"s", app.Status{}, "startScan"},
		{"s", app.Status{Scanning: true}, "stopScan"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			ctrl := &fakeController{}
			model := NewModel("n", 1, ctrl)
			model.status = tt.status

			model = press(t, model, tt.key)

			calls := ctrl.Calls()
			if len(calls) != 1 || calls[0] != tt.want {
				t.Errorf("expected %s, got %v", tt.want, calls)
			}
			if model.busy != 0 {
				t.Errorf("expected no operation in flight, got %d", model.busy)
			}
		})
	}
}

func TestStartScanClearsDevices(t *testing.T) {
	ctrl := &fakeController{}
	model := found(NewModel("n", 1, ctrl), "A", "B")
	model = press(t, model, " ")

	model = press(t, model, "s")

	if len(model.devices) != 0 || len(model.marked) != 0 {
		t.Errorf("expected cleared list, got %d devices %d marked", len(model.devices), len(model.marked))
	}
}

func TestEnterConnectsSelection(t *testing.T) {
	ctrl := &fakeController{}
	model := found(NewModel("n", 1, ctrl), "A", "B", "C")
	model = press(t, model, " ")
	model = press(t, model, "down")
	model = press(t, model, " ")

	model = press(t, model, "enter")

	if len(ctrl.batches) != 1 || strings.Join(ctrl.batches[0], ",") != "A,B" {
		t.Fatalf("expected one batch [A B], got %v", ctrl.batches)
	}
	if len(model.marked) != 0 {
		t.Error("expected marks cleared after connect")
	}
	if !strings.Contains(model.message, "success") {
		t.Errorf("expected batch outcome in message, got %q", model.message)
	}
}

func TestDeviceKeys(t *testing.T) {
	ctrl := &fakeController{err: errors.New("nope")}
	model := found(NewModel("n", 1, ctrl), "A")

	model = press(t, model, "x")
	model = press(t, model, "b")

	calls := ctrl.Calls()
	if strings.Join(calls, ";") != "disconnect A;bond A" {
		t.Errorf("unexpected calls: %v", calls)
	}
	if !strings.Contains(model.message, "failed: nope") {
		t.Errorf("expected failure in message, got %q", model.message)
	}
}

func TestDeviceKeysWithoutDevices(t *testing.T) {
	ctrl := &fakeController{}
	model := NewModel("n", 1, ctrl)

	model = press(t, model, "x")
	model = press(t, model, "b")
	model = press(t, model, "enter")

	if calls := ctrl.Calls(); len(calls) != 0 {
		t.Errorf("expected no calls with an empty list, got %v", calls)
	}
}

func TestQuitSignals(t *testing.T) {
	model := NewModel("n", 1, nil)

	next, cmd := model.Update(key("q"))
	model = next.(Model)

	if !model.quitting {
		t.Error("expected quitting")
	}
	if cmd == nil {
		t.Error("expected quit command")
	}
	select {
	case <-model.quitChan:
	default:
		t.Error("expected quit signal")
	}
}

func TestView(t *testing.T) {
	model := found(NewModel("kitchen", 8928, nil), "AA:BB:CC:DD:EE:FF")
	next, _ := model.Update(statusMsg(app.Status{SinkActive: true, Connected: []string{"AA:BB:CC:DD:EE:FF"}, Format: "48000Hz/2ch/16bit"}))
	model = next.(Model)

	view := model.View()
	for _, want := range []string{"kitchen", "AA:BB:CC:DD:EE:FF", "connected", "48000Hz/2ch/16bit"} {
		if !strings.Contains(view, want) {
			t.Errorf("expected %q in view:\n%s", want, view)
		}
	}
}
