package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bluetoothification/btsink/internal/events"
	"github.com/bluetoothification/btsink/internal/porttest"
	"github.com/bluetoothification/btsink/internal/sink"
	"github.com/bluetoothification/btsink/pkg/radio"
)

const (
	devA = "AA:BB:CC:DD:EE:FF"
	devB = "11:22:33:44:55:66"
	devC = "00:1A:7D:DA:71:13"

	audioClass radio.Class = 0x240418
)

type harness struct {
	orch   *Orchestrator
	sink   *sink.Manager
	radio  *porttest.Radio
	output *porttest.Output
	events *porttest.Events
}

func newHarness(t *testing.T, tune func(*Config)) *harness {
	t.Helper()
	out := porttest.NewOutput()
	sm, err := sink.New(sink.Config{
		Capture:       porttest.NewCapture(),
		Output:        out,
		FrameDuration: 5 * time.Millisecond,
		StopTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("sink.New: %v", err)
	}

	r := porttest.NewRadio()
	rec := &porttest.Events{}
	cfg := Config{
		Sink:           sm,
		Radio:          r,
		Bridge:         rec,
		BondTimeout:    time.Second,
		ConnectTimeout: time.Second,
	}
	if tune != nil {
		tune(&cfg)
	}
	o := New(cfg)

	t.Cleanup(func() {
		sm.StopSink()
		o.Close()
		r.Wait()
	})
	return &harness{orch: o, sink: sm, radio: r, output: out, events: rec}
}

func (h *harness) add(id string, bonded bool) {
	h.radio.AddDevice(radio.Device{ID: id, Name: "Speaker " + id[:2], Class: audioClass, Bonded: bonded})
}

// assertConnectedMatchesRoutes checks the connected set against the
// registry's device routes
func (h *harness) assertConnectedMatchesRoutes(t *testing.T) {
	t.Helper()
	var routed []string
	for _, id := range h.sink.Registry().IDs() {
		if id != sink.MainOutputID {
			routed = append(routed, id)
		}
	}
	connected := h.orch.ConnectedDevices()
	if len(routed) == 0 && len(connected) == 0 {
		return
	}
	if !reflect.DeepEqual(routed, connected) {
		t.Errorf("connected set %v does not match routes %v", connected, routed)
	}
}

func TestConnectDeviceRequiresActiveSink(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, true)

	err := h.orch.ConnectDevice(context.Background(), devA)
	if !errors.Is(err, sink.ErrSinkNotActive) {
		t.Errorf("expected ErrSinkNotActive, got %v", err)
	}
	if h.radio.OpenCalls(devA) != 0 {
		t.Error("profile must not be opened")
	}
}

func TestConnectDeviceStreamsCapturedAudio(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, true)
	ctx := context.Background()

	if err := h.sink.StartSink(); err != nil {
		t.Fatalf("StartSink: %v", err)
	}
	if err := h.sink.StartCapture(); err != nil {
		t.Fatalf("StartCapture: %v", err)
	}
	if err := h.orch.ConnectDevice(ctx, devA); err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}

	if n := h.events.Count(events.DeviceConnected, devA); n != 1 {
		t.Fatalf("expected one deviceConnected, got %d", n)
	}
	route := h.sink.Registry().Get(devA)
	if route == nil {
		t.Fatal("expected a route after deviceConnected")
	}

	stream := h.output.Last(devA)
	before := stream.Writes()
	deadline := time.Now().Add(2 * time.Second)
	for stream.Writes() <= before {
		if time.Now().After(deadline) {
			t.Fatal("no capture frame reached the device")
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.assertConnectedMatchesRoutes(t)
}

func TestConnectDeviceIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, true)
	ctx := context.Background()
	h.sink.StartSink()

	for i := 0; i < 2; i++ {
		if err := h.orch.ConnectDevice(ctx, devA); err != nil {
			t.Fatalf("ConnectDevice #%d: %v", i+1, err)
		}
	}
	if h.radio.OpenCalls(devA) != 1 {
		t.Errorf("expected one profile open, got %d", h.radio.OpenCalls(devA))
	}
	if n := h.events.Count(events.DeviceConnected, devA); n != 1 {
		t.Errorf("expected one deviceConnected, got %d", n)
	}
}

func TestConnectDeviceLowerCaseAddress(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, true)
	h.sink.StartSink()

	if err := h.orch.ConnectDevice(context.Background(), "aa:bb:cc:dd:ee:ff"); err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}
	if !h.orch.IsConnected(devA) {
		t.Error("expected normalized address in connected set")
	}
}

func TestConnectDeviceFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(h *harness)
		expected error
	}{
		{
			name:     "unknown device",
			setup:    func(h *harness) {},
			expected: ErrDeviceNotFound,
		},
		{
			name: "profile rejected",
			setup: func(h *harness) {
				h.add(devA, true)
				h.radio.FailProfile(devA, nil)
			},
			expected: ErrProfileConnectFailed,
		},
		{
			name: "profile never answers",
			setup: func(h *harness) {
				h.add(devA, true)
				h.radio.Silence(devA)
			},
			expected: ErrProfileConnectFailed,
		},
		{
			name: "output cannot open",
			setup: func(h *harness) {
				h.add(devA, true)
				h.output.FailOpen(devA, errors.New("no sink"))
			},
			expected: sink.ErrOutputOpenFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) { c.ConnectTimeout = 30 * time.Millisecond })
			tt.setup(h)
			h.sink.StartSink()

			err := h.orch.ConnectDevice(context.Background(), devA)
			if !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
			if h.sink.Registry().Get(devA) != nil {
				t.Error("failed connect left a route behind")
			}
			if h.output.OpenCount(devA) != 0 {
				t.Error("failed connect left an output stream open")
			}
			if n := len(h.events.All()); n != 0 {
				t.Errorf("expected no events, got %d", n)
			}
			if h.orch.IsConnected(devA) {
				t.Error("device must not be connected")
			}
		})
	}
}

func TestCreateBond(t *testing.T) {
	tests := []struct {
		name      string
		bonded    bool
		known     bool
		fail      bool
		silent    bool
		expected  error
		bondCalls int
	}{
		{"pairs unbonded device", false, true, false, false, nil, 1},
		{"already bonded", true, true, false, false, nil, 0},
		{"unknown device", false, false, false, false, ErrDeviceNotFound, 0},
		{"rejected", false, true, true, false, ErrBondingFailed, 1},
		{"times out", false, true, false, true, ErrBondingFailed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) { c.BondTimeout = 30 * time.Millisecond })
			if tt.known {
				h.add(devA, tt.bonded)
			}
			if tt.fail {
				h.radio.FailBond(devA, nil)
			}
			if tt.silent {
				h.radio.Silence(devA)
			}
			listeners := h.radio.Len()

			err := h.orch.CreateBond(context.Background(), devA)
			if tt.expected == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.expected != nil && !errors.Is(err, tt.expected) {
				t.Fatalf("expected %v, got %v", tt.expected, err)
			}
			if got := h.radio.BondCalls(devA); got != tt.bondCalls {
				t.Errorf("expected %d bond calls, got %d", tt.bondCalls, got)
			}
			if h.radio.Len() != listeners {
				t.Errorf("bond listener leaked: %d before, %d after", listeners, h.radio.Len())
			}
		})
	}
}

func TestConnectMultipleEmpty(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.orch.ConnectMultiple(context.Background(), nil)
	if !errors.Is(err, ErrEmptyRequest) {
		t.Fatalf("expected ErrEmptyRequest, got %v", err)
	}
	if res != nil {
		t.Error("expected no result")
	}
	if len(h.events.All()) != 0 {
		t.Error("expected no events")
	}
	if h.sink.IsSinkActive() {
		t.Error("empty request must not start the sink")
	}
}

func TestConnectMultipleKeepsRequestOrder(t *testing.T) {
	h := newHarness(t, nil)
	ids := []string{devA, devB, devC}
	for i, id := range ids {
		h.add(id, false)
		// First requested finishes last.
		h.radio.Delay(id, time.Duration(len(ids)-i)*15*time.Millisecond)
	}

	res, err := h.orch.ConnectMultiple(context.Background(), ids)
	if err != nil {
		t.Fatalf("ConnectMultiple: %v", err)
	}
	if res.Outcome != OutcomeSuccess {
		t.Errorf("expected success, got %s", res.Outcome)
	}
	if len(res.Results) != len(ids) {
		t.Fatalf("expected %d results, got %d", len(ids), len(res.Results))
	}
	for i, r := range res.Results {
		if r.DeviceID != ids[i] {
			t.Errorf("result %d: expected %s, got %s", i, ids[i], r.DeviceID)
		}
		if r.Status != StatusConnected {
			t.Errorf("result %d: expected connected, got %s", i, r.Status)
		}
	}
	if !h.sink.IsSinkActive() {
		t.Error("batch should have started the sink")
	}
	h.assertConnectedMatchesRoutes(t)
}

func TestConnectMultiplePartialSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, true)

	res, err := h.orch.ConnectMultiple(context.Background(), []string{devA, devB})
	if err != nil {
		t.Fatalf("partial success must not be an error: %v", err)
	}
	if res.Outcome != OutcomePartial {
		t.Fatalf("expected partial, got %s", res.Outcome)
	}
	if got := res.Connected(); !reflect.DeepEqual(got, []string{devA}) {
		t.Errorf("expected [%s] connected, got %v", devA, got)
	}
	failures := res.Failures()
	if len(failures) != 1 || failures[0].DeviceID != devB || failures[0].Status != StatusDeviceNotFound {
		t.Errorf("unexpected failures %+v", failures)
	}
	if h.sink.Registry().Get(devA) == nil {
		t.Error("expected a route for the connected device")
	}
	if h.sink.Registry().Get(devB) != nil {
		t.Error("expected no route for the failed device")
	}
	h.assertConnectedMatchesRoutes(t)
}

func TestConnectMultipleAllFail(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, false)
	h.radio.FailBond(devA, nil)
	h.add(devB, true)
	h.radio.FailProfile(devB, nil)

	res, err := h.orch.ConnectMultiple(context.Background(), []string{devA, devB, devC})
	if !errors.Is(err, ErrAllConnectionsFailed) {
		t.Fatalf("expected ErrAllConnectionsFailed, got %v", err)
	}

	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected *BatchError, got %T", err)
	}
	if batchErr.Result != res || res.Outcome != OutcomeFailed {
		t.Error("error should carry the returned result")
	}

	expected := []Status{StatusBondingFailed, StatusProfileConnectFailed, StatusDeviceNotFound}
	for i, want := range expected {
		if res.Results[i].Status != want {
			t.Errorf("result %d: expected %s, got %s", i, want, res.Results[i].Status)
		}
		if res.Results[i].Error == "" {
			t.Errorf("result %d: expected error detail", i)
		}
	}
	if h.sink.Registry().Len() != 1 {
		t.Errorf("expected only the main route, got %v", h.sink.Registry().IDs())
	}
}

func TestConnectMultipleSinkStartFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, true)
	h.output.FailOpen(sink.MainOutputID, errors.New("no card"))

	_, err := h.orch.ConnectMultiple(context.Background(), []string{devA})
	if !errors.Is(err, ErrSinkStartFailed) {
		t.Fatalf("expected ErrSinkStartFailed, got %v", err)
	}
	if h.radio.BondCalls(devA) != 0 || h.radio.OpenCalls(devA) != 0 {
		t.Error("no device work may start when the sink fails")
	}
}

func TestConnectMultipleBounded(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxConcurrent = 1 })
	ids := []string{devA, devB, devC}
	for _, id := range ids {
		h.add(id, true)
	}

	res, err := h.orch.ConnectMultiple(context.Background(), ids)
	if err != nil {
		t.Fatalf("ConnectMultiple: %v", err)
	}
	if len(res.Connected()) != 3 {
		t.Errorf("expected 3 connected, got %v", res.Connected())
	}
}

func TestUnsolicitedDisconnectDuringCapture(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, true)
	h.add(devB, true)
	ctx := context.Background()

	h.sink.StartSink()
	h.sink.StartCapture()
	h.orch.ConnectDevice(ctx, devA)
	h.orch.ConnectDevice(ctx, devB)

	h.radio.SimulateDisconnect(devA)
	if !h.events.WaitFor(events.DeviceDisconnected, devA, 1, 2*time.Second) {
		t.Fatal("expected deviceDisconnected")
	}
	if h.sink.Registry().Get(devA) != nil {
		t.Error("route should be removed")
	}
	stream := h.output.Last(devA)
	if !stream.Closed() {
		t.Error("output stream should be closed")
	}

	// A repeated report is not a new transition.
	h.radio.SimulateDisconnect(devA)
	writes := stream.Writes()
	bStream := h.output.Last(devB)
	bWrites := bStream.Writes()
	time.Sleep(30 * time.Millisecond)

	if n := h.events.Count(events.DeviceDisconnected, devA); n != 1 {
		t.Errorf("expected exactly one deviceDisconnected, got %d", n)
	}
	if stream.Writes() != writes || stream.FailedWrites() != 0 {
		t.Error("capture kept writing to the removed route")
	}
	if bStream.Writes() <= bWrites {
		t.Error("capture should keep serving the remaining device")
	}
	h.assertConnectedMatchesRoutes(t)
}

func TestDisconnectDevice(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, true)
	ctx := context.Background()
	h.sink.StartSink()
	h.orch.ConnectDevice(ctx, devA)

	if err := h.orch.DisconnectDevice(ctx, devA); err != nil {
		t.Fatalf("DisconnectDevice: %v", err)
	}
	if h.radio.CloseCalls(devA) != 1 {
		t.Errorf("expected profile closed once, got %d", h.radio.CloseCalls(devA))
	}
	if n := h.events.Count(events.DeviceDisconnected, devA); n != 1 {
		t.Errorf("expected one deviceDisconnected, got %d", n)
	}
	if err := h.orch.DisconnectDevice(ctx, devA); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	h.assertConnectedMatchesRoutes(t)
}

func TestStopSinkDisconnectsDevices(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, true)
	ctx := context.Background()
	h.sink.StartSink()
	h.orch.ConnectDevice(ctx, devA)

	if err := h.sink.StopSink(); err != nil {
		t.Fatalf("StopSink: %v", err)
	}
	if n := h.events.Count(events.DeviceDisconnected, devA); n != 1 {
		t.Errorf("expected one deviceDisconnected, got %d", n)
	}
	if len(h.orch.ConnectedDevices()) != 0 {
		t.Errorf("expected empty connected set, got %v", h.orch.ConnectedDevices())
	}

	h.sink.StartSink()
	if ids := h.sink.Registry().IDs(); len(ids) != 1 {
		t.Errorf("expected only main output after restart, got %v", ids)
	}
}

func TestConcurrentConnectSharesAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, true)
	h.radio.Delay(devA, 20*time.Millisecond)
	h.sink.StartSink()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.orch.ConnectDevice(context.Background(), devA)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("call %d: %v", i, err)
		}
	}
	if h.radio.OpenCalls(devA) != 1 {
		t.Errorf("expected one profile open, got %d", h.radio.OpenCalls(devA))
	}
	if n := h.events.Count(events.DeviceConnected, devA); n != 1 {
		t.Errorf("expected one deviceConnected, got %d", n)
	}
}

func TestConnectSharedAttemptSurvivesCancelledCaller(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, true)
	h.radio.Delay(devA, 80*time.Millisecond)
	h.sink.StartSink()

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() { errA <- h.orch.ConnectDevice(ctxA, devA) }()
	waitFor(t, func() bool { return h.radio.OpenCalls(devA) == 1 })

	errB := make(chan error, 1)
	go func() { errB <- h.orch.ConnectDevice(context.Background(), devA) }()
	time.Sleep(10 * time.Millisecond)
	cancelA()

	if err := <-errA; !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller: expected context.Canceled, got %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("live caller: %v", err)
	}
	if h.radio.OpenCalls(devA) != 1 {
		t.Errorf("expected one profile open, got %d", h.radio.OpenCalls(devA))
	}
	if n := h.events.Count(events.DeviceConnected, devA); n != 1 {
		t.Errorf("expected one deviceConnected, got %d", n)
	}
	if got := h.orch.ConnectedDevices(); !reflect.DeepEqual(got, []string{devA}) {
		t.Errorf("expected %s connected, got %v", devA, got)
	}
	h.assertConnectedMatchesRoutes(t)
}

func TestBondSharedAttemptSurvivesCancelledCaller(t *testing.T) {
	h := newHarness(t, nil)
	h.add(devA, false)
	h.radio.Delay(devA, 80*time.Millisecond)

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	errA := make(chan error, 1)
	go func() { errA <- h.orch.CreateBond(ctxA, devA) }()
	waitFor(t, func() bool { return h.radio.BondCalls(devA) == 1 })

	errB := make(chan error, 1)
	go func() { errB <- h.orch.CreateBond(context.Background(), devA) }()
	time.Sleep(10 * time.Millisecond)
	cancelA()

	if err := <-errA; !errors.Is(err, ErrBondingFailed) || !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled caller: expected cancelled bond failure, got %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("live caller: %v", err)
	}
	if h.radio.BondCalls(devA) != 1 {
		t.Errorf("expected one bond request, got %d", h.radio.BondCalls(devA))
	}
}

func TestConnectMultipleRunsConcurrently(t *testing.T) {
	h := newHarness(t, nil)
	const delay = 150 * time.Millisecond
	ids := []string{devA, devB, devC}
	for _, id := range ids {
		h.add(id, true)
		h.radio.Delay(id, delay)
	}

	start := time.Now()
	res, err := h.orch.ConnectMultiple(context.Background(), ids)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("ConnectMultiple: %v", err)
	}
	if len(res.Connected()) != len(ids) {
		t.Fatalf("expected all connected, got %v", res.Connected())
	}
	// One after another would take at least len(ids)*delay.
	if elapsed >= 2*delay {
		t.Errorf("batch took %v, devices were not connected concurrently", elapsed)
	}
}

func TestProfileLostDuringSetupIsNotCommitted(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness(t, nil)
		h.add(devA, true)
		h.radio.DropAfterConnect(devA)
		h.sink.StartSink()

		err := h.orch.ConnectDevice(context.Background(), devA)
		if err != nil && !errors.Is(err, ErrProfileConnectFailed) {
			t.Fatalf("run %d: unexpected error %v", i, err)
		}
		h.radio.Wait()
		waitFor(t, func() bool { return len(h.orch.ConnectedDevices()) == 0 })

		connected := h.events.Count(events.DeviceConnected, devA)
		disconnected := h.events.Count(events.DeviceDisconnected, devA)
		if connected != disconnected {
			t.Fatalf("run %d: %d deviceConnected but %d deviceDisconnected", i, connected, disconnected)
		}
		if h.sink.Registry().Get(devA) != nil {
			t.Fatalf("run %d: route of the lost device is still registered", i)
		}
	}
}

// waitFor polls cond for up to two seconds
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestBondedDevices(t *testing.T) {
	h := newHarness(t, nil)
	h.radio.AddDevice(radio.Device{ID: devB, Bonded: true, Class: audioClass})
	h.radio.AddDevice(radio.Device{ID: devA, Name: "Kitchen", Bonded: true})
	h.radio.AddDevice(radio.Device{ID: devC, Name: "Stranger"})

	devs, err := h.orch.BondedDevices(context.Background())
	if err != nil {
		t.Fatalf("BondedDevices: %v", err)
	}
	expected := []BondedDevice{
		{ID: devB, Name: UnknownBondedName, Audio: true},
		{ID: devA, Name: "Kitchen", Audio: false},
	}
	if !reflect.DeepEqual(devs, expected) {
		t.Errorf("expected %+v, got %+v", expected, devs)
	}
}
