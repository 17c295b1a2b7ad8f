// ABOUTME: Drives bonding and profile connections for one or many devices
// ABOUTME: Keeps the connected set in step with the route registry
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bluetoothification/btsink/internal/events"
	"github.com/bluetoothification/btsink/internal/metrics"
	"github.com/bluetoothification/btsink/internal/routes"
	"github.com/bluetoothification/btsink/internal/sink"
	"github.com/bluetoothification/btsink/pkg/radio"
	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// UnknownBondedName is reported for bonded devices without a name
const UnknownBondedName = "Unknown"

// Sink is the part of the virtual sink the orchestrator drives
type Sink interface {
	StartSink() error
	IsSinkActive() bool
	AttachRoute(deviceID string) (*routes.Route, error)
	DetachRoute(route *routes.Route) bool
	OnRoutesClosed(fn func(ids []string))
}

// Compile-time assertion that the sink manager satisfies Sink
var _ Sink = (*sink.Manager)(nil)

// Config holds the orchestrator's collaborators and timing
type Config struct {
	Sink   Sink
	Radio  radio.Port
	Bridge events.Bridge

	// BondTimeout bounds the wait for a bond-state result. Default 30s.
	BondTimeout time.Duration

	// ConnectTimeout bounds the wait for a profile result. Default 20s.
	ConnectTimeout time.Duration

	// MaxConcurrent limits devices in flight per batch. Zero is unlimited.
	MaxConcurrent int

	Log     slog.Logger
	Metrics *metrics.Metrics
}

// BondedDevice is a paired device as listed to callers
type BondedDevice struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Audio bool   `json:"audio"`
}

// Orchestrator connects and disconnects devices
type Orchestrator struct {
	cfg Config
	log slog.Logger

	// connected is the ConnectedDeviceSet with each device's route
	connected *xsync.MapOf[string, *routes.Route]

	// locks serialize connect commit, disconnect and teardown per device
	locks *xsync.MapOf[string, *sync.Mutex]

	// lost marks devices whose profile dropped while they were not in
	// the connected set
	lost *xsync.MapOf[string, struct{}]

	connects singleflight.Group
	bonds    singleflight.Group
	sem      *semaphore.Weighted

	unsubscribe func()
	done        chan struct{}
	closeOnce   sync.Once
}

// New creates an orchestrator and starts watching for unsolicited
// disconnects.
func New(config Config) *Orchestrator {
	if config.BondTimeout <= 0 {
		config.BondTimeout = 30 * time.Second
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 20 * time.Second
	}
	if config.Bridge == nil {
		config.Bridge = events.Discard{}
	}
	if config.Log == nil {
		config.Log = slog.Disabled
	}

	o := &Orchestrator{
		cfg:       config,
		log:       config.Log,
		connected: xsync.NewMapOf[string, *routes.Route](),
		locks:     xsync.NewMapOf[string, *sync.Mutex](),
		lost:      xsync.NewMapOf[string, struct{}](),
		done:      make(chan struct{}),
	}
	if config.MaxConcurrent > 0 {
		o.sem = semaphore.NewWeighted(int64(config.MaxConcurrent))
	}

	ch, unsubscribe := config.Radio.Subscribe(64)
	o.unsubscribe = unsubscribe
	go o.watch(ch)

	config.Sink.OnRoutesClosed(o.routesClosed)
	return o
}

// Close stops the disconnect watcher
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.unsubscribe()
		<-o.done
	})
}

func (o *Orchestrator) lock(id string) *sync.Mutex {
	mu, _ := o.locks.LoadOrCompute(id, func() *sync.Mutex { return &sync.Mutex{} })
	mu.Lock()
	return mu
}

// ConnectDevice opens a route and the profile channel to one device. The
// device must already be bonded; use CreateBond first otherwise.
func (o *Orchestrator) ConnectDevice(ctx context.Context, id string) error {
	err := o.connectDevice(ctx, id)
	o.recordOutcome(err)
	return err
}

func (o *Orchestrator) connectDevice(ctx context.Context, id string) error {
	addr, err := radio.NormalizeAddress(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}

	// The attempt may be shared, so it must outlive any one caller.
	// ConnectTimeout still bounds it.
	attempt := context.WithoutCancel(ctx)
	ch := o.connects.DoChan(addr, func() (interface{}, error) {
		return nil, o.connect(attempt, addr)
	})

	select {
	case res := <-ch:
		if res.Shared {
			o.log.Tracef("Shared in-flight connect for %s", addr)
		}
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrProfileConnectFailed, addr, ctx.Err())
	}
}

func (o *Orchestrator) connect(ctx context.Context, id string) error {
	if !o.cfg.Sink.IsSinkActive() {
		return sink.ErrSinkNotActive
	}
	if _, ok := o.connected.Load(id); ok {
		return nil
	}

	dev, err := o.cfg.Radio.Resolve(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, id, err)
	}

	// Subscribe before opening the profile so its result cannot be missed.
	ch, unsubscribe := o.cfg.Radio.Subscribe(16)
	defer unsubscribe()
	o.lost.Delete(id)

	// The route exists before the profile is confirmed so frames captured
	// during setup reach the device, but it is not reported as connected
	// until the commit below.
	route, err := o.cfg.Sink.AttachRoute(id)
	if err != nil {
		return err
	}

	o.log.Infof("Connecting %s (%s)", id, dev.Name)
	if err := o.cfg.Radio.OpenProfile(ctx, id); err != nil {
		o.cfg.Sink.DetachRoute(route)
		return fmt.Errorf("%w: %s: %w", ErrProfileConnectFailed, id, err)
	}

	if err := o.awaitProfile(ctx, id, ch); err != nil {
		o.cfg.Sink.DetachRoute(route)
		o.closeProfile(id)
		return fmt.Errorf("%w: %s: %w", ErrProfileConnectFailed, id, err)
	}

	mu := o.lock(id)
	defer mu.Unlock()

	// The sink may have been stopped while the profile was opening.
	if route.Status() != routes.StatusOpen {
		o.closeProfile(id)
		return fmt.Errorf("%w: %s: %w", ErrProfileConnectFailed, id, routes.ErrRouteClosed)
	}

	_, lost := o.lost.LoadAndDelete(id)
	if lost || droppedDuringSetup(id, ch) {
		o.cfg.Sink.DetachRoute(route)
		o.closeProfile(id)
		return fmt.Errorf("%w: %s: disconnected during setup", ErrProfileConnectFailed, id)
	}

	o.connected.Store(id, route)
	o.cfg.Bridge.Emit(events.Event{Type: events.DeviceConnected, DeviceID: id, Name: dev.Name})
	o.log.Infof("Connected %s", id)
	return nil
}

// droppedDuringSetup reports whether ch already holds a profile loss for
// id. It does not block.
func droppedDuringSetup(id string, ch <-chan radio.Event) bool {
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return false
			}
			if ev.Kind == radio.EventProfileDisconnected && ev.Device.ID == id {
				return true
			}
		default:
			return false
		}
	}
}

// awaitProfile waits for the profile result of id
func (o *Orchestrator) awaitProfile(ctx context.Context, id string, ch <-chan radio.Event) error {
	timer := time.NewTimer(o.cfg.ConnectTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return errors.New("radio closed")
			}
			if ev.Device.ID != id {
				continue
			}
			switch ev.Kind {
			case radio.EventProfileConnected:
				return nil
			case radio.EventProfileConnectFailed:
				if ev.Err != nil {
					return ev.Err
				}
				return errors.New("rejected by device")
			case radio.EventProfileDisconnected:
				return errors.New("disconnected during setup")
			}

		case <-timer.C:
			return fmt.Errorf("no profile result after %v", o.cfg.ConnectTimeout)

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// CreateBond pairs with id. A device that is already bonded succeeds at
// once.
func (o *Orchestrator) CreateBond(ctx context.Context, id string) error {
	addr, err := radio.NormalizeAddress(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceNotFound, err)
	}

	attempt := context.WithoutCancel(ctx)
	ch := o.bonds.DoChan(addr, func() (interface{}, error) {
		return nil, o.bond(attempt, addr)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrBondingFailed, addr, ctx.Err())
	}
}

func (o *Orchestrator) bond(ctx context.Context, id string) error {
	dev, err := o.cfg.Radio.Resolve(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, id, err)
	}
	if dev.Bonded {
		return nil
	}

	// One listener per call, removed on every outcome.
	ch, unsubscribe := o.cfg.Radio.Subscribe(16)
	defer unsubscribe()

	o.log.Infof("Bonding with %s", id)
	if err := o.cfg.Radio.Bond(ctx, id); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrBondingFailed, id, err)
	}

	timer := time.NewTimer(o.cfg.BondTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return fmt.Errorf("%w: %s: radio closed", ErrBondingFailed, id)
			}
			if ev.Kind != radio.EventBondStateChanged || ev.Device.ID != id {
				continue
			}
			switch ev.BondState {
			case radio.BondBonded:
				o.log.Infof("Bonded with %s", id)
				return nil
			case radio.BondNone:
				cause := ev.Err
				if cause == nil {
					cause = errors.New("bond removed")
				}
				return fmt.Errorf("%w: %s: %w", ErrBondingFailed, id, cause)
			}

		case <-timer.C:
			return fmt.Errorf("%w: %s: no bond result after %v", ErrBondingFailed, id, o.cfg.BondTimeout)

		case <-ctx.Done():
			return fmt.Errorf("%w: %s: %w", ErrBondingFailed, id, ctx.Err())
		}
	}
}

type completion struct {
	index  int
	result DeviceResult
}

// ConnectMultiple bonds and connects every device in ids concurrently.
// Results are in the order of ids. When some but not all devices connect
// the outcome is OutcomePartial and err is nil; when none connect err is
// a *BatchError.
func (o *Orchestrator) ConnectMultiple(ctx context.Context, ids []string) (*BatchResult, error) {
	if len(ids) == 0 {
		return nil, ErrEmptyRequest
	}

	if !o.cfg.Sink.IsSinkActive() {
		if err := o.cfg.Sink.StartSink(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrSinkStartFailed, err)
		}
	}

	o.log.Infof("Connecting %d devices", len(ids))
	completions := make(chan completion, len(ids))
	for i, id := range ids {
		go func(i int, id string) {
			completions <- completion{index: i, result: o.connectOne(ctx, id)}
		}(i, id)
	}

	results := make([]DeviceResult, len(ids))
	for range ids {
		c := <-completions
		results[c.index] = c.result
	}

	batch := fold(results)
	o.log.Infof("Batch finished: %s, %d of %d connected", batch.Outcome, len(batch.Connected()), len(ids))
	if batch.Outcome == OutcomeFailed {
		return batch, &BatchError{Result: batch}
	}
	return batch, nil
}

// connectOne runs the bond-then-connect sequence for one batch member
func (o *Orchestrator) connectOne(ctx context.Context, id string) DeviceResult {
	if o.sem != nil {
		if err := o.sem.Acquire(ctx, 1); err != nil {
			return newDeviceResult(id, fmt.Errorf("%w: %s: %w", ErrProfileConnectFailed, id, err))
		}
		defer o.sem.Release(1)
	}

	err := o.CreateBond(ctx, id)
	if err == nil {
		err = o.connectDevice(ctx, id)
	}
	o.recordOutcome(err)
	if err != nil {
		o.log.Warnf("Connect %s failed: %v", id, err)
	}
	return newDeviceResult(id, err)
}

func (o *Orchestrator) recordOutcome(err error) {
	switch {
	case err == nil:
		o.cfg.Metrics.ConnectOutcome(metrics.OutcomeConnected)
	case errors.Is(err, sink.ErrSinkNotActive):
		o.cfg.Metrics.ConnectOutcome(metrics.OutcomeSinkNotActive)
	case errors.Is(err, sink.ErrOutputOpenFailed):
		o.cfg.Metrics.ConnectOutcome(metrics.OutcomeOutputFailed)
	default:
		switch classify(err) {
		case StatusDeviceNotFound:
			o.cfg.Metrics.ConnectOutcome(metrics.OutcomeNotFound)
		case StatusBondingFailed:
			o.cfg.Metrics.ConnectOutcome(metrics.OutcomeBondingFailed)
		default:
			o.cfg.Metrics.ConnectOutcome(metrics.OutcomeProfileFailed)
		}
	}
}

// DisconnectDevice closes the route and profile channel of a connected
// device.
func (o *Orchestrator) DisconnectDevice(ctx context.Context, id string) error {
	addr, err := radio.NormalizeAddress(id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	if !o.drop(addr) {
		return fmt.Errorf("%w: %s", ErrNotConnected, addr)
	}

	if err := o.cfg.Radio.CloseProfile(ctx, addr); err != nil {
		o.log.Warnf("Close profile %s: %v", addr, err)
	}
	o.log.Infof("Disconnected %s", addr)
	return nil
}

// drop removes id from the connected set, detaches its route and emits
// deviceDisconnected. It reports whether id was connected.
func (o *Orchestrator) drop(id string) bool {
	mu := o.lock(id)
	defer mu.Unlock()
	return o.dropLocked(id)
}

// dropOrMark is drop for a profile loss. When id is not connected yet the
// loss is marked so a connect in progress does not commit it.
func (o *Orchestrator) dropOrMark(id string) bool {
	mu := o.lock(id)
	defer mu.Unlock()
	if o.dropLocked(id) {
		return true
	}
	o.lost.Store(id, struct{}{})
	return false
}

func (o *Orchestrator) dropLocked(id string) bool {
	route, ok := o.connected.LoadAndDelete(id)
	if !ok {
		return false
	}
	o.cfg.Sink.DetachRoute(route)
	o.cfg.Metrics.Disconnected()
	o.cfg.Bridge.Emit(events.Event{Type: events.DeviceDisconnected, DeviceID: id})
	return true
}

// watch handles profile losses the radio reports on its own
func (o *Orchestrator) watch(ch <-chan radio.Event) {
	defer close(o.done)

	for ev := range ch {
		if ev.Kind != radio.EventProfileDisconnected {
			continue
		}
		if o.dropOrMark(ev.Device.ID) {
			o.log.Infof("Device %s disconnected", ev.Device.ID)
		}
	}
}

// routesClosed is called by the sink after it closed device routes
func (o *Orchestrator) routesClosed(ids []string) {
	for _, id := range ids {
		if !o.drop(id) {
			continue
		}
		o.closeProfile(id)
	}
}

func (o *Orchestrator) closeProfile(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.cfg.Radio.CloseProfile(ctx, id); err != nil {
		o.log.Debugf("Close profile %s: %v", id, err)
	}
}

// BondedDevices lists paired devices sorted by id
func (o *Orchestrator) BondedDevices(ctx context.Context) ([]BondedDevice, error) {
	devs, err := o.cfg.Radio.BondedDevices(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]BondedDevice, 0, len(devs))
	for _, d := range devs {
		name := d.Name
		if name == "" {
			name = UnknownBondedName
		}
		out = append(out, BondedDevice{ID: d.ID, Name: name, Audio: d.Class.IsAudio()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ConnectedDevices returns the connected set sorted by id
func (o *Orchestrator) ConnectedDevices() []string {
	ids := make([]string, 0, o.connected.Size())
	o.connected.Range(func(id string, _ *routes.Route) bool {
		ids = append(ids, id)
		return true
	})
	sort.Strings(ids)
	return ids
}

// IsConnected reports whether id is in the connected set
func (o *Orchestrator) IsConnected(id string) bool {
	_, ok := o.connected.Load(id)
	return ok
}
