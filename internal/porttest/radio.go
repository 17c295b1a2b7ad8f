// ABOUTME: In-memory radio port for tests
// ABOUTME: Scripted devices with asynchronous bond, profile and discovery events
package porttest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bluetoothification/btsink/pkg/radio"
)

var (
	// ErrBondRejected is the default error of a failing bond
	ErrBondRejected = errors.New("porttest: bond rejected")

	// ErrProfileRejected is the default error of a failing profile connect
	ErrProfileRejected = errors.New("porttest: profile rejected")
)

// Radio is a radio.Port backed by a table of known devices. Every
// completion is dispatched from its own goroutine, as a platform would.
type Radio struct {
	*radio.Dispatcher

	mu          sync.Mutex
	devices     map[string]radio.Device
	bondErr     map[string]error
	profileErr  map[string]error
	silent      map[string]bool
	flaky       map[string]bool
	delay       map[string]time.Duration
	discovering bool
	discoverErr error
	bondCalls   map[string]int
	openCalls   map[string]int
	closeCalls  map[string]int
	wg          sync.WaitGroup
}

// NewRadio returns a radio that knows no devices
func NewRadio() *Radio {
	return &Radio{
		Dispatcher: radio.NewDispatcher(nil),
		devices:    make(map[string]radio.Device),
		bondErr:    make(map[string]error),
		profileErr: make(map[string]error),
		silent:     make(map[string]bool),
		flaky:      make(map[string]bool),
		delay:      make(map[string]time.Duration),
		bondCalls:  make(map[string]int),
		openCalls:  make(map[string]int),
		closeCalls: make(map[string]int),
	}
}

// AddDevice makes dev resolvable
func (r *Radio) AddDevice(dev radio.Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[dev.ID] = dev
}

// FailBond makes bonding with id end unbonded with err
func (r *Radio) FailBond(id string, err error) {
	if err == nil {
		err = ErrBondRejected
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bondErr[id] = err
}

// FailProfile makes the profile connect to id fail with err
func (r *Radio) FailProfile(id string, err error) {
	if err == nil {
		err = ErrProfileRejected
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profileErr[id] = err
}

// Silence makes bond and profile requests for id never complete
func (r *Radio) Silence(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silent[id] = true
}

// DropAfterConnect makes the profile of id disconnect right after it
// reports connected
func (r *Radio) DropAfterConnect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flaky[id] = true
}

// Delay postpones completions for id
func (r *Radio) Delay(id string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delay[id] = d
}

// FailDiscovery makes StartDiscovery return err
func (r *Radio) FailDiscovery(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discoverErr = err
}

func (r *Radio) StartDiscovery(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discoverErr != nil {
		return r.discoverErr
	}
	r.discovering = true
	return nil
}

func (r *Radio) CancelDiscovery(ctx context.Context) error {
	r.mu.Lock()
	r.discovering = false
	r.mu.Unlock()
	r.Dispatch(radio.Event{Kind: radio.EventDiscoveryFinished})
	return nil
}

// Discovering reports whether an inquiry is in progress
func (r *Radio) Discovering() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discovering
}

// Found reports dev to subscribers as seen by the inquiry
func (r *Radio) Found(dev radio.Device) {
	r.Dispatch(radio.Event{Kind: radio.EventDeviceFound, Device: dev})
}

// FinishDiscovery ends the inquiry as if the controller timed out
func (r *Radio) FinishDiscovery() {
	r.mu.Lock()
	r.discovering = false
	r.mu.Unlock()
	r.Dispatch(radio.Event{Kind: radio.EventDiscoveryFinished})
}

func (r *Radio) Resolve(ctx context.Context, id string) (radio.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return radio.Device{}, radio.ErrDeviceNotFound
	}
	return dev, nil
}

func (r *Radio) Bond(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return radio.ErrDeviceNotFound
	}
	r.bondCalls[id]++
	if r.silent[id] {
		return nil
	}

	err := r.bondErr[id]
	if err == nil {
		dev.Bonded = true
		r.devices[id] = dev
	}
	r.later(id, func() {
		r.Dispatch(radio.Event{Kind: radio.EventBondStateChanged, Device: radio.Device{ID: id}, BondState: radio.BondBonding})
		ev := radio.Event{Kind: radio.EventBondStateChanged, Device: dev, BondState: radio.BondBonded}
		if err != nil {
			ev.BondState = radio.BondNone
			ev.Err = err
		}
		r.Dispatch(ev)
	})
	return nil
}

func (r *Radio) OpenProfile(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[id]
	if !ok {
		return radio.ErrDeviceNotFound
	}
	r.openCalls[id]++
	if r.silent[id] {
		return nil
	}

	err := r.profileErr[id]
	flaky := r.flaky[id]
	r.later(id, func() {
		ev := radio.Event{Kind: radio.EventProfileConnected, Device: dev}
		if err != nil {
			ev.Kind = radio.EventProfileConnectFailed
			ev.Err = err
		}
		r.Dispatch(ev)
		if flaky && err == nil {
			r.Dispatch(radio.Event{Kind: radio.EventProfileDisconnected, Device: radio.Device{ID: id}})
		}
	})
	return nil
}

func (r *Radio) CloseProfile(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeCalls[id]++
	return nil
}

func (r *Radio) BondedDevices(ctx context.Context) ([]radio.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []radio.Device
	for _, dev := range r.devices {
		if dev.Bonded {
			out = append(out, dev)
		}
	}
	return out, nil
}

// SimulateDisconnect reports an unsolicited loss of the profile channel
func (r *Radio) SimulateDisconnect(id string) {
	r.Dispatch(radio.Event{Kind: radio.EventProfileDisconnected, Device: radio.Device{ID: id}})
}

// BondCalls returns how many times Bond was called for id
func (r *Radio) BondCalls(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bondCalls[id]
}

// OpenCalls returns how many times OpenProfile was called for id
func (r *Radio) OpenCalls(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openCalls[id]
}

// CloseCalls returns how many times CloseProfile was called for id
func (r *Radio) CloseCalls(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeCalls[id]
}

// Wait blocks until every pending completion has been dispatched
func (r *Radio) Wait() {
	r.wg.Wait()
}

// later runs fn on a new goroutine after the delay configured for id.
// Callers hold r.mu.
func (r *Radio) later(id string, fn func()) {
	d := r.delay[id]
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if d > 0 {
			time.Sleep(d)
		}
		fn()
	}()
}
