// ABOUTME: BlueZ radio backend over the system D-Bus
// ABOUTME: Implements Port with Adapter1/Device1 calls and PropertiesChanged signals
package radio

import (
	"context"
	"fmt"
	"strings"

	"github.com/decred/slog"
	"github.com/godbus/dbus/v5"
)

const (
	busName             = "org.bluez"
	adapterIface        = "org.bluez.Adapter1"
	deviceIface         = "org.bluez.Device1"
	propsIface          = "org.freedesktop.DBus.Properties"
	propsSignal         = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objectManagerIface  = "org.freedesktop.DBus.ObjectManager"
	interfacesAddedSig  = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
	errAlreadyExists    = "org.bluez.Error.AlreadyExists"
	errAlreadyConnected = "org.bluez.Error.AlreadyConnected"

	// DefaultAdapterPath is the first local controller
	DefaultAdapterPath = "/org/bluez/hci0"

	// A2DPSinkUUID identifies the remote audio sink profile
	A2DPSinkUUID = "0000110b-0000-1000-8000-00805f9b34fb"
)

// BluezConfig configures the BlueZ backend
type BluezConfig struct {
	AdapterPath string // default DefaultAdapterPath
	ProfileUUID string // default A2DPSinkUUID
	Log         slog.Logger
}

// Bluez implements Port on top of bluetoothd
type Bluez struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	profile     string
	log         slog.Logger
	dispatcher  *Dispatcher
	signals     chan *dbus.Signal
	done        chan struct{}
}

// NewBluez connects to the system bus and starts translating BlueZ signals
// into radio events.
func NewBluez(config BluezConfig) (*Bluez, error) {
	if config.AdapterPath == "" {
		config.AdapterPath = DefaultAdapterPath
	}
	if config.ProfileUUID == "" {
		config.ProfileUUID = A2DPSinkUUID
	}
	log := config.Log
	if log == nil {
		log = slog.Disabled
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus, is bluetooth.service running?")
	}

	b := newBluez(conn, dbus.ObjectPath(config.AdapterPath), config.ProfileUUID, log)

	for _, rule := range []string{
		"type='signal',interface='" + propsIface + "',member='PropertiesChanged',path_namespace='/org/bluez'",
		"type='signal',interface='" + objectManagerIface + "',member='InterfacesAdded'",
	} {
		if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			conn.Close()
			return nil, fmt.Errorf("add match: %w", err)
		}
	}
	conn.Signal(b.signals)
	go b.watchSignals()

	log.Infof("Using BlueZ adapter %s", config.AdapterPath)
	return b, nil
}

func newBluez(conn *dbus.Conn, adapterPath dbus.ObjectPath, profile string, log slog.Logger) *Bluez {
	return &Bluez{
		conn:        conn,
		adapterPath: adapterPath,
		profile:     profile,
		log:         log,
		dispatcher:  NewDispatcher(log),
		signals:     make(chan *dbus.Signal, 64),
		done:        make(chan struct{}),
	}
}

// Close stops signal delivery and closes the bus connection
func (b *Bluez) Close() error {
	b.conn.RemoveSignal(b.signals)
	close(b.signals)
	<-b.done
	b.dispatcher.Close()
	return b.conn.Close()
}

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "<adapter>/dev_AA_BB_CC_DD_EE_FF".
func (b *Bluez) deviceObjectPath(addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(addr, ":", "_")
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + escaped)
}

// macFromPath extracts a MAC address from a BlueZ device object path.
func (b *Bluez) macFromPath(path dbus.ObjectPath) string {
	s := string(path)
	prefix := string(b.adapterPath) + "/dev_"
	if !strings.HasPrefix(s, prefix) || strings.Contains(s[len(prefix):], "/") {
		return ""
	}
	return strings.ReplaceAll(s[len(prefix):], "_", ":")
}

func (b *Bluez) StartDiscovery(ctx context.Context) error {
	adapter := b.conn.Object(busName, b.adapterPath)

	filter := map[string]interface{}{"Transport": "bredr"}
	if err := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		b.log.Warnf("Set discovery filter: %v", err)
	}
	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	return nil
}

func (b *Bluez) CancelDiscovery(ctx context.Context) error {
	adapter := b.conn.Object(busName, b.adapterPath)
	if err := adapter.CallWithContext(ctx, adapterIface+".StopDiscovery", 0).Err; err != nil {
		return fmt.Errorf("stop discovery: %w", err)
	}
	return nil
}

func (b *Bluez) Resolve(ctx context.Context, id string) (Device, error) {
	addr, err := NormalizeAddress(id)
	if err != nil {
		return Device{}, err
	}
	props, err := b.deviceProps(ctx, b.deviceObjectPath(addr))
	if err != nil {
		return Device{}, fmt.Errorf("%w: %s: %v", ErrDeviceNotFound, addr, err)
	}
	dev := deviceFromProps(props)
	if dev.ID == "" {
		dev.ID = addr
	}
	return dev, nil
}

func (b *Bluez) deviceProps(ctx context.Context, path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	obj := b.conn.Object(busName, path)
	err := obj.CallWithContext(ctx, propsIface+".GetAll", 0, deviceIface).Store(&props)
	return props, err
}

// Bond calls Device1.Pair without waiting for it; pairing can take as long
// as the user needs to confirm on the remote side.
func (b *Bluez) Bond(ctx context.Context, id string) error {
	addr, err := NormalizeAddress(id)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.dispatcher.Dispatch(Event{Kind: EventBondStateChanged, Device: Device{ID: addr}, BondState: BondBonding})

	call := b.conn.Object(busName, b.deviceObjectPath(addr)).Go(deviceIface+".Pair", 0, nil)
	go func() {
		<-call.Done
		ev := Event{Kind: EventBondStateChanged, Device: Device{ID: addr, Bonded: true}, BondState: BondBonded}
		if call.Err != nil && !isDBusError(call.Err, errAlreadyExists) {
			ev.Device.Bonded = false
			ev.BondState = BondNone
			ev.Err = call.Err
		}
		b.dispatcher.Dispatch(ev)
	}()
	return nil
}

func (b *Bluez) OpenProfile(ctx context.Context, id string) error {
	addr, err := NormalizeAddress(id)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	call := b.conn.Object(busName, b.deviceObjectPath(addr)).Go(deviceIface+".ConnectProfile", 0, nil, b.profile)
	go func() {
		<-call.Done
		ev := Event{Kind: EventProfileConnected, Device: Device{ID: addr}}
		if call.Err != nil && !isDBusError(call.Err, errAlreadyConnected) {
			ev.Kind = EventProfileConnectFailed
			ev.Err = call.Err
		}
		b.dispatcher.Dispatch(ev)
	}()
	return nil
}

func (b *Bluez) CloseProfile(ctx context.Context, id string) error {
	addr, err := NormalizeAddress(id)
	if err != nil {
		return err
	}
	obj := b.conn.Object(busName, b.deviceObjectPath(addr))
	if err := obj.CallWithContext(ctx, deviceIface+".DisconnectProfile", 0, b.profile).Err; err != nil {
		return fmt.Errorf("disconnect profile: %w", err)
	}
	return nil
}

func (b *Bluez) BondedDevices(ctx context.Context) ([]Device, error) {
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	root := b.conn.Object(busName, "/")
	if err := root.CallWithContext(ctx, objectManagerIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("get managed objects: %w", err)
	}

	var devices []Device
	for path, ifaces := range objects {
		props, ok := ifaces[deviceIface]
		if !ok || b.macFromPath(path) == "" {
			continue
		}
		dev := deviceFromProps(props)
		if dev.Bonded {
			devices = append(devices, dev)
		}
	}
	return devices, nil
}

func (b *Bluez) Subscribe(buffer int) (<-chan Event, func()) {
	return b.dispatcher.Subscribe(buffer)
}

func (b *Bluez) watchSignals() {
	defer close(b.done)
	for sig := range b.signals {
		switch sig.Name {
		case propsSignal:
			b.handlePropertiesChanged(sig)
		case interfacesAddedSig:
			b.handleInterfacesAdded(sig)
		}
	}
}

func (b *Bluez) handlePropertiesChanged(sig *dbus.Signal) {
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}

	switch iface {
	case adapterIface:
		if sig.Path != b.adapterPath {
			return
		}
		if v, ok := changed["Discovering"]; ok {
			if discovering, ok := v.Value().(bool); ok && !discovering {
				b.dispatcher.Dispatch(Event{Kind: EventDiscoveryFinished})
			}
		}

	case deviceIface:
		mac := b.macFromPath(sig.Path)
		if mac == "" {
			return
		}
		if v, ok := changed["Paired"]; ok {
			if paired, ok := v.Value().(bool); ok {
				state := BondNone
				if paired {
					state = BondBonded
				}
				b.dispatcher.Dispatch(Event{
					Kind:      EventBondStateChanged,
					Device:    Device{ID: mac, Bonded: paired},
					BondState: state,
				})
			}
		}
		if v, ok := changed["Connected"]; ok {
			// Connected flipped to false: the profile channel is gone.
			if connected, ok := v.Value().(bool); ok && !connected {
				b.dispatcher.Dispatch(Event{Kind: EventProfileDisconnected, Device: Device{ID: mac}})
			}
		}
		if _, ok := changed["RSSI"]; ok {
			b.reportFound(sig.Path)
		}
	}
}

func (b *Bluez) handleInterfacesAdded(sig *dbus.Signal) {
	// Body: [object_path ObjectPath, interfaces map[string]map[string]Variant]
	if len(sig.Body) < 2 {
		return
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok || b.macFromPath(path) == "" {
		return
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return
	}
	if props, ok := ifaces[deviceIface]; ok {
		b.dispatcher.Dispatch(Event{Kind: EventDeviceFound, Device: deviceFromProps(props)})
	}
}

// reportFound re-reads a device whose RSSI changed during inquiry
func (b *Bluez) reportFound(path dbus.ObjectPath) {
	props, err := b.deviceProps(context.Background(), path)
	if err != nil {
		b.log.Debugf("Read device %s: %v", path, err)
		return
	}
	b.dispatcher.Dispatch(Event{Kind: EventDeviceFound, Device: deviceFromProps(props)})
}

// deviceFromProps builds a Device from org.bluez.Device1 properties
func deviceFromProps(props map[string]dbus.Variant) Device {
	var dev Device
	if v, ok := props["Address"]; ok {
		dev.ID, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = v.Value().(string)
	}
	if v, ok := props["RSSI"]; ok {
		dev.RSSI, _ = v.Value().(int16)
	}
	if v, ok := props["Class"]; ok {
		class, _ := v.Value().(uint32)
		dev.Class = Class(class)
	}
	if v, ok := props["Paired"]; ok {
		dev.Bonded, _ = v.Value().(bool)
	}
	return dev
}

func isDBusError(err error, name string) bool {
	if dbusErr, ok := err.(dbus.Error); ok {
		return dbusErr.Name == name
	}
	if dbusErr, ok := err.(*dbus.Error); ok {
		return dbusErr.Name == name
	}
	return false
}
