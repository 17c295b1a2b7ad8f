// ABOUTME: Bluetooth radio capability package
// ABOUTME: Port interface, event dispatch and the BlueZ backend
// Package radio defines the Bluetooth radio capability used by the sink.
//
// A Port initiates discovery, bonding and profile connections. Outcomes are
// not returned from those calls; they arrive later as Events on channels
// obtained from Subscribe. Backends use a Dispatcher to fan events out.
//
// Bluez is the Linux backend. It talks to bluetoothd over the system D-Bus:
//
//	port, err := radio.NewBluez(radio.BluezConfig{Log: log})
//	if err != nil {
//		return err
//	}
//	defer port.Close()
//
//	events, unsubscribe := port.Subscribe(16)
//	defer unsubscribe()
//	port.StartDiscovery(ctx)
package radio
