// ABOUTME: Radio capability port for Bluetooth discovery, bonding and profiles
// ABOUTME: Defines the Port interface and tagged-variant completion events
package radio

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDeviceNotFound is returned when an address cannot be resolved
	ErrDeviceNotFound = errors.New("radio: device not found")

	// ErrInvalidAddress is returned for malformed device addresses
	ErrInvalidAddress = errors.New("radio: invalid device address")
)

// Port is the platform radio. Operations initiate work and return; their
// outcomes are delivered as Events to subscribers, on whatever goroutine
// the platform reports them.
type Port interface {
	// StartDiscovery begins an inquiry scan. Found devices arrive as
	// EventDeviceFound and the end of the scan as EventDiscoveryFinished.
	StartDiscovery(ctx context.Context) error

	// CancelDiscovery stops an inquiry scan
	CancelDiscovery(ctx context.Context) error

	// Resolve returns the current view of the device with address id
	Resolve(ctx context.Context, id string) (Device, error)

	// Bond initiates pairing. Progress arrives as EventBondStateChanged.
	Bond(ctx context.Context, id string) error

	// OpenProfile initiates the audio profile channel. The outcome arrives
	// as EventProfileConnected or EventProfileConnectFailed; a later
	// EventProfileDisconnected may arrive at any time.
	OpenProfile(ctx context.Context, id string) error

	// CloseProfile tears down the audio profile channel
	CloseProfile(ctx context.Context, id string) error

	// BondedDevices lists paired devices
	BondedDevices(ctx context.Context) ([]Device, error)

	// Subscribe registers a listener for radio events. The returned func
	// deregisters it and must be called exactly once.
	Subscribe(buffer int) (<-chan Event, func())
}

// Device describes a remote device as reported by the radio
type Device struct {
	ID     string
	Name   string
	RSSI   int16
	Class  Class
	Bonded bool
}

// Class is the Bluetooth class of device field
type Class uint32

// MajorAudioVideo is the major device class of headsets, speakers and the like
const MajorAudioVideo = 0x04

// Major returns the major device class
func (c Class) Major() uint32 {
	return (uint32(c) >> 8) & 0x1F
}

// IsAudio reports whether the class is a major audio/video device
func (c Class) IsAudio() bool {
	return c.Major() == MajorAudioVideo
}

// BondState is the pairing state of a device
type BondState int

const (
	BondNone BondState = iota
	BondBonding
	BondBonded
)

func (s BondState) String() string {
	switch s {
	case BondBonding:
		return "bonding"
	case BondBonded:
		return "bonded"
	default:
		return "none"
	}
}

// EventKind tags the variant carried by an Event
type EventKind int

const (
	EventDeviceFound EventKind = iota + 1
	EventDiscoveryFinished
	EventBondStateChanged
	EventProfileConnected
	EventProfileConnectFailed
	EventProfileDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventDeviceFound:
		return "device-found"
	case EventDiscoveryFinished:
		return "discovery-finished"
	case EventBondStateChanged:
		return "bond-state-changed"
	case EventProfileConnected:
		return "profile-connected"
	case EventProfileConnectFailed:
		return "profile-connect-failed"
	case EventProfileDisconnected:
		return "profile-disconnected"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Event is a completion or notification from the radio
type Event struct {
	Kind      EventKind
	Device    Device
	BondState BondState // EventBondStateChanged
	Err       error     // EventProfileConnectFailed, failed bonds
}

// NormalizeAddress validates a device address and returns it upper-cased
func NormalizeAddress(id string) (string, error) {
	addr := strings.ToUpper(strings.TrimSpace(id))
	parts := strings.Split(addr, ":")
	if len(parts) != 6 {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, id)
	}
	for _, p := range parts {
		if len(p) != 2 || !isHex(p[0]) || !isHex(p[1]) {
			return "", fmt.Errorf("%w: %q", ErrInvalidAddress, id)
		}
	}
	return addr, nil
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')
}
