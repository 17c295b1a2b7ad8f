// ABOUTME: Audio output port definition
// ABOUTME: Common interface for per-route playback backends
package output

import (
	"errors"

	"github.com/bluetoothification/btsink/pkg/audio"
)

// ErrNoDevice is returned when no playback device matches a route
var ErrNoDevice = errors.New("no playback device for route")

// Port opens output streams, one per route
type Port interface {
	// Open allocates an output stream for the route identified by deviceID
	Open(deviceID string, format audio.Format) (Stream, error)
}

// Stream is an open output handle owned by exactly one route
type Stream interface {
	// Write queues one frame for playback. It must not block on the device
	// and must not retain frame after returning.
	Write(frame []byte) error

	// Close releases the output stream
	Close() error
}

// Router sends the main output and device routes to different ports
type Router struct {
	MainID  string
	Main    Port
	Devices Port
}

// Open dispatches to Main for MainID and to Devices otherwise
func (r *Router) Open(deviceID string, format audio.Format) (Stream, error) {
	port := r.Devices
	if deviceID == r.MainID {
		port = r.Main
	}
	if port == nil {
		return nil, audio.ErrUnsupported
	}
	return port.Open(deviceID, format)
}

// Discard is a port whose streams drop every frame
type Discard struct{}

func (Discard) Open(string, audio.Format) (Stream, error) { return discardStream{}, nil }

type discardStream struct{}

func (discardStream) Write([]byte) error { return nil }
func (discardStream) Close() error       { return nil }
