// ABOUTME: A single audio output route to one device
// ABOUTME: Owns the output stream and tracks its open/draining/closed status
package routes

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/bluetoothification/btsink/pkg/audio/output"
)

// ErrRouteClosed is returned when writing to a route that is no longer open
var ErrRouteClosed = errors.New("route closed")

// Status is the lifecycle state of a route
type Status int32

const (
	StatusOpen Status = iota
	StatusDraining
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusDraining:
		return "draining"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Route is an open output path to one device
type Route struct {
	DeviceID string

	stream    output.Stream
	status    atomic.Int32
	closeOnce sync.Once
	closeErr  error

	frames atomic.Uint64
	errors atomic.Uint64
}

// New wraps an open output stream as a route for deviceID
func New(deviceID string, stream output.Stream) *Route {
	return &Route{DeviceID: deviceID, stream: stream}
}

// Status returns the current status
func (r *Route) Status() Status {
	return Status(r.status.Load())
}

// Write sends one frame to the route's output stream
func (r *Route) Write(frame []byte) error {
	if r.Status() != StatusOpen {
		return ErrRouteClosed
	}
	if err := r.stream.Write(frame); err != nil {
		r.errors.Add(1)
		return err
	}
	r.frames.Add(1)
	return nil
}

// Close drains and releases the output stream. Only the first call closes.
func (r *Route) Close() error {
	r.closeOnce.Do(func() {
		r.status.Store(int32(StatusDraining))
		r.closeErr = r.stream.Close()
		r.status.Store(int32(StatusClosed))
	})
	return r.closeErr
}

// Frames returns the number of frames written successfully
func (r *Route) Frames() uint64 { return r.frames.Load() }

// WriteErrors returns the number of failed writes
func (r *Route) WriteErrors() uint64 { return r.errors.Load() }
