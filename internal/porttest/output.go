// ABOUTME: In-memory output port for tests
// ABOUTME: Records opens, writes and closes per route with injectable failures
package porttest

import (
	"errors"
	"sync"

	"github.com/bluetoothification/btsink/pkg/audio"
	"github.com/bluetoothification/btsink/pkg/audio/output"
)

// ErrStreamClosed is returned when writing to a closed fake stream
var ErrStreamClosed = errors.New("porttest: write to closed stream")

// Output is an output.Port that keeps every stream it opens
type Output struct {
	mu       sync.Mutex
	streams  map[string][]*OutputStream
	openErr  map[string]error
	writeErr map[string]error
}

// NewOutput returns an empty fake output port
func NewOutput() *Output {
	return &Output{
		streams:  make(map[string][]*OutputStream),
		openErr:  make(map[string]error),
		writeErr: make(map[string]error),
	}
}

// FailOpen makes Open fail for deviceID
func (o *Output) FailOpen(deviceID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openErr[deviceID] = err
}

// FailWrites makes every write to streams of deviceID fail
func (o *Output) FailWrites(deviceID string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writeErr[deviceID] = err
}

func (o *Output) Open(deviceID string, format audio.Format) (output.Stream, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.openErr[deviceID]; err != nil {
		return nil, err
	}
	s := &OutputStream{ID: deviceID, owner: o}
	o.streams[deviceID] = append(o.streams[deviceID], s)
	return s, nil
}

// Streams returns every stream opened for deviceID, oldest first
func (o *Output) Streams(deviceID string) []*OutputStream {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*OutputStream(nil), o.streams[deviceID]...)
}

// Last returns the most recent stream for deviceID, or nil
func (o *Output) Last(deviceID string) *OutputStream {
	streams := o.Streams(deviceID)
	if len(streams) == 0 {
		return nil
	}
	return streams[len(streams)-1]
}

// OpenCount returns the number of streams of deviceID not yet closed
func (o *Output) OpenCount(deviceID string) int {
	n := 0
	for _, s := range o.Streams(deviceID) {
		if !s.Closed() {
			n++
		}
	}
	return n
}

// OutputStream records what was written to it
type OutputStream struct {
	ID    string
	owner *Output

	mu     sync.Mutex
	writes int
	bytes  int
	failed int
	closed bool
}

func (s *OutputStream) Write(frame []byte) error {
	s.owner.mu.Lock()
	err := s.owner.writeErr[s.ID]
	s.owner.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if err != nil {
		s.failed++
		return err
	}
	s.writes++
	s.bytes += len(frame)
	return nil
}

func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Writes returns the number of successful writes
func (s *OutputStream) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// FailedWrites returns the number of writes that returned an injected error
func (s *OutputStream) FailedWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Closed reports whether Close was called
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
