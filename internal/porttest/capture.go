// ABOUTME: In-memory capture port for tests
// ABOUTME: Produces paced frames filled with a running counter byte
package porttest

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluetoothification/btsink/pkg/audio"
	"github.com/bluetoothification/btsink/pkg/audio/capture"
)

// Capture is a capture.Port whose streams return a new frame every Interval
type Capture struct {
	Interval time.Duration
	OpenErr  error

	opens atomic.Int32
	reads atomic.Int64
}

// NewCapture returns a capture port producing a frame every millisecond
func NewCapture() *Capture {
	return &Capture{Interval: time.Millisecond}
}

func (c *Capture) Open(format audio.Format) (capture.Stream, error) {
	if c.OpenErr != nil {
		return nil, c.OpenErr
	}
	c.opens.Add(1)
	return &captureStream{port: c, closed: make(chan struct{})}, nil
}

// Opens returns how many streams were opened
func (c *Capture) Opens() int { return int(c.opens.Load()) }

// Reads returns how many frames all streams have produced
func (c *Capture) Reads() int64 { return c.reads.Load() }

type captureStream struct {
	port      *Capture
	seq       byte
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *captureStream) Read(buf []byte) (int, error) {
	select {
	case <-s.closed:
		return 0, io.EOF
	case <-time.After(s.port.Interval):
	}
	s.seq++
	for i := range buf {
		buf[i] = s.seq
	}
	s.port.reads.Add(1)
	return len(buf), nil
}

func (s *captureStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
