// ABOUTME: Test tone capture backend
// ABOUTME: Generates a sine wave paced at real time for hardware-free runs
package capture

import (
	"io"
	"math"
	"sync"
	"time"

	"github.com/bluetoothification/btsink/pkg/audio"
)

// Tone is a capture port producing a sine wave
type Tone struct {
	frequency float64
}

// NewTone creates a test tone port. A zero frequency defaults to 440Hz (A4).
func NewTone(frequency float64) *Tone {
	if frequency <= 0 {
		frequency = 440.0
	}
	return &Tone{frequency: frequency}
}

// Open starts a new tone stream
func (t *Tone) Open(format audio.Format) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	return &toneStream{
		format:    format,
		frequency: t.frequency,
		next:      time.Now(),
		closed:    make(chan struct{}),
	}, nil
}

type toneStream struct {
	format      audio.Format
	frequency   float64
	sampleIndex uint64
	next        time.Time

	mu        sync.Mutex
	closed    chan struct{}
	closeOnce sync.Once
}

// Read fills buf with the next chunk of tone, blocking until the chunk's
// wall-clock time has arrived so the stream behaves like a live device.
func (s *toneStream) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bpf := s.format.BytesPerFrame()
	frames := len(buf) / bpf
	if frames == 0 {
		return 0, nil
	}

	select {
	case <-s.closed:
		return 0, io.EOF
	default:
	}

	timer := time.NewTimer(time.Until(s.next))
	defer timer.Stop()
	select {
	case <-s.closed:
		return 0, io.EOF
	case <-timer.C:
	}

	bps := s.format.BytesPerSample()
	off := 0
	for i := 0; i < frames; i++ {
		t := float64(s.sampleIndex+uint64(i)) / float64(s.format.SampleRate)
		sample := math.Sin(2 * math.Pi * s.frequency * t)

		// 50% volume to avoid clipping
		pcm := int32(sample * audio.Max24Bit * 0.5)

		for ch := 0; ch < s.format.Channels; ch++ {
			off += s.format.PutSample(buf[off:off+bps], pcm)
		}
	}

	s.sampleIndex += uint64(frames)
	s.next = s.next.Add(s.format.Duration(off))
	return off, nil
}

func (s *toneStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}
