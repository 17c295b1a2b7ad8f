// ABOUTME: Oto-based audio output implementation
// ABOUTME: Plays the main output on the default device through one oto context
package output

import (
	"fmt"
	"io"
	"sync"

	"github.com/bluetoothification/btsink/pkg/audio"
	"github.com/decred/slog"
	"github.com/ebitengine/oto/v3"
)

// otoQueueFrames bounds frames queued between Write and the pipe writer
const otoQueueFrames = 32

// Oto output port. oto allows a single context per process, so every
// stream shares it and the first Open fixes the format.
type Oto struct {
	log slog.Logger

	mu         sync.Mutex
	otoCtx     *oto.Context
	sampleRate int
	channels   int
}

// NewOto creates a new Oto output port
func NewOto(log slog.Logger) *Oto {
	if log == nil {
		log = slog.Disabled
	}
	return &Oto{log: log}
}

// Open creates a player on the shared context
func (o *Oto) Open(deviceID string, format audio.Format) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	// oto only supports 16-bit output
	if format.BitDepth != 16 {
		return nil, fmt.Errorf("oto output supports 16-bit only, got %d", format.BitDepth)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.otoCtx == nil {
		op := &oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
		}
		ctx, readyChan, err := oto.NewContext(op)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to create oto context: %v", audio.ErrUnsupported, err)
		}
		<-readyChan

		o.otoCtx = ctx
		o.sampleRate = format.SampleRate
		o.channels = format.Channels
	} else if o.sampleRate != format.SampleRate || o.channels != format.Channels {
		// oto doesn't support reinitialization
		return nil, fmt.Errorf("oto context is %dHz %dch, cannot open %s",
			o.sampleRate, o.channels, format)
	}

	if err := o.otoCtx.Resume(); err != nil {
		o.log.Warnf("Oto resume error: %v", err)
	}

	pr, pw := io.Pipe()
	s := &otoStream{
		deviceID:   deviceID,
		log:        o.log,
		pipeReader: pr,
		pipeWriter: pw,
		frames:     make(chan []byte, otoQueueFrames),
		done:       make(chan struct{}),
	}
	s.player = o.otoCtx.NewPlayer(pr)
	s.player.Play()

	go s.pump()

	o.log.Infof("Route %s playing on default device: %s (oto)", deviceID, format)
	return s, nil
}

type otoStream struct {
	deviceID   string
	log        slog.Logger
	player     *oto.Player
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter

	frames    chan []byte
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

// pump feeds queued frames into the pipe read by the player. Writes to the
// pipe block until the player consumes them.
func (s *otoStream) pump() {
	defer close(s.done)
	for frame := range s.frames {
		if _, err := s.pipeWriter.Write(frame); err != nil {
			s.log.Debugf("Route %s pipe write failed: %v", s.deviceID, err)
			return
		}
	}
}

// Write copies frame onto the queue, failing instead of blocking when the
// player falls behind.
func (s *otoStream) Write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("output %s closed", s.deviceID)
	}

	buf := make([]byte, len(frame))
	copy(buf, frame)

	select {
	case s.frames <- buf:
		return nil
	default:
		return fmt.Errorf("output %s queue full", s.deviceID)
	}
}

func (s *otoStream) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.frames)
		s.mu.Unlock()

		s.pipeWriter.Close()
		<-s.done
		s.player.Close()
		s.pipeReader.Close()
	})
	return nil
}
