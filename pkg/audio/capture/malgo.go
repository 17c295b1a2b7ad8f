// ABOUTME: Malgo-based capture backend
// ABOUTME: Records from a miniaudio capture device, e.g. the output monitor source
package capture

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluetoothification/btsink/pkg/audio"
	"github.com/decred/slog"
	"github.com/gen2brain/malgo"
)

// MalgoConfig configures the malgo capture backend
type MalgoConfig struct {
	// Device is a case-insensitive substring of the capture device name.
	// Empty selects the default capture device.
	Device string

	// BufferDuration sizes the ring buffer between the device callback and
	// Read. Defaults to 500ms.
	BufferDuration time.Duration

	Log slog.Logger
}

// Malgo captures audio through miniaudio
type Malgo struct {
	config MalgoConfig
	log    slog.Logger
}

// NewMalgo creates a malgo capture port
func NewMalgo(config MalgoConfig) *Malgo {
	if config.BufferDuration <= 0 {
		config.BufferDuration = 500 * time.Millisecond
	}
	log := config.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Malgo{config: config, log: log}
}

// Open initializes a capture device and starts recording into a ring buffer
func (m *Malgo) Open(format audio.Format) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to initialize malgo context: %v", audio.ErrUnsupported, err)
	}

	s := &malgoStream{
		malgoCtx: malgoCtx,
		ring:     audio.NewRingBuffer(format.BufferBytes(m.config.BufferDuration)),
		log:      m.log,
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = formatType(format.BitDepth)
	deviceConfig.Capture.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	if m.config.Device != "" {
		info, err := findDevice(malgoCtx, malgo.Capture, m.config.Device)
		if err != nil {
			s.freeContext()
			return nil, err
		}
		deviceConfig.Capture.DeviceID = info.ID.Pointer()
		m.log.Infof("Capturing from %q", info.Name())
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, _ uint32) {
			if n := s.ring.Write(pInput); n < len(pInput) {
				s.noteOverrun(len(pInput) - n)
			}
		},
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		s.freeContext()
		return nil, fmt.Errorf("failed to initialize capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		s.freeContext()
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}
	s.device = device

	m.log.Infof("Audio capture initialized: %s (malgo)", format)
	return s, nil
}

type malgoStream struct {
	malgoCtx *malgo.AllocatedContext
	device   *malgo.Device
	ring     *audio.RingBuffer
	log      slog.Logger

	mu      sync.Mutex
	dropped int
	closed  bool
}

func (s *malgoStream) Read(buf []byte) (int, error) {
	return s.ring.ReadFull(buf)
}

func (s *malgoStream) noteOverrun(n int) {
	s.mu.Lock()
	s.dropped += n
	s.mu.Unlock()
}

func (s *malgoStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	dropped := s.dropped
	s.mu.Unlock()

	s.ring.Close()
	if s.device != nil {
		if err := s.device.Stop(); err != nil {
			s.log.Warnf("Capture device stop error: %v", err)
		}
		s.device.Uninit()
	}
	s.freeContext()

	if dropped > 0 {
		s.log.Debugf("Capture overran by %d bytes", dropped)
	}
	return nil
}

func (s *malgoStream) freeContext() {
	if s.malgoCtx == nil {
		return
	}
	if err := s.malgoCtx.Uninit(); err != nil {
		s.log.Warnf("Malgo context uninit error: %v", err)
	}
	s.malgoCtx.Free()
	s.malgoCtx = nil
}

// findDevice returns the first device whose name contains match
func findDevice(malgoCtx *malgo.AllocatedContext, typ malgo.DeviceType, match string) (*malgo.DeviceInfo, error) {
	devices, err := malgoCtx.Devices(typ)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	want := strings.ToLower(match)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name()), want) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no capture device matching %q", match)
}

func formatType(bitDepth int) malgo.FormatType {
	if bitDepth == 24 {
		return malgo.FormatS24
	}
	return malgo.FormatS16
}
