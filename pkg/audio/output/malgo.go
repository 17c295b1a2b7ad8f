// ABOUTME: Malgo-based audio output implementation
// ABOUTME: Opens one miniaudio playback device per route, selected by name
package output

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bluetoothification/btsink/pkg/audio"
	"github.com/decred/slog"
	"github.com/gen2brain/malgo"
)

// MalgoConfig configures the malgo output backend
type MalgoConfig struct {
	// Aliases maps a route id to a playback device name substring. Routes
	// without an alias are matched on their address in either the
	// AA:BB:CC:DD:EE:FF or AA_BB_CC_DD_EE_FF spelling.
	Aliases map[string]string

	// DefaultIDs lists route ids played on the default device
	DefaultIDs []string

	// BufferDuration sizes each route's ring buffer. Defaults to 500ms.
	BufferDuration time.Duration

	Log slog.Logger
}

// Malgo output implementation using malgo/miniaudio library
type Malgo struct {
	config MalgoConfig
	log    slog.Logger

	mu       sync.Mutex
	malgoCtx *malgo.AllocatedContext
	open     int
}

// NewMalgo creates a new Malgo output port
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

// Open initializes a playback device for deviceID
func (m *Malgo) Open(deviceID string, format audio.Format) (Stream, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Create malgo context if needed
	if m.malgoCtx == nil {
		ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to initialize malgo context: %v", audio.ErrUnsupported, err)
		}
		m.malgoCtx = ctx
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = formatType(format.BitDepth)
	deviceConfig.Playback.Channels = uint32(format.Channels)
	deviceConfig.SampleRate = uint32(format.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	deviceName := "default"
	if !m.isDefault(deviceID) {
		info, err := m.findDevice(deviceID)
		if err != nil {
			m.releaseContextLocked()
			return nil, err
		}
		deviceConfig.Playback.DeviceID = info.ID.Pointer()
		deviceName = info.Name()
	}

	s := &malgoStream{
		port:     m,
		deviceID: deviceID,
		ring:     audio.NewRingBuffer(format.BufferBytes(m.config.BufferDuration)),
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, _ uint32) {
			s.ring.ReadAvailable(pOutput)
		},
	}

	device, err := malgo.InitDevice(m.malgoCtx.Context, deviceConfig, callbacks)
	if err != nil {
		m.releaseContextLocked()
		return nil, fmt.Errorf("failed to initialize playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		m.releaseContextLocked()
		return nil, fmt.Errorf("failed to start device: %w", err)
	}
	s.device = device
	m.open++

	m.log.Infof("Route %s playing on %q: %s (malgo)", deviceID, deviceName, format)
	return s, nil
}

func (m *Malgo) isDefault(deviceID string) bool {
	for _, id := range m.config.DefaultIDs {
		if id == deviceID {
			return true
		}
	}
	return false
}

// findDevice matches a playback device for deviceID (must hold m.mu)
func (m *Malgo) findDevice(deviceID string) (*malgo.DeviceInfo, error) {
	devices, err := m.malgoCtx.Devices(malgo.Playback)
	if err != nil {
		return nil, fmt.Errorf("failed to list playback devices: %w", err)
	}

	for _, want := range matchNames(deviceID, m.config.Aliases) {
		for i := range devices {
			if strings.Contains(strings.ToLower(devices[i].Name()), want) {
				return &devices[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w %s", ErrNoDevice, deviceID)
}

// matchNames lists lower-cased name fragments that identify deviceID
func matchNames(deviceID string, aliases map[string]string) []string {
	var names []string
	if alias, ok := aliases[deviceID]; ok && alias != "" {
		names = append(names, strings.ToLower(alias))
	}
	id := strings.ToLower(deviceID)
	names = append(names, id)
	if underscored := strings.ReplaceAll(id, ":", "_"); underscored != id {
		names = append(names, underscored)
	}
	return names
}

// release drops one stream's hold on the shared context
func (m *Malgo) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open--
	m.releaseContextLocked()
}

// releaseContextLocked frees the context once no stream uses it (must hold m.mu)
func (m *Malgo) releaseContextLocked() {
	if m.open > 0 || m.malgoCtx == nil {
		return
	}
	if err := m.malgoCtx.Uninit(); err != nil {
		m.log.Warnf("Malgo context uninit error: %v", err)
	}
	m.malgoCtx.Free()
	m.malgoCtx = nil
}

type malgoStream struct {
	port     *Malgo
	deviceID string
	device   *malgo.Device
	ring     *audio.RingBuffer

	mu      sync.Mutex
	dropped int
	closed  bool
}

// Write queues a frame for the device callback. Overflow is dropped, which
// throttles nothing upstream.
func (s *malgoStream) Write(frame []byte) error {
	n := s.ring.Write(frame)
	if n < len(frame) {
		s.mu.Lock()
		closed := s.closed
		s.dropped += len(frame) - n
		s.mu.Unlock()
		if closed {
			return fmt.Errorf("output %s closed", s.deviceID)
		}
	}
	return nil
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
	if err := s.device.Stop(); err != nil {
		s.port.log.Warnf("Device stop error for %s: %v", s.deviceID, err)
	}
	s.device.Uninit()
	s.port.release()

	if dropped > 0 {
		s.port.log.Debugf("Route %s dropped %d bytes on overrun", s.deviceID, dropped)
	}
	return nil
}

func formatType(bitDepth int) malgo.FormatType {
	if bitDepth == 24 {
		return malgo.FormatS24
	}
	return malgo.FormatS16
}
