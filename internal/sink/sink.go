// ABOUTME: Virtual sink lifecycle and the capture fan-out loop
// ABOUTME: Owns sink/capture state and the main output route
package sink

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluetoothification/btsink/internal/metrics"
	"github.com/bluetoothification/btsink/internal/routes"
	"github.com/bluetoothification/btsink/pkg/audio"
	"github.com/bluetoothification/btsink/pkg/audio/capture"
	"github.com/bluetoothification/btsink/pkg/audio/output"
	"github.com/decred/slog"
)

// MainOutputID is the registry key of the sink's own output
const MainOutputID = "sink:main"

var (
	ErrSinkNotActive     = errors.New("sink not active")
	ErrOutputOpenFailed  = errors.New("output open failed")
	ErrDeviceUnsupported = errors.New("device has no audio capability")
	ErrCaptureOpenFailed = errors.New("capture open failed")
)

// Config holds the sink's collaborators and tuning
type Config struct {
	Capture  capture.Port
	Output   output.Port
	Registry *routes.Registry
	Format   audio.Format

	// FrameDuration is the audio read per capture iteration. Default 20ms.
	FrameDuration time.Duration

	// StopTimeout bounds the wait for the capture loop to exit. Default 2s.
	StopTimeout time.Duration

	Log     slog.Logger
	Metrics *metrics.Metrics
}

// Stats is a point-in-time view of the sink
type Stats struct {
	SinkActive     bool
	Capturing      bool
	Routes         int
	FramesCaptured uint64
}

// Manager owns the virtual sink. At most one capture loop runs at a time.
type Manager struct {
	cfg        Config
	log        slog.Logger
	registry   *routes.Registry
	frameBytes int

	// mu serializes lifecycle changes and route attachment
	mu        sync.Mutex
	active    atomic.Bool
	capturing atomic.Bool
	stream    capture.Stream
	stopChan  chan struct{}
	done      chan struct{}
	onClosed  func(ids []string)

	frames atomic.Uint64
}

// New creates an inactive sink
func New(config Config) (*Manager, error) {
	if config.Registry == nil {
		config.Registry = routes.NewRegistry()
	}
	if config.Format == (audio.Format{}) {
		config.Format = audio.DefaultFormat
	}
	if err := config.Format.Validate(); err != nil {
		return nil, err
	}
	if config.FrameDuration <= 0 {
		config.FrameDuration = 20 * time.Millisecond
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 2 * time.Second
	}
	if config.Log == nil {
		config.Log = slog.Disabled
	}

	return &Manager{
		cfg:        config,
		log:        config.Log,
		registry:   config.Registry,
		frameBytes: config.Format.BufferBytes(config.FrameDuration),
	}, nil
}

// OnRoutesClosed registers fn to receive the device ids whose routes were
// closed by StopSink. The main output is never included.
func (m *Manager) OnRoutesClosed(fn func(ids []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onClosed = fn
}

// Registry returns the route registry the sink fans out to
func (m *Manager) Registry() *routes.Registry {
	return m.registry
}

// Format returns the sink's audio format
func (m *Manager) Format() audio.Format {
	return m.cfg.Format
}

// StartSink opens the main output and activates the sink. Calling it on an
// active sink does nothing.
func (m *Manager) StartSink() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active.Load() {
		return nil
	}

	route, err := m.openRoute(MainOutputID)
	if err != nil {
		return err
	}
	if err := m.registry.Insert(route); err != nil {
		route.Close()
		return fmt.Errorf("%w: %w", ErrOutputOpenFailed, err)
	}

	m.active.Store(true)
	m.cfg.Metrics.SetSinkActive(true)
	m.cfg.Metrics.SetRoutes(m.registry.Len())
	m.log.Infof("Virtual sink active (%s)", m.cfg.Format)
	return nil
}

// StopSink stops capture, closes every route and deactivates the sink.
// Calling it on an inactive sink does nothing.
func (m *Manager) StopSink() error {
	m.mu.Lock()
	if !m.active.Load() {
		m.mu.Unlock()
		return nil
	}

	m.stopCaptureLocked()
	m.active.Store(false)
	closed, err := m.registry.CloseAll()
	onClosed := m.onClosed
	m.mu.Unlock()

	if err != nil {
		m.log.Warnf("Closing routes: %v", err)
	}

	devices := make([]string, 0, len(closed))
	for _, id := range closed {
		if id != MainOutputID {
			devices = append(devices, id)
		}
	}

	m.cfg.Metrics.SetSinkActive(false)
	m.cfg.Metrics.SetRoutes(0)
	m.log.Infof("Virtual sink stopped, closed %d device routes", len(devices))

	if onClosed != nil && len(devices) > 0 {
		onClosed(devices)
	}
	return err
}

// StartCapture opens the capture stream and starts the fan-out loop
func (m *Manager) StartCapture() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active.Load() {
		return ErrSinkNotActive
	}
	if m.capturing.Load() {
		return nil
	}
	// A loop that ended on its own still holds its stream.
	m.stopCaptureLocked()

	if m.cfg.Capture == nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnsupported, audio.ErrUnsupported)
	}
	stream, err := m.cfg.Capture.Open(m.cfg.Format)
	if err != nil {
		if errors.Is(err, audio.ErrUnsupported) {
			return fmt.Errorf("%w: %w", ErrDeviceUnsupported, err)
		}
		return fmt.Errorf("%w: %w", ErrCaptureOpenFailed, err)
	}

	m.stream = stream
	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})
	m.capturing.Store(true)
	m.cfg.Metrics.SetCapturing(true)

	go m.captureLoop(stream, m.stopChan, m.done)

	m.log.Infof("Capture started, %d bytes per frame", m.frameBytes)
	return nil
}

// StopCapture signals the capture loop and waits, up to StopTimeout, for
// it to exit. Calling it when not capturing does nothing.
func (m *Manager) StopCapture() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCaptureLocked()
	return nil
}

func (m *Manager) stopCaptureLocked() {
	if m.stream == nil {
		return
	}

	m.capturing.Store(false)
	close(m.stopChan)

	select {
	case <-m.done:
	case <-time.After(m.cfg.StopTimeout):
		m.log.Warnf("Capture loop did not exit within %v, closing stream", m.cfg.StopTimeout)
	}

	if err := m.stream.Close(); err != nil {
		m.log.Warnf("Closing capture stream: %v", err)
	}
	m.stream = nil
	m.stopChan = nil
	m.done = nil
	m.cfg.Metrics.SetCapturing(false)
	m.log.Infof("Capture stopped")
}

// captureLoop reads one frame at a time and writes it to every open route
func (m *Manager) captureLoop(stream capture.Stream, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, m.frameBytes)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := stream.Read(buf)
		if n > 0 {
			m.fanOut(buf[:n])
		}
		if err != nil {
			select {
			case <-stop:
			default:
				if err != io.EOF {
					m.log.Errorf("Capture read failed: %v", err)
				} else {
					m.log.Warnf("Capture stream ended")
				}
				m.capturing.Store(false)
				m.cfg.Metrics.SetCapturing(false)
			}
			return
		}
	}
}

func (m *Manager) fanOut(frame []byte) {
	m.frames.Add(1)
	m.cfg.Metrics.FrameCaptured(len(frame))

	m.registry.ForEachOpen(func(r *routes.Route) {
		if err := r.Write(frame); err != nil {
			m.cfg.Metrics.RouteWriteError(r.DeviceID)
			if r.WriteErrors() == 1 {
				m.log.Warnf("Write to route %s failed: %v", r.DeviceID, err)
			} else {
				m.log.Tracef("Write to route %s failed: %v", r.DeviceID, err)
			}
		}
	})
}

// AttachRoute opens an output stream for deviceID and registers it. The
// sink must be active.
func (m *Manager) AttachRoute(deviceID string) (*routes.Route, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active.Load() {
		return nil, ErrSinkNotActive
	}
	if deviceID == MainOutputID || m.registry.Get(deviceID) != nil {
		return nil, fmt.Errorf("%w: %s", routes.ErrRouteExists, deviceID)
	}

	route, err := m.openRoute(deviceID)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Insert(route); err != nil {
		route.Close()
		return nil, err
	}
	m.cfg.Metrics.SetRoutes(m.registry.Len())
	m.log.Debugf("Route attached: %s", deviceID)
	return route, nil
}

// DetachRoute unregisters route if it is still the registered route for
// its device, and closes it either way. It reports whether it was
// registered.
func (m *Manager) DetachRoute(route *routes.Route) bool {
	removed := m.registry.RemoveIf(route.DeviceID, route)
	if err := route.Close(); err != nil {
		m.log.Warnf("Closing route %s: %v", route.DeviceID, err)
	}
	if removed {
		m.cfg.Metrics.SetRoutes(m.registry.Len())
		m.log.Debugf("Route detached: %s", route.DeviceID)
	}
	return removed
}

func (m *Manager) openRoute(deviceID string) (*routes.Route, error) {
	if m.cfg.Output == nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnsupported, audio.ErrUnsupported)
	}
	stream, err := m.cfg.Output.Open(deviceID, m.cfg.Format)
	if err != nil {
		if errors.Is(err, audio.ErrUnsupported) {
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnsupported, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrOutputOpenFailed, deviceID, err)
	}
	return routes.New(deviceID, stream), nil
}

// IsSinkActive reports whether the sink is active
func (m *Manager) IsSinkActive() bool {
	return m.active.Load()
}

// IsCapturing reports whether the capture loop is running
func (m *Manager) IsCapturing() bool {
	return m.capturing.Load()
}

// Stats returns a snapshot of the sink
func (m *Manager) Stats() Stats {
	return Stats{
		SinkActive:     m.active.Load(),
		Capturing:      m.capturing.Load(),
		Routes:         m.registry.Len(),
		FramesCaptured: m.frames.Load(),
	}
}
