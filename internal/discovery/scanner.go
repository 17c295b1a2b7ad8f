// ABOUTME: Bluetooth scan sessions filtered to audio devices
// ABOUTME: Turns radio discovery events into deviceFound/scanFinished notifications
package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bluetoothification/btsink/internal/events"
	"github.com/bluetoothification/btsink/internal/metrics"
	"github.com/bluetoothification/btsink/pkg/radio"
	"github.com/decred/slog"
)

// UnknownDeviceName is reported for devices that did not send a name
const UnknownDeviceName = "Unknown Device"

var (
	ErrAlreadyScanning = errors.New("already scanning")
	ErrDiscoveryFailed = errors.New("discovery failed")
)

// ScannerConfig holds the scanner's collaborators
type ScannerConfig struct {
	Radio  radio.Port
	Bridge events.Bridge

	// Timeout ends a session the radio has not finished. Default 12s.
	Timeout time.Duration

	// AllDevices reports every device found, not only audio sinks
	AllDevices bool

	Log     slog.Logger
	Metrics *metrics.Metrics
}

// Scanner runs at most one discovery session at a time
type Scanner struct {
	cfg ScannerConfig
	log slog.Logger

	mu      sync.Mutex
	session *session
}

type session struct {
	events      <-chan radio.Event
	unsubscribe func()
	seen        map[string]struct{}
	stop        chan struct{}
	done        chan struct{}
}

// NewScanner creates an idle scanner
func NewScanner(config ScannerConfig) *Scanner {
	if config.Timeout <= 0 {
		config.Timeout = 12 * time.Second
	}
	if config.Log == nil {
		config.Log = slog.Disabled
	}
	if config.Bridge == nil {
		config.Bridge = events.Discard{}
	}
	return &Scanner{cfg: config, log: config.Log}
}

// StartScan begins a session. It fails with ErrAlreadyScanning while a
// session is active.
func (s *Scanner) StartScan(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		return ErrAlreadyScanning
	}

	// Subscribe first so no result of this inquiry is missed.
	ch, unsubscribe := s.cfg.Radio.Subscribe(64)
	if err := s.cfg.Radio.StartDiscovery(ctx); err != nil {
		unsubscribe()
		return fmt.Errorf("%w: %w", ErrDiscoveryFailed, err)
	}

	sess := &session{
		events:      ch,
		unsubscribe: unsubscribe,
		seen:        make(map[string]struct{}),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.session = sess
	go s.run(sess)

	s.log.Infof("Scan started")
	return nil
}

// StopScan cancels the active session and waits for its event handling to
// finish. Calling it while idle does nothing.
func (s *Scanner) StopScan(ctx context.Context) error {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.mu.Unlock()

	if sess == nil {
		return nil
	}

	close(sess.stop)
	err := s.cfg.Radio.CancelDiscovery(ctx)
	if err != nil {
		s.log.Warnf("Cancel discovery: %v", err)
	}
	<-sess.done
	sess.unsubscribe()

	s.cfg.Bridge.Emit(events.Event{Type: events.ScanFinished})
	s.log.Infof("Scan stopped")
	return err
}

// IsScanning reports whether a session is active
func (s *Scanner) IsScanning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session != nil
}

func (s *Scanner) run(sess *session) {
	defer close(sess.done)

	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()

	for {
		select {
		case <-sess.stop:
			return

		case <-timer.C:
			s.log.Debugf("Scan timed out after %v", s.cfg.Timeout)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.cfg.Radio.CancelDiscovery(ctx); err != nil {
				s.log.Warnf("Cancel discovery: %v", err)
			}
			cancel()
			s.finish(sess)
			return

		case ev, ok := <-sess.events:
			if !ok {
				return
			}
			switch ev.Kind {
			case radio.EventDeviceFound:
				s.handleFound(sess, ev.Device)
			case radio.EventDiscoveryFinished:
				s.finish(sess)
				return
			}
		}
	}
}

func (s *Scanner) handleFound(sess *session, dev radio.Device) {
	if !s.cfg.AllDevices && !dev.Class.IsAudio() {
		s.log.Tracef("Ignoring non-audio device %s (class %#06x)", dev.ID, uint32(dev.Class))
		return
	}
	if _, ok := sess.seen[dev.ID]; ok {
		return
	}
	sess.seen[dev.ID] = struct{}{}

	name := dev.Name
	if name == "" {
		name = UnknownDeviceName
	}

	s.cfg.Metrics.DeviceFound()
	s.log.Debugf("Found %s (%s) rssi=%d", dev.ID, name, dev.RSSI)
	s.cfg.Bridge.Emit(events.Event{
		Type:           events.DeviceFound,
		DeviceID:       dev.ID,
		Name:           name,
		SignalStrength: dev.RSSI,
	})
}

// finish ends sess if it is still the active session
func (s *Scanner) finish(sess *session) {
	s.mu.Lock()
	if s.session != sess {
		s.mu.Unlock()
		return
	}
	s.session = nil
	s.mu.Unlock()

	sess.unsubscribe()
	s.cfg.Bridge.Emit(events.Event{Type: events.ScanFinished})
	s.log.Infof("Scan finished, %d audio devices", len(sess.seen))
}
