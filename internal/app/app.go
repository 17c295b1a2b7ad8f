// ABOUTME: Application core wiring sink, discovery and orchestration
// ABOUTME: Exposes the inbound operations consumed by the control server and TUI
package app

import (
	"context"
	"time"

	"github.com/bluetoothification/btsink/internal/discovery"
	"github.com/bluetoothification/btsink/internal/events"
	"github.com/bluetoothification/btsink/internal/logging"
	"github.com/bluetoothification/btsink/internal/metrics"
	"github.com/bluetoothification/btsink/internal/orchestrator"
	"github.com/bluetoothification/btsink/internal/routes"
	"github.com/bluetoothification/btsink/internal/sink"
	"github.com/bluetoothification/btsink/pkg/audio"
	"github.com/bluetoothification/btsink/pkg/audio/capture"
	"github.com/bluetoothification/btsink/pkg/audio/output"
	"github.com/bluetoothification/btsink/pkg/radio"
	"github.com/decred/slog"
)

// Ports are the platform capabilities the core runs on
type Ports struct {
	Capture capture.Port
	Output  output.Port
	Radio   radio.Port
}

// Config holds the core's ports and tuning
type Config struct {
	Ports
	Format        audio.Format
	FrameDuration time.Duration

	CaptureStopTimeout time.Duration
	BondTimeout        time.Duration
	ConnectTimeout     time.Duration
	ScanTimeout        time.Duration
	ScanAllDevices     bool
	MaxConcurrent      int

	// Logger returns the logger of a subsystem. Nil disables logging.
	Logger  func(subsys string) slog.Logger
	Metrics *metrics.Metrics
}

// Status is a snapshot of the whole core
type Status struct {
	SinkActive     bool     `json:"sink_active"`
	Capturing      bool     `json:"capturing"`
	Scanning       bool     `json:"scanning"`
	Connected      []string `json:"connected"`
	Routes         []string `json:"routes"`
	FramesCaptured uint64   `json:"frames_captured"`
	Format         string   `json:"format"`
}

// App owns one virtual sink and the components that drive it
type App struct {
	log     slog.Logger
	hub     *events.Hub
	sink    *sink.Manager
	scanner *discovery.Scanner
	orch    *orchestrator.Orchestrator
}

// New wires the core. The sink starts inactive.
func New(config Config) (*App, error) {
	logger := config.Logger
	if logger == nil {
		logger = func(string) slog.Logger { return slog.Disabled }
	}

	hub := events.NewHub(logger(logging.SubsysApp))

	sm, err := sink.New(sink.Config{
		Capture:       config.Capture,
		Output:        config.Output,
		Registry:      routes.NewRegistry(),
		Format:        config.Format,
		FrameDuration: config.FrameDuration,
		StopTimeout:   config.CaptureStopTimeout,
		Log:           logger(logging.SubsysSink),
		Metrics:       config.Metrics,
	})
	if err != nil {
		return nil, err
	}

	scanner := discovery.NewScanner(discovery.ScannerConfig{
		Radio:   config.Radio,
		Bridge:  hub,
		Timeout:    config.ScanTimeout,
		AllDevices: config.ScanAllDevices,
		Log:        logger(logging.SubsysScan),
		Metrics:    config.Metrics,
	})

	orch := orchestrator.New(orchestrator.Config{
		Sink:           sm,
		Radio:          config.Radio,
		Bridge:         hub,
		BondTimeout:    config.BondTimeout,
		ConnectTimeout: config.ConnectTimeout,
		MaxConcurrent:  config.MaxConcurrent,
		Log:            logger(logging.SubsysOrch),
		Metrics:        config.Metrics,
	})

	return &App{
		log:     logger(logging.SubsysApp),
		hub:     hub,
		sink:    sm,
		scanner: scanner,
		orch:    orch,
	}, nil
}

// Subscribe registers an event listener
func (a *App) Subscribe(buffer int) (<-chan events.Event, func()) {
	return a.hub.Subscribe(buffer)
}

func (a *App) StartSink() error    { return a.sink.StartSink() }
func (a *App) StopSink() error     { return a.sink.StopSink() }
func (a *App) StartCapture() error { return a.sink.StartCapture() }
func (a *App) StopCapture() error  { return a.sink.StopCapture() }

func (a *App) IsSinkActive() bool { return a.sink.IsSinkActive() }
func (a *App) IsCapturing() bool  { return a.sink.IsCapturing() }

func (a *App) StartScan(ctx context.Context) error { return a.scanner.StartScan(ctx) }
func (a *App) StopScan(ctx context.Context) error  { return a.scanner.StopScan(ctx) }

func (a *App) ConnectDevice(ctx context.Context, id string) error {
	return a.orch.ConnectDevice(ctx, id)
}

func (a *App) ConnectMultiple(ctx context.Context, ids []string) (*orchestrator.BatchResult, error) {
	return a.orch.ConnectMultiple(ctx, ids)
}

func (a *App) DisconnectDevice(ctx context.Context, id string) error {
	return a.orch.DisconnectDevice(ctx, id)
}

func (a *App) CreateBond(ctx context.Context, id string) error {
	return a.orch.CreateBond(ctx, id)
}

func (a *App) ListBondedDevices(ctx context.Context) ([]orchestrator.BondedDevice, error) {
	return a.orch.BondedDevices(ctx)
}

// Status returns a snapshot of sink, scan and connection state
func (a *App) Status() Status {
	stats := a.sink.Stats()
	return Status{
		SinkActive:     stats.SinkActive,
		Capturing:      stats.Capturing,
		Scanning:       a.scanner.IsScanning(),
		Connected:      a.orch.ConnectedDevices(),
		Routes:         a.sink.Registry().IDs(),
		FramesCaptured: stats.FramesCaptured,
		Format:         a.sink.Format().String(),
	}
}

// AutoConnect starts the sink and connects every bonded audio device. It
// returns a nil result when there is nothing to connect.
func (a *App) AutoConnect(ctx context.Context) (*orchestrator.BatchResult, error) {
	bonded, err := a.orch.BondedDevices(ctx)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, d := range bonded {
		if d.Audio {
			ids = append(ids, d.ID)
		}
	}
	if len(ids) == 0 {
		a.log.Infof("Auto-connect: no bonded audio devices")
		return nil, nil
	}

	a.log.Infof("Auto-connect: %d bonded audio devices", len(ids))
	return a.orch.ConnectMultiple(ctx, ids)
}

// Close stops scanning, tears the sink down and stops watching the radio
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := a.scanner.StopScan(ctx); err != nil {
		a.log.Warnf("Stop scan: %v", err)
	}
	err := a.sink.StopSink()
	a.orch.Close()
	return err
}
