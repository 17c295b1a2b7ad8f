// ABOUTME: Entry point for the btsink daemon
// ABOUTME: Loads configuration, wires the sink core and serves the control channel
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bluetoothification/btsink/internal/app"
	"github.com/bluetoothification/btsink/internal/config"
	"github.com/bluetoothification/btsink/internal/control"
	"github.com/bluetoothification/btsink/internal/logging"
	"github.com/bluetoothification/btsink/internal/metrics"
	"github.com/bluetoothification/btsink/internal/ui"
	"github.com/bluetoothification/btsink/internal/version"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.ShowVersion {
		fmt.Println(version.String())
		return
	}

	if err := run(cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	// With the TUI up, logs go only to the file.
	var stdOut io.Writer = os.Stdout
	if cfg.TUI {
		stdOut = nil
	}
	backend, err := logging.New(cfg.LogFile, cfg.DebugLevel, stdOut)
	if err != nil {
		return err
	}
	defer backend.Close()

	log := backend.Logger(logging.SubsysApp)
	log.Infof("Starting %s as %s on port %d", version.String(), cfg.Name, cfg.Port)
	log.Infof("Logging to: %s", cfg.LogFile)

	ports, closePorts, err := app.OpenPorts(cfg, backend.Logger)
	if err != nil {
		return fmt.Errorf("open ports: %w", err)
	}
	defer func() {
		if err := closePorts(); err != nil {
			log.Warnf("Error releasing ports: %v", err)
		}
	}()

	m := metrics.New()
	core, err := app.New(app.Config{
		Ports:              ports,
		Format:             cfg.Format(),
		FrameDuration:      cfg.FrameDuration(),
		CaptureStopTimeout: cfg.Timing.CaptureStop,
		BondTimeout:        cfg.Timing.Bond,
		ConnectTimeout:     cfg.Timing.Connect,
		ScanTimeout:        cfg.Timing.Scan,
		ScanAllDevices:     cfg.Scan.AllDevices,
		MaxConcurrent:      cfg.Orchestrator.MaxConcurrent,
		Logger:             backend.Logger,
		Metrics:            m,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := core.Close(); err != nil {
			log.Warnf("Error closing sink: %v", err)
		}
	}()

	srv := control.New(control.Config{
		Port:       cfg.Port,
		Name:       cfg.Name,
		EnableMDNS: cfg.MDNS,
		Log:        backend.Logger(logging.SubsysControl),
		MDNSLog:    backend.Logger(logging.SubsysDiscovery),
		Metrics:    m,
	}, core)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Infof("Shutting down...")
		srv.Stop()
		return nil
	})

	if cfg.AutoConnect {
		g.Go(func() error {
			result, err := core.AutoConnect(gctx)
			switch {
			case result == nil && err == nil:
			case err != nil && result == nil:
				log.Warnf("Auto-connect failed: %v", err)
			default:
				log.Infof("Auto-connect %s: %v connected", result.Outcome, result.Connected())
				for _, f := range result.Failures() {
					log.Warnf("Auto-connect %s: %s (%s)", f.DeviceID, f.Status, f.Error)
				}
			}
			// Auto-connect failures never take the daemon down.
			return nil
		})
	}

	if cfg.TUI {
		tui := ui.New(cfg.Name, cfg.Port, core)
		evs, unsubscribe := core.Subscribe(64)
		g.Go(func() error {
			defer unsubscribe()
			return tui.Run(evs)
		})
		g.Go(func() error {
			select {
			case <-tui.QuitChan():
				log.Infof("TUI quit requested")
				stop()
			case <-gctx.Done():
				tui.Stop()
			}
			return nil
		})
	} else {
		log.Infof("Press Ctrl-C to stop")
	}

	if err := g.Wait(); err != nil {
		return err
	}
	log.Infof("btsink stopped")
	return nil
}
