// ABOUTME: Builds the platform ports selected by the configuration
// ABOUTME: malgo or tone capture, oto/malgo outputs and the BlueZ radio
package app

import (
	"fmt"

	"github.com/bluetoothification/btsink/internal/config"
	"github.com/bluetoothification/btsink/internal/logging"
	"github.com/bluetoothification/btsink/internal/sink"
	"github.com/bluetoothification/btsink/pkg/audio/capture"
	"github.com/bluetoothification/btsink/pkg/audio/output"
	"github.com/bluetoothification/btsink/pkg/radio"
	"github.com/decred/slog"
)

// OpenPorts creates the ports named in cfg. The returned func releases
// them.
func OpenPorts(cfg config.Config, logger func(subsys string) slog.Logger) (Ports, func() error, error) {
	if logger == nil {
		logger = func(string) slog.Logger { return slog.Disabled }
	}
	audioLog := logger(logging.SubsysAudio)

	var ports Ports

	switch cfg.Audio.Capture {
	case config.CaptureTone:
		ports.Capture = capture.NewTone(440)
	default:
		ports.Capture = capture.NewMalgo(capture.MalgoConfig{
			Device: cfg.Audio.CaptureDevice,
			Log:    audioLog,
		})
	}

	devices := output.NewMalgo(output.MalgoConfig{
		Aliases:    cfg.Audio.DeviceAliases,
		DefaultIDs: []string{sink.MainOutputID},
		Log:        audioLog,
	})
	router := &output.Router{MainID: sink.MainOutputID, Devices: devices}
	switch cfg.Audio.MainOutput {
	case config.MainOutputOto:
		router.Main = output.NewOto(audioLog)
	case config.MainOutputMalgo:
		router.Main = devices
	default:
		router.Main = output.Discard{}
	}
	ports.Output = router

	bluez, err := radio.NewBluez(radio.BluezConfig{
		AdapterPath: cfg.Radio.Adapter,
		Log:         logger(logging.SubsysBluez),
	})
	if err != nil {
		return Ports{}, nil, fmt.Errorf("open radio: %w", err)
	}
	ports.Radio = bluez

	return ports, bluez.Close, nil
}
