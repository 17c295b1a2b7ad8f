// ABOUTME: Daemon configuration from defaults, a TOML file and CLI flags
// ABOUTME: Flags given on the command line override the file
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bluetoothification/btsink/pkg/audio"
)

// Capture backends
const (
	CaptureMalgo = "malgo"
	CaptureTone  = "tone"
)

// Main output backends
const (
	MainOutputOto   = "oto"
	MainOutputMalgo = "malgo"
	MainOutputNone  = "none"
)

// Config is the daemon configuration
type Config struct {
	Name        string `toml:"name"`
	Port        int    `toml:"port"`
	MDNS        bool   `toml:"mdns"`
	LogFile     string `toml:"log_file"`
	DebugLevel  string `toml:"debug_level"`
	TUI         bool   `toml:"tui"`
	AutoConnect bool   `toml:"auto_connect"`

	Audio        AudioConfig        `toml:"audio"`
	Radio        RadioConfig        `toml:"radio"`
	Timing       TimingConfig       `toml:"timing"`
	Scan         ScanConfig         `toml:"scan"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`

	// ShowVersion is set by -version
	ShowVersion bool `toml:"-"`
}

type AudioConfig struct {
	SampleRate    int               `toml:"sample_rate"`
	Channels      int               `toml:"channels"`
	BitDepth      int               `toml:"bit_depth"`
	FrameMs       int               `toml:"frame_ms"`
	Capture       string            `toml:"capture"`
	CaptureDevice string            `toml:"capture_device"`
	MainOutput    string            `toml:"main_output"`
	DeviceAliases map[string]string `toml:"device_aliases"`
}

type RadioConfig struct {
	Adapter string `toml:"adapter"`
}

type TimingConfig struct {
	CaptureStop time.Duration `toml:"capture_stop"`
	Bond        time.Duration `toml:"bond"`
	Connect     time.Duration `toml:"connect"`
	Scan        time.Duration `toml:"scan"`
}

type ScanConfig struct {
	// AllDevices turns off the audio class filter
	AllDevices bool `toml:"all_devices"`
}

type OrchestratorConfig struct {
	MaxConcurrent int `toml:"max_concurrent"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Port:       8928,
		MDNS:       true,
		LogFile:    "btsink.log",
		DebugLevel: "info",
		TUI:        true,
		Audio: AudioConfig{
			SampleRate: audio.DefaultFormat.SampleRate,
			Channels:   audio.DefaultFormat.Channels,
			BitDepth:   audio.DefaultFormat.BitDepth,
			FrameMs:    20,
			Capture:    CaptureMalgo,
			MainOutput: MainOutputOto,
		},
		Radio: RadioConfig{
			Adapter: "/org/bluez/hci0",
		},
		Timing: TimingConfig{
			CaptureStop: 2 * time.Second,
			Bond:        30 * time.Second,
			Connect:     20 * time.Second,
			Scan:        12 * time.Second,
		},
	}
}

// Load reads a TOML file over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("parse %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Parse builds the configuration from command line arguments
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("btsink", flag.ContinueOnError)

	var (
		cfgFile       = fs.String("config", "", "TOML config file")
		name          = fs.String("name", "", "Daemon friendly name (default: hostname-btsink)")
		port          = fs.Int("port", 0, "Control server port")
		noMDNS        = fs.Bool("no-mdns", false, "Disable mDNS advertisement")
		logFile       = fs.String("log-file", "", "Log file path")
		debugLevel    = fs.String("debuglevel", "", "Log level, or SUBSYS=level pairs")
		noTUI         = fs.Bool("no-tui", false, "Disable TUI, use streaming logs instead")
		capture       = fs.String("capture", "", "Capture backend (malgo, tone)")
		captureDevice = fs.String("capture-device", "", "Capture device name substring")
		mainOutput    = fs.String("main-output", "", "Main output backend (oto, malgo, none)")
		adapter       = fs.String("adapter", "", "BlueZ adapter object path")
		autoConnect   = fs.Bool("auto-connect", false, "Connect bonded audio devices at startup")
		showVersion   = fs.Bool("version", false, "Show version")
	)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if *cfgFile != "" {
		var err error
		if cfg, err = Load(*cfgFile); err != nil {
			return cfg, err
		}
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "name":
			cfg.Name = *name
		case "port":
			cfg.Port = *port
		case "no-mdns":
			cfg.MDNS = !*noMDNS
		case "log-file":
			cfg.LogFile = *logFile
		case "debuglevel":
			cfg.DebugLevel = *debugLevel
		case "no-tui":
			cfg.TUI = !*noTUI
		case "capture":
			cfg.Audio.Capture = *capture
		case "capture-device":
			cfg.Audio.CaptureDevice = *captureDevice
		case "main-output":
			cfg.Audio.MainOutput = *mainOutput
		case "adapter":
			cfg.Radio.Adapter = *adapter
		case "auto-connect":
			cfg.AutoConnect = *autoConnect
		}
	})
	cfg.ShowVersion = *showVersion

	if cfg.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		cfg.Name = fmt.Sprintf("%s-btsink", hostname)
	}

	return cfg, cfg.Validate()
}

// Validate checks ranges and backend names
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if err := c.Format().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Audio.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("frame_ms must be positive"))
	}
	switch c.Audio.Capture {
	case CaptureMalgo, CaptureTone:
	default:
		errs = append(errs, fmt.Errorf("unknown capture backend %q", c.Audio.Capture))
	}
	switch c.Audio.MainOutput {
	case MainOutputOto, MainOutputMalgo, MainOutputNone:
	default:
		errs = append(errs, fmt.Errorf("unknown main output %q", c.Audio.MainOutput))
	}
	if c.Orchestrator.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("max_concurrent must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"capture_stop": c.Timing.CaptureStop,
		"bond":         c.Timing.Bond,
		"connect":      c.Timing.Connect,
		"scan":         c.Timing.Scan,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timing.%s must be positive", name))
		}
	}
	return errors.Join(errs...)
}

// Format returns the configured sink format
func (c Config) Format() audio.Format {
	return audio.Format{
		SampleRate: c.Audio.SampleRate,
		Channels:   c.Audio.Channels,
		BitDepth:   c.Audio.BitDepth,
	}
}

// FrameDuration returns the capture frame length
func (c Config) FrameDuration() time.Duration {
	return time.Duration(c.Audio.FrameMs) * time.Millisecond
}
