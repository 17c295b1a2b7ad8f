// ABOUTME: Subsystem loggers over a shared slog backend
// ABOUTME: Writes to stdout and a rotating log file with per-subsystem levels
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem tags
const (
	SubsysApp       = "APP"
	SubsysSink      = "SINK"
	SubsysScan      = "SCAN"
	SubsysOrch      = "ORCH"
	SubsysControl   = "CTRL"
	SubsysBluez     = "BLUZ"
	SubsysAudio     = "AUDO"
	SubsysDiscovery = "MDNS"
)

// Backend hands out subsystem loggers that share one output
type Backend struct {
	stdOut       io.Writer
	logRotator   *rotator.Rotator
	bknd         *slog.Backend
	defaultLevel slog.Level
	levels       map[string]slog.Level

	mu      sync.Mutex
	loggers map[string]slog.Logger
}

// New creates a backend. logFile may be empty to skip file logging and
// stdOut may be nil to skip console output. debugLevel is either a level
// ("info") or a comma separated list mixing a default level and
// subsystem overrides ("info,ORCH=debug").
func New(logFile, debugLevel string, stdOut io.Writer) (*Backend, error) {
	b := &Backend{
		stdOut:       stdOut,
		defaultLevel: slog.LevelInfo,
		levels:       make(map[string]slog.Level),
		loggers:      make(map[string]slog.Logger),
	}

	if debugLevel != "" {
		for _, v := range strings.Split(debugLevel, ",") {
			fields := strings.Split(strings.TrimSpace(v), "=")
			switch len(fields) {
			case 1:
				level, ok := slog.LevelFromString(fields[0])
				if !ok {
					return nil, fmt.Errorf("unknown log level %q", fields[0])
				}
				b.defaultLevel = level
			case 2:
				level, ok := slog.LevelFromString(fields[1])
				if !ok {
					return nil, fmt.Errorf("unknown log level %q for %s", fields[1], fields[0])
				}
				b.levels[strings.ToUpper(fields[0])] = level
			default:
				return nil, fmt.Errorf("unable to parse %q as subsys=level debuglevel string", v)
			}
		}
	}

	if logFile != "" {
		logDir, _ := filepath.Split(logFile)
		if logDir != "" {
			if err := os.MkdirAll(logDir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %v", err)
			}
		}
		r, err := rotator.New(logFile, 1024, false, 10)
		if err != nil {
			return nil, fmt.Errorf("failed to create file rotator: %v", err)
		}
		b.logRotator = r
	}

	b.bknd = slog.NewBackend(b)
	return b, nil
}

func (b *Backend) Write(p []byte) (int, error) {
	if b.stdOut != nil {
		b.stdOut.Write(p)
	}
	if b.logRotator != nil {
		b.logRotator.Write(p)
	}
	return len(p), nil
}

// Logger returns the logger for subsys, creating it on first use
func (b *Backend) Logger(subsys string) slog.Logger {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.loggers[subsys]; ok {
		return l
	}

	l := b.bknd.Logger(subsys)
	if level, ok := b.levels[subsys]; ok {
		l.SetLevel(level)
	} else {
		l.SetLevel(b.defaultLevel)
	}
	b.loggers[subsys] = l
	return l
}

// Close flushes and closes the log file
func (b *Backend) Close() error {
	if b.logRotator == nil {
		return nil
	}
	return b.logRotator.Close()
}
