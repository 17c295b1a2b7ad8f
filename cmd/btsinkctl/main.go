// ABOUTME: Command line client for the btsink control channel
// ABOUTME: Finds the daemon over mDNS, runs one operation and prints the result
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/bluetoothification/btsink/internal/discovery"
	"github.com/bluetoothification/btsink/internal/version"
	"github.com/bluetoothification/btsink/pkg/protocol"
	"github.com/decred/slog"
)

var (
	serverAddr = flag.String("server", "", "Daemon address host:port (skip mDNS)")
	discoverT  = flag.Duration("discover", 5*time.Second, "How long to browse mDNS for a daemon")
	timeout    = flag.Duration("timeout", 2*time.Minute, "Operation timeout")
	verbose    = flag.Bool("v", false, "Log protocol traffic to stderr")
)

// commands maps command line verbs onto control operations
var commands = map[string]string{
	"start-sink":    protocol.OpStartSink,
	"stop-sink":     protocol.OpStopSink,
	"start-capture": protocol.OpStartCapture,
	"stop-capture":  protocol.OpStopCapture,
	"scan":          protocol.OpStartScan,
	"stop-scan":     protocol.OpStopScan,
	"connect":       protocol.OpConnectMultiple,
	"disconnect":    protocol.OpDisconnectDevice,
	"bond":          protocol.OpCreateBond,
	"bonded":        protocol.OpListBondedDevices,
	"status":        protocol.OpStatus,
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `Usage: btsinkctl [flags] <command> [device...]

Commands:
  start-sink | stop-sink
  start-capture | stop-capture
  scan | stop-scan
  connect <device>...      bond and connect one or more devices
  disconnect <device>
  bond <device>
  bonded                   list bonded devices
  status
  watch                    stream events until interrupted
  version

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}
	if flag.Arg(0) == "version" {
		fmt.Println(version.String())
		return
	}

	os.Exit(run(flag.Args()))
}

func run(args []string) int {
	bknd := slog.NewBackend(os.Stderr)
	log := bknd.Logger("CTL")
	log.SetLevel(slog.LevelWarn)
	if *verbose {
		log.SetLevel(slog.LevelDebug)
	}

	watch := args[0] == "watch"
	var req protocol.Request
	if !watch {
		var err error
		req, err = parseCommand(args)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr, path, err := locate(ctx, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	client := protocol.NewClient(protocol.ClientConfig{
		ServerAddr: addr,
		Path:       path,
		Name:       "btsinkctl",
		Log:        log,
	})
	if err := client.Connect(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", addr, err)
		return 1
	}
	defer client.Close()

	if watch {
		return watchEvents(ctx, client, os.Stdout)
	}

	callCtx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	resp, err := client.Call(callCtx, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return printResponse(os.Stdout, resp)
}

// parseCommand turns a verb and its device arguments into a request
func parseCommand(args []string) (protocol.Request, error) {
	op, ok := commands[args[0]]
	if !ok {
		return protocol.Request{}, fmt.Errorf("unknown command %q (want one of %s, watch, version)", args[0], commandNames())
	}
	devices := args[1:]

	req := protocol.Request{Op: op}
	switch op {
	case protocol.OpConnectMultiple:
		if len(devices) == 0 {
			return req, errors.New("connect needs at least one device")
		}
		req.DeviceIDs = devices
	case protocol.OpDisconnectDevice, protocol.OpCreateBond:
		if len(devices) != 1 {
			return req, fmt.Errorf("%s needs exactly one device", args[0])
		}
		req.DeviceID = devices[0]
	default:
		if len(devices) != 0 {
			return req, fmt.Errorf("%s takes no arguments", args[0])
		}
	}
	return req, nil
}

func locate(ctx context.Context, log slog.Logger) (string, string, error) {
	if *serverAddr != "" {
		return *serverAddr, protocol.DefaultPath, nil
	}

	server, err := discovery.Lookup(ctx, *discoverT, log)
	if err != nil {
		return "", "", fmt.Errorf("no daemon found (use -server): %w", err)
	}
	log.Debugf("Discovered %s at %s", server.Name, server.Addr())
	return server.Addr(), server.Path, nil
}

// printResponse writes the response as JSON and returns the exit code
func printResponse(w io.Writer, resp *protocol.Response) int {
	out := struct {
		OK     bool            `json:"ok"`
		Code   string          `json:"code,omitempty"`
		Error  string          `json:"error,omitempty"`
		Result json.RawMessage `json:"result,omitempty"`
	}{resp.OK, resp.Code, resp.Error, resp.Result}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	fmt.Fprintln(w, string(data))

	if !resp.OK {
		return 1
	}
	return 0
}

func watchEvents(ctx context.Context, client *protocol.Client, w io.Writer) int {
	enc := json.NewEncoder(w)
	for {
		select {
		case <-ctx.Done():
			return 0
		case ev, ok := <-client.Events():
			if !ok {
				fmt.Fprintln(os.Stderr, "connection closed")
				return 1
			}
			if err := enc.Encode(ev); err != nil {
				return 1
			}
		}
	}
}

// commandNames lists the verbs for error messages
func commandNames() string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
