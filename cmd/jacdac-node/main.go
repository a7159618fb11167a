// Command jacdac-node runs one Jacdac bus node on a TCP bridge.
//
// The node either hosts the bridge hub itself, dials a hub at an address,
// finds one over mDNS, or runs on a private in-memory wire. It hosts the
// role manager service and binds local clients to remote services.
//
// Usage:
//
//	jacdac-node [flags]
//
// Flags:
//
//	-config string        YAML configuration file
//	-mode string          Transport mode: hub, dial, browse, memory
//	-listen string        Hub listen address (hub mode)
//	-address string       Hub address (dial mode)
//	-store string         Settings store: memory, file, badger
//	-store-path string    Settings file or directory
//	-metrics string       Serve Prometheus metrics on this address
//	-advertise            Advertise the hub over mDNS
//	-log-level string     Log level: debug, info, warn, error
//	-protocol-log string  Write a CBOR protocol log to this file
//	-simulate             Host a simulated temperature sensor
//	-interactive          Start the interactive shell
//
// Examples:
//
//	# Host a hub and advertise it
//	jacdac-node -mode hub -advertise
//
//	# Join the first hub found on the network with an interactive shell
//	jacdac-node -mode browse -interactive
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacdac-protocol/jacdac-go/pkg/config"
)

type flags struct {
	ConfigFile  string
	Mode        string
	Listen      string
	Address     string
	Store       string
	StorePath   string
	DeviceID    string
	Metrics     string
	Advertise   bool
	LogLevel    string
	ProtocolLog string
	Simulate    bool
	Interactive bool
}

var opts flags

func init() {
	flag.StringVar(&opts.ConfigFile, "config", "", "YAML configuration file")
	flag.StringVar(&opts.Mode, "mode", config.ModeHub, "Transport mode: hub, dial, browse, memory")
	flag.StringVar(&opts.Listen, "listen", "", "Hub listen address (hub mode)")
	flag.StringVar(&opts.Address, "address", "", "Hub address (dial mode)")
	flag.StringVar(&opts.Store, "store", config.StoreMemory, "Settings store: memory, file, badger")
	flag.StringVar(&opts.StorePath, "store-path", "", "Settings file or directory")
	flag.StringVar(&opts.DeviceID, "device-id", "", "Device identifier, 16 hex digits (random if empty)")
	flag.StringVar(&opts.Metrics, "metrics", "", "Serve Prometheus metrics on this address")
	flag.BoolVar(&opts.Advertise, "advertise", false, "Advertise the hub over mDNS")
	flag.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	flag.StringVar(&opts.ProtocolLog, "protocol-log", "", "Write a CBOR protocol log to this file")
	flag.BoolVar(&opts.Simulate, "simulate", false, "Host a simulated temperature sensor")
	flag.BoolVar(&opts.Interactive, "interactive", false, "Start the interactive shell")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}

	level, _ := config.ParseLevel(cfg.Log.Level)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cancel, cfg, logger); err != nil {
		logger.Error("node failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, if any, and applies the flags that were
// set explicitly on top of it.
func loadConfig() (config.Node, error) {
	cfg := config.Default()
	if opts.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(opts.ConfigFile); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "mode":
			cfg.Transport.Mode = opts.Mode
		case "listen":
			cfg.Transport.Listen = opts.Listen
		case "address":
			cfg.Transport.Address = opts.Address
		case "store":
			cfg.Store.Kind = opts.Store
		case "store-path":
			cfg.Store.Path = opts.StorePath
		case "device-id":
			cfg.DeviceID = opts.DeviceID
		case "metrics":
			cfg.Metrics.Listen = opts.Metrics
		case "advertise":
			cfg.Discovery.Advertise = opts.Advertise
		case "log-level":
			cfg.Log.Level = opts.LogLevel
		case "protocol-log":
			cfg.Log.Protocol = opts.ProtocolLog
		}
	})
	return cfg, cfg.Validate()
}
