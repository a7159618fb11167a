// Package config loads the YAML configuration of a Jacdac node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/rolemgr"
	"github.com/jacdac-protocol/jacdac-go/pkg/transport"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// Transport modes.
const (
	ModeHub    = "hub"    // listen and relay frames between connections
	ModeDial   = "dial"   // connect to a hub at an address
	ModeBrowse = "browse" // find a hub over mDNS and connect to it
	ModeMemory = "memory" // no network, a private in-memory wire
)

// Store kinds.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreBadger = "badger"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Node is the configuration of one node.
type Node struct {
	// DeviceID is 16 hex digits. Empty generates a random identifier.
	DeviceID    string `yaml:"device_id"`
	Description string `yaml:"description"`
	Firmware    string `yaml:"firmware"`

	Transport Transport `yaml:"transport"`
	Bus       Bus       `yaml:"bus"`
	Roles     Roles     `yaml:"roles"`
	Store     Store     `yaml:"store"`
	Metrics   Metrics   `yaml:"metrics"`
	Discovery Discovery `yaml:"discovery"`
	Log       Log       `yaml:"log"`
}

type Transport struct {
	Mode string `yaml:"mode"`
	// Listen is the hub address in hub mode.
	Listen string `yaml:"listen"`
	// Address is the hub to dial in dial mode.
	Address        string        `yaml:"address"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

type Bus struct {
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	LivenessTimeout  time.Duration `yaml:"liveness_timeout"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
}

type Roles struct {
	AutoBind     bool          `yaml:"auto_bind"`
	BindInterval time.Duration `yaml:"bind_interval"`
}

type Store struct {
	Kind string `yaml:"kind"`
	// Path is the JSON file or badger directory.
	Path string `yaml:"path"`
}

type Metrics struct {
	// Listen serves /metrics when set.
	Listen string `yaml:"listen"`
}

type Discovery struct {
	// Advertise publishes the hub over mDNS in hub mode.
	Advertise bool   `yaml:"advertise"`
	Interface string `yaml:"interface"`
	Name      string `yaml:"name"`
}

type Log struct {
	Level string `yaml:"level"`
	// Protocol is a CBOR protocol log file. Empty disables it.
	Protocol string `yaml:"protocol"`
}

// Default returns the configuration used when no file is given.
func Default() Node {
	return Node{
		Transport: Transport{
			Mode:           ModeHub,
			Listen:         fmt.Sprintf(":%d", transport.DefaultPort),
			ConnectTimeout: transport.DefaultConnectTimeout,
		},
		Bus: Bus{
			AnnounceInterval: bus.DefaultAnnounceInterval,
			LivenessTimeout:  bus.DefaultLivenessTimeout,
			AckTimeout:       bus.DefaultAckTimeout,
		},
		Roles: Roles{
			AutoBind:     true,
			BindInterval: rolemgr.DefaultBindInterval,
		},
		Store: Store{Kind: StoreMemory},
		Log:   Log{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Node{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Node, error) {
	n := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&n); err != nil && !errors.Is(err, io.EOF) {
		return Node{}, fmt.Errorf("config: %w", err)
	}
	if err := n.Validate(); err != nil {
		return Node{}, err
	}
	return n, nil
}

// Validate checks field values and cross-field requirements.
func (n *Node) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if n.DeviceID != "" {
		if _, err := wire.ParseDeviceID(n.DeviceID); err != nil {
			invalid("device_id: %v", err)
		}
	}

	switch n.Transport.Mode {
	case ModeHub:
		if n.Transport.Listen == "" {
			invalid("transport.listen is required in hub mode")
		}
	case ModeDial:
		if n.Transport.Address == "" {
			invalid("transport.address is required in dial mode")
		}
	case ModeBrowse, ModeMemory:
	default:
		invalid("transport.mode %q", n.Transport.Mode)
	}

	switch n.Store.Kind {
	case StoreMemory:
	case StoreFile, StoreBadger:
		if n.Store.Path == "" {
			invalid("store.path is required for %s stores", n.Store.Kind)
		}
	default:
		invalid("store.kind %q", n.Store.Kind)
	}

	if n.Bus.AnnounceInterval < 0 || n.Bus.LivenessTimeout < 0 || n.Bus.AckTimeout < 0 {
		invalid("bus durations must not be negative")
	}
	if n.Bus.LivenessTimeout > 0 && n.Bus.AnnounceInterval > 0 && n.Bus.LivenessTimeout <= n.Bus.AnnounceInterval {
		invalid("bus.liveness_timeout must exceed bus.announce_interval")
	}
	if n.Discovery.Advertise && n.Transport.Mode != ModeHub {
		invalid("discovery.advertise needs hub mode")
	}
	if _, err := ParseLevel(n.Log.Level); err != nil {
		invalid("log.level: %v", err)
	}
	return errors.Join(errs...)
}

// ID returns the parsed device identifier, zero when unset.
func (n *Node) ID() wire.DeviceID {
	id, _ := wire.ParseDeviceID(n.DeviceID)
	return id
}

// BusConfig maps the node settings onto a bus.Config. Stores, loggers and
// hooks are left for the caller.
func (n *Node) BusConfig() bus.Config {
	cfg := bus.DefaultConfig()
	cfg.DeviceID = n.ID()
	cfg.Description = n.Description
	cfg.FirmwareVersion = n.Firmware
	if n.Bus.AnnounceInterval > 0 {
		cfg.AnnounceInterval = n.Bus.AnnounceInterval
	}
	if n.Bus.LivenessTimeout > 0 {
		cfg.LivenessTimeout = n.Bus.LivenessTimeout
	}
	if n.Bus.AckTimeout > 0 {
		cfg.AckTimeout = n.Bus.AckTimeout
	}
	return cfg
}

// ParseLevel maps debug, info, warn and error to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return l, nil
}
