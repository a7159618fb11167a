package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AdvertiserConfig configures advertiser behavior.
type AdvertiserConfig struct {
	// Interface restricts advertising to one network interface. Empty means
	// all interfaces.
	Interface string

	// TTL is the DNS record TTL. Default: 120 seconds.
	TTL time.Duration

	Logger *slog.Logger
}

// DefaultAdvertiserConfig returns the default advertiser configuration.
func DefaultAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{TTL: DefaultTTL}
}

// server is the part of *zeroconf.Server the advertiser drives.
type server interface {
	SetText(txt []string)
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (server, error)

func zeroconfRegister(instance, service, domain string, port int, txt []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (server, error) {
	s, err := zeroconf.Register(instance, service, domain, port, txt, ifaces, opts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Advertiser publishes a hub as a _jacdac._tcp service.
type Advertiser struct {
	config AdvertiserConfig
	logger *slog.Logger

	// register is replaced in tests.
	register registerFunc

	mu     sync.Mutex
	server server
	info   *HubInfo
}

// NewAdvertiser creates an advertiser. Nothing is published until Advertise.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{
		config:   config,
		logger:   logger.With("component", "discovery"),
		register: zeroconfRegister,
	}
}

func (a *Advertiser) interfaces() []net.Interface {
	if a.config.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		a.logger.Warn("interface not found, advertising on all", "interface", a.config.Interface, "error", err)
		return nil
	}
	return []net.Interface{*iface}
}

// Advertise starts publishing info, replacing any earlier advertisement.
func (a *Advertiser) Advertise(ctx context.Context, info *HubInfo) error {
	if info.Port == 0 {
		return ErrInvalidPort
	}
	instance := info.InstanceName()
	if err := ValidateInstanceName(instance); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}

	var opts []zeroconf.ServerOption
	if a.config.TTL > 0 {
		opts = append(opts, zeroconf.TTL(uint32(a.config.TTL.Seconds())))
	}

	s, err := a.register(
		instance,
		ServiceType,
		Domain,
		int(info.Port),
		TXTRecordsToStrings(EncodeHubTXT(info)),
		a.interfaces(),
		opts...,
	)
	if err != nil {
		return fmt.Errorf("failed to register hub service: %w", err)
	}
	a.server = s
	cp := *info
	a.info = &cp
	a.logger.Info("advertising hub", "instance", instance, "port", info.Port)
	return nil
}

// Update replaces the TXT records of the running advertisement.
func (a *Advertiser) Update(info *HubInfo) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server == nil {
		return ErrNotFound
	}
	a.server.SetText(TXTRecordsToStrings(EncodeHubTXT(info)))
	cp := *info
	a.info = &cp
	return nil
}

// Advertising returns the published info, or nil.
func (a *Advertiser) Advertising() *HubInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.info == nil {
		return nil
	}
	cp := *a.info
	return &cp
}

// Stop withdraws the advertisement. It is safe to call more than once.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.logger.Info("hub advertisement stopped")
	}
	a.info = nil
}
