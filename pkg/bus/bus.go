package bus

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/jacdac-protocol/jacdac-go/pkg/log"
	"github.com/jacdac-protocol/jacdac-go/pkg/settings"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// Default timing parameters.
const (
	DefaultAnnounceInterval = 500 * time.Millisecond
	DefaultLivenessTimeout  = 2 * time.Second
	DefaultAckTimeout       = 500 * time.Millisecond
)

// Errors returned by bus operations.
var (
	ErrNoAck       = errors.New("no ACK")
	ErrNotAttached = errors.New("client not attached")
	ErrNotStarted  = errors.New("not started")
)

// DeviceNamePrefix prefixes the settings keys holding user assigned device
// names.
const DeviceNamePrefix = "#jddev:"

// Config configures a Bus.
type Config struct {
	// DeviceID is the local device identifier. A random one is generated
	// when zero.
	DeviceID wire.DeviceID

	// Description and FirmwareVersion are served by the control service.
	Description     string
	FirmwareVersion string

	AnnounceInterval time.Duration
	LivenessTimeout  time.Duration
	AckTimeout       time.Duration

	// Names resolves device names. Defaults to an in-memory store.
	Names settings.Store

	// Clock drives announces, liveness and timeouts. Defaults to the wall
	// clock.
	Clock clock.Clock

	// Logger receives operational messages.
	Logger *slog.Logger

	// ProtocolLogger receives packet and state events.
	ProtocolLogger log.Logger

	// Recorder receives activity counters.
	Recorder Recorder

	// OnIdentify and OnReset are invoked by the control service.
	OnIdentify func()
	OnReset    func()
}

// DefaultConfig returns a Config with default timing.
func DefaultConfig() Config {
	return Config{
		AnnounceInterval: DefaultAnnounceInterval,
		LivenessTimeout:  DefaultLivenessTimeout,
		AckTimeout:       DefaultAckTimeout,
	}
}

func (c *Config) applyDefaults() error {
	if c.DeviceID.IsZero() {
		if _, err := rand.Read(c.DeviceID[:]); err != nil {
			return fmt.Errorf("bus: generate device id: %w", err)
		}
	}
	if c.AnnounceInterval <= 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = DefaultAckTimeout
	}
	if c.Names == nil {
		c.Names = settings.NewMemoryStore()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.ProtocolLogger == nil {
		c.ProtocolLogger = log.NoopLogger{}
	}
	if c.Recorder == nil {
		c.Recorder = NoopRecorder{}
	}
	return nil
}

// Bus is the bus context of one node: its identity, the device registry,
// the local hosts and the clients.
type Bus struct {
	cfg       Config
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger
	plog      log.Logger
	recorder  Recorder
	selfID    wire.DeviceID
	started   time.Time

	// mu guards the registry below.
	mu             sync.Mutex
	devices        []*Device
	hosts          []*Host
	clients        []*Client
	unattached     []*Client
	restartCounter uint32
	resolver       RoleResolver

	hookMu        sync.RWMutex
	rawHooks      []func(*wire.Packet)
	announceHooks []func()
	deviceHooks   []func()

	sendMu sync.Mutex
	acks   ackWaiter

	control *ControlHost
}

// New creates a bus sending through t. The control service is started on
// index 0.
func New(t Transport, cfg Config) (*Bus, error) {
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	b := &Bus{
		cfg:       cfg,
		transport: t,
		clock:     cfg.Clock,
		logger:    cfg.Logger.With("device", cfg.DeviceID.String()),
		plog:      cfg.ProtocolLogger,
		recorder:  cfg.Recorder,
		selfID:    cfg.DeviceID,
		started:   cfg.Clock.Now(),
		acks:      ackWaiter{pending: make(map[ackKey][]chan struct{})},
	}
	b.control = newControlHost(b)
	b.control.Start(b)
	return b, nil
}

// SelfID returns the local device identifier.
func (b *Bus) SelfID() wire.DeviceID { return b.selfID }

// Clock returns the bus clock.
func (b *Bus) Clock() clock.Clock { return b.clock }

// Logger returns the operational logger.
func (b *Bus) Logger() *slog.Logger { return b.logger }

// ProtocolLogger returns the protocol event logger.
func (b *Bus) ProtocolLogger() log.Logger { return b.plog }

// Recorder returns the activity recorder.
func (b *Bus) Recorder() Recorder { return b.recorder }

// Names returns the store used for device names.
func (b *Bus) Names() settings.Store { return b.cfg.Names }

// Control returns the local control service.
func (b *Bus) Control() *ControlHost { return b.control }

// Run reads frames from the transport and announces periodically until ctx
// is cancelled or the transport fails.
func (b *Bus) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.receiveLoop(ctx) })
	g.Go(func() error { return b.announceLoop(ctx) })
	return g.Wait()
}

func (b *Bus) receiveLoop(ctx context.Context) error {
	for {
		f, err := b.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bus: receive: %w", err)
		}
		b.RouteFrame(f)
	}
}

func (b *Bus) announceLoop(ctx context.Context) error {
	ticker := b.clock.Ticker(b.cfg.AnnounceInterval)
	defer ticker.Stop()

	b.Announce()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			b.Announce()
		}
	}
}

// OnRawPacket registers fn to observe every routed packet before dispatch.
func (b *Bus) OnRawPacket(fn func(*wire.Packet)) {
	b.hookMu.Lock()
	b.rawHooks = append(b.rawHooks, fn)
	b.hookMu.Unlock()
}

// OnAnnounce registers fn to run after each local announce.
func (b *Bus) OnAnnounce(fn func()) {
	b.hookMu.Lock()
	b.announceHooks = append(b.announceHooks, fn)
	b.hookMu.Unlock()
}

// OnDevicesChanged registers fn to run after devices were reattached or
// collected.
func (b *Bus) OnDevicesChanged(fn func()) {
	b.hookMu.Lock()
	b.deviceHooks = append(b.deviceHooks, fn)
	b.hookMu.Unlock()
}

func (b *Bus) hooks(list *[]func()) []func() {
	b.hookMu.RLock()
	defer b.hookMu.RUnlock()
	return append([]func(){}, (*list)...)
}

// SetRoleResolver installs the resolver consulted when matching client
// roles against devices.
func (b *Bus) SetRoleResolver(r RoleResolver) {
	b.mu.Lock()
	b.resolver = r
	b.mu.Unlock()
	b.ClearAttachCache()
}

// Devices returns the known remote devices ordered by identifier.
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sortedDevicesLocked()
}

func (b *Bus) sortedDevicesLocked() []*Device {
	out := append([]*Device(nil), b.devices...)
	sort.Slice(out, func(i, j int) bool { return out[i].id.Compare(out[j].id) < 0 })
	return out
}

// Device returns the registered device with the given identifier.
func (b *Bus) Device(id wire.DeviceID) (*Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d := b.lookupLocked(id)
	return d, d != nil
}

func (b *Bus) lookupLocked(id wire.DeviceID) *Device {
	for _, d := range b.devices {
		if d.id == id {
			return d
		}
	}
	return nil
}

// Hosts returns the local hosts in service index order.
func (b *Bus) Hosts() []*Host {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Host(nil), b.hosts...)
}

// Clients returns the started clients.
func (b *Bus) Clients() []*Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Client(nil), b.clients...)
}

// ClearAttachCache forces a reattach on every device at its next announce.
func (b *Bus) ClearAttachCache() {
	b.mu.Lock()
	b.clearAttachCacheLocked()
	b.mu.Unlock()
}

func (b *Bus) clearAttachCacheLocked() {
	for _, d := range b.devices {
		d.forceReattach.Store(true)
	}
}

// ClearNameCache drops cached device names and forces a reattach.
func (b *Bus) ClearNameCache() {
	b.mu.Lock()
	b.clearNameCacheLocked()
	b.mu.Unlock()
}

func (b *Bus) clearNameCacheLocked() {
	for _, d := range b.devices {
		d.clearName()
	}
	b.clearAttachCacheLocked()
}

// SetDeviceName stores a user name for id. An empty name removes it.
func (b *Bus) SetDeviceName(id wire.DeviceID, name string) error {
	key := DeviceNamePrefix + id.String()
	var err error
	if name == "" {
		err = b.cfg.Names.Remove(key)
	} else {
		err = b.cfg.Names.Set(key, name)
	}
	if err != nil {
		return fmt.Errorf("bus: set device name: %w", err)
	}
	b.ClearNameCache()
	return nil
}

// Exclusive runs fn with the registry locked. Notifications caused by fn
// run after the lock is released.
func (b *Bus) Exclusive(fn func(r *Registry)) {
	var fx effects
	b.mu.Lock()
	fn(&Registry{b: b, fx: &fx})
	b.mu.Unlock()
	fx.run()
}

// SendFrame marshals and transmits f.
func (b *Bus) SendFrame(f *wire.Frame) error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	if _, err := f.MarshalBinary(); err != nil {
		return fmt.Errorf("bus: encode frame: %w", err)
	}
	for _, p := range f.Packets {
		b.logPacket(log.DirectionOut, f, p, "")
	}
	if err := b.transport.Send(f); err != nil {
		return fmt.Errorf("bus: send: %w", err)
	}
	return nil
}

// SendReport sends pkt as a report from the local device.
func (b *Bus) SendReport(pkt *wire.Packet) error {
	pkt.DeviceID = b.selfID
	pkt.Flags = 0
	return b.SendFrame(wire.NewFrame(pkt))
}

// SendCommand sends pkt as a command to device.
func (b *Bus) SendCommand(device wire.DeviceID, pkt *wire.Packet) error {
	pkt.DeviceID = device
	pkt.Flags = wire.FlagCommand
	return b.SendFrame(wire.NewFrame(pkt))
}

// SendMulticast sends pkt as a command to every service of the given class.
func (b *Bus) SendMulticast(serviceClass uint32, pkt *wire.Packet) error {
	pkt.DeviceID = wire.MulticastID(serviceClass)
	pkt.Flags = wire.FlagCommand | wire.FlagIdentifierIsServiceClass
	return b.SendFrame(wire.NewFrame(pkt))
}

func (b *Bus) logPacket(dir log.Direction, f *wire.Frame, p *wire.Packet, dropped string) {
	b.plog.Log(log.Event{
		Timestamp:   b.clock.Now(),
		Direction:   dir,
		Layer:       log.LayerBus,
		Category:    log.CategoryPacket,
		LocalDevice: b.selfID.String(),
		DeviceID:    f.DeviceID.String(),
		Packet: &log.PacketEvent{
			ServiceIndex:   p.ServiceIndex,
			ServiceCommand: p.ServiceCommand,
			Flags:          f.Flags,
			CRC:            f.CRC,
			Data:           p.Data,
			Dropped:        dropped,
		},
	})
}

func (b *Bus) logState(entity log.StateEntity, name, oldState, newState, reason string) {
	b.plog.Log(log.Event{
		Timestamp:   b.clock.Now(),
		Layer:       log.LayerBus,
		Category:    log.CategoryState,
		LocalDevice: b.selfID.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   entity,
			Name:     name,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

// effects collects notifications to run once the registry lock is released.
type effects []func()

func (fx *effects) add(f func()) { *fx = append(*fx, f) }

func (fx effects) run() {
	for _, f := range fx {
		f()
	}
}
