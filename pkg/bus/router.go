package bus

import (
	"encoding/binary"
	"fmt"

	"github.com/jacdac-protocol/jacdac-go/pkg/log"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// RoleResolver maps a device service slot to the role stored for it.
type RoleResolver interface {
	Role(dev *Device, serviceIndex uint8) string
}

// RouteFrame routes every packet of f.
func (b *Bus) RouteFrame(f *wire.Frame) {
	for _, p := range f.Split() {
		b.Route(p)
	}
}

// Route dispatches one received packet.
func (b *Bus) Route(pkt *wire.Packet) {
	if pkt.Timestamp.IsZero() {
		pkt.Timestamp = b.clock.Now()
	}

	if pkt.RequiresAck() {
		pkt.Flags &^= wire.FlagAckRequested
		if pkt.DeviceID == b.selfID && pkt.IsCommand() {
			ack := wire.OnlyHeader(pkt.CRC)
			ack.ServiceIndex = wire.ServiceIndexCRCAck
			if err := b.SendReport(ack); err != nil {
				b.logger.Warn("send ack failed", "error", err)
			}
		}
	}

	b.hookMu.RLock()
	raw := append([]func(*wire.Packet){}, b.rawHooks...)
	b.hookMu.RUnlock()
	for _, fn := range raw {
		fn(pkt)
	}

	var fx effects
	b.mu.Lock()
	class, kind, dropped := b.routeLocked(pkt, &fx)
	b.mu.Unlock()

	b.plog.Log(log.Event{
		Timestamp:   pkt.Timestamp,
		Direction:   log.DirectionIn,
		Layer:       log.LayerBus,
		Category:    log.CategoryPacket,
		LocalDevice: b.selfID.String(),
		DeviceID:    pkt.DeviceID.String(),
		Packet: &log.PacketEvent{
			ServiceIndex:   pkt.ServiceIndex,
			ServiceCommand: pkt.ServiceCommand,
			Flags:          pkt.Flags,
			CRC:            pkt.CRC,
			ServiceClass:   class,
			Data:           pkt.Data,
			Dropped:        dropped,
		},
	})
	if dropped != "" {
		b.recorder.PacketDropped(dropped)
	} else {
		b.recorder.PacketRouted(kind)
	}

	fx.run()
}

func (b *Bus) routeLocked(pkt *wire.Packet, fx *effects) (class uint32, kind, dropped string) {
	switch {
	case pkt.IsMulticast():
		if !pkt.IsCommand() {
			return 0, "", DropMulticastReport
		}
		class = pkt.MulticastClass()
		delivered := false
		for _, h := range b.hosts {
			if h.serviceClass != class || !h.running.Load() {
				continue
			}
			p := pkt.Clone()
			p.DeviceID = b.selfID
			p.ServiceIndex = h.index
			fx.add(func() { h.HandlePacketOuter(p) })
			delivered = true
		}
		if !delivered {
			return class, "", DropNoHost
		}
		return class, KindMulticast, ""

	case pkt.DeviceID == b.selfID:
		if !pkt.IsCommand() {
			return 0, "", DropReportToSelf
		}
		if pkt.ServiceIndex == wire.ServiceIndexPipe {
			return 0, KindPipe, ""
		}
		idx := int(pkt.ServiceIndex)
		if idx >= len(b.hosts) || !b.hosts[idx].running.Load() {
			return 0, "", DropNoHost
		}
		h := b.hosts[idx]
		fx.add(func() { h.HandlePacketOuter(pkt) })
		return h.serviceClass, KindCommand, ""

	case pkt.IsCommand():
		return 0, "", DropForeignCommand
	}

	switch pkt.ServiceIndex {
	case wire.ServiceIndexControl:
		return b.routeControlLocked(pkt, fx)
	case wire.ServiceIndexCRCAck:
		b.acks.resolve(pkt.DeviceID, pkt.ServiceCommand)
		return 0, KindAck, ""
	}

	dev := b.lookupLocked(pkt.DeviceID)
	if dev == nil {
		return 0, "", DropUnknownDevice
	}
	dev.touch(pkt.Timestamp)

	class = dev.ServiceClassAt(pkt.ServiceIndex)
	if class == 0 || class == wire.ServiceClassNone {
		return class, "", DropNoServiceClass
	}
	for _, c := range dev.clients {
		match := false
		if c.broadcast {
			match = c.serviceClass == class
		} else if a := c.attached.Load(); a != nil {
			match = a.index == pkt.ServiceIndex
		}
		if match {
			fx.add(func() { c.handlePacketOuter(dev, pkt) })
			return class, KindReport, ""
		}
	}
	return class, "", DropNoClient
}

func (b *Bus) routeControlLocked(pkt *wire.Packet, fx *effects) (uint32, string, string) {
	dev := b.lookupLocked(pkt.DeviceID)

	if pkt.ServiceCommand != wire.CtrlCmdServices {
		if dev == nil {
			return 0, "", DropUnknownDevice
		}
		dev.touch(pkt.Timestamp)
		fx.add(func() { dev.handleCtrlReport(pkt) })
		return wire.ServiceClassControl, KindReport, ""
	}

	if len(pkt.Data) < 4 {
		return 0, "", DropShortAnnounce
	}
	data := append([]byte{}, pkt.Data[:len(pkt.Data)&^3]...)

	if dev != nil && dev.RestartCounter() > data[0]&byte(wire.AnnounceRestartCounterMask) {
		b.logger.Info("device restarted", "device", dev.shortID,
			"was", dev.RestartCounter(), "now", data[0]&byte(wire.AnnounceRestartCounterMask))
		b.destroyDeviceLocked(dev, "restarted", fx)
		dev = nil
	}

	matches := false
	if dev == nil {
		dev = newDevice(b, pkt.DeviceID)
		b.devices = append(b.devices, dev)
		b.logger.Info("device discovered", "device", dev.shortID, "id", dev.id.String())
		b.logState(log.StateEntityDevice, dev.id.String(), "", "connected", "")
		b.recorder.DevicesChanged(len(b.devices))
	} else {
		matches = servicesMatch(dev.announceData(), data)
	}
	dev.announce.Store(&data)
	dev.touch(pkt.Timestamp)

	force := dev.forceReattach.Swap(false)
	if !matches || force {
		b.reattachLocked(dev, fx)
	}
	return wire.ServiceClassControl, KindAnnounce, ""
}

// roleMatchesLocked reports whether a unicast client may bind to idx of
// dev.
func (b *Bus) roleMatchesLocked(c *Client, dev *Device, idx uint8) bool {
	if c.role == "" || c.role == dev.id.String() || c.role == dev.Name() {
		return true
	}
	return b.resolver != nil && b.resolver.Role(dev, idx) == c.role
}

// reattachLocked revalidates the clients of dev against its current
// service list and hands free slots to unattached clients first fit.
func (b *Bus) reattachLocked(dev *Device, fx *effects) {
	b.logger.Debug("reattaching", "device", dev.shortID,
		"unattached", len(b.unattached), "clients", len(b.clients))

	occupied := make([]bool, dev.NumServices())
	current := dev.clients
	dev.clients = nil
	for _, c := range current {
		if c.broadcast {
			fx.add(c.notifyDetach)
			continue
		}
		a := c.attached.Load()
		if dev.ServiceClassAt(a.index) == c.serviceClass && b.roleMatchesLocked(c, dev, a.index) {
			dev.clients = append(dev.clients, c)
			occupied[a.index] = true
			continue
		}
		b.detachLocked(c, "service changed", fx)
	}

	for _, c := range b.clients {
		if c.broadcast && dev.HasService(c.serviceClass) {
			dev.clients = append(dev.clients, c)
			fx.add(c.notifyAttach)
		}
	}

	b.notifyDevicesChangedLocked(fx)

	if len(b.unattached) == 0 {
		return
	}
	for i := 1; i < len(occupied); i++ {
		if occupied[i] {
			continue
		}
		idx := uint8(i)
		class := dev.ServiceClassAt(idx)
		for _, c := range b.unattached {
			if c.serviceClass == class && b.roleMatchesLocked(c, dev, idx) {
				b.attachLocked(c, dev, idx, fx)
				break
			}
		}
	}
}

// destroyDeviceLocked removes dev from the registry and detaches its
// clients.
func (b *Bus) destroyDeviceLocked(dev *Device, reason string, fx *effects) {
	for i, d := range b.devices {
		if d == dev {
			b.devices = append(b.devices[:i], b.devices[i+1:]...)
			break
		}
	}
	for _, c := range append([]*Client(nil), dev.clients...) {
		if c.broadcast {
			fx.add(c.notifyDetach)
			continue
		}
		b.detachLocked(c, reason, fx)
	}
	dev.clients = nil
	dev.destroyed.Store(true)
	b.logger.Info("device removed", "device", dev.shortID, "reason", reason)
	b.logState(log.StateEntityDevice, dev.id.String(), "connected", "disconnected", reason)
	b.recorder.DevicesChanged(len(b.devices))
}

func (b *Bus) notifyDevicesChangedLocked(fx *effects) {
	for _, fn := range b.hooks(&b.deviceHooks) {
		fx.add(fn)
	}
}

// gcLocked removes devices not seen for the liveness timeout.
func (b *Bus) gcLocked(fx *effects) {
	cutoff := b.clock.Now().Add(-b.cfg.LivenessTimeout)
	removed := 0
	for _, d := range append([]*Device(nil), b.devices...) {
		if d.LastSeen().Before(cutoff) {
			b.destroyDeviceLocked(d, "timeout", fx)
			removed++
		}
	}
	if removed > 0 {
		b.notifyDevicesChangedLocked(fx)
	}
}

// Announce bumps the restart counter, sends the local service list, runs
// the announce hooks and collects stale devices.
func (b *Bus) Announce() {
	var fx effects
	b.mu.Lock()
	if b.restartCounter < wire.AnnounceRestartCounterMask {
		b.restartCounter++
	}
	data := make([]byte, 4*len(b.hosts))
	binary.LittleEndian.PutUint32(data, b.restartCounter|wire.AnnounceSupportsACK)
	for i := 1; i < len(b.hosts); i++ {
		class := wire.ServiceClassNone
		if b.hosts[i].running.Load() {
			class = b.hosts[i].serviceClass
		}
		binary.LittleEndian.PutUint32(data[i*4:], class)
	}
	clients := append([]*Client(nil), b.clients...)
	b.gcLocked(&fx)
	b.mu.Unlock()

	pkt := wire.NewPacket(wire.CmdAnnounce, data)
	pkt.ServiceIndex = wire.ServiceIndexControl
	if err := b.SendReport(pkt); err != nil {
		b.logger.Warn("announce failed", "error", err)
	}
	for _, fn := range b.hooks(&b.announceHooks) {
		fn()
	}
	for _, c := range clients {
		c.notifyAnnounce()
	}
	fx.run()
}

// Registry is the locked view of the bus passed to Exclusive.
type Registry struct {
	b  *Bus
	fx *effects
}

// Devices returns the known devices ordered by identifier.
func (r *Registry) Devices() []*Device { return r.b.sortedDevicesLocked() }

// Clients returns the started clients.
func (r *Registry) Clients() []*Client { return append([]*Client(nil), r.b.clients...) }

// Unattached returns the unicast clients without a device.
func (r *Registry) Unattached() []*Client { return append([]*Client(nil), r.b.unattached...) }

// DeviceClients returns the clients attached to dev.
func (r *Registry) DeviceClients(dev *Device) []*Client {
	return append([]*Client(nil), dev.clients...)
}

// Attach binds an unattached unicast client to (dev, idx). It reports false
// when the slot's class differs or the slot is taken.
func (r *Registry) Attach(c *Client, dev *Device, idx uint8) bool {
	if c.broadcast || c.Bus() != r.b || dev.destroyed.Load() || dev.ServiceClassAt(idx) != c.serviceClass {
		return false
	}
	for _, o := range dev.clients {
		if a := o.attached.Load(); a != nil && a.index == idx {
			return false
		}
	}
	if c.attached.Load() != nil {
		panic(fmt.Sprintf("bus: client %s already attached", c.name))
	}
	r.b.attachLocked(c, dev, idx, r.fx)
	return true
}

// Detach unbinds an attached unicast client.
func (r *Registry) Detach(c *Client, reason string) {
	r.b.detachLocked(c, reason, r.fx)
}

// ClearNameCache drops cached device names and forces a reattach.
func (r *Registry) ClearNameCache() { r.b.clearNameCacheLocked() }
