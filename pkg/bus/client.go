package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jacdac-protocol/jacdac-go/pkg/jdpack"
	"github.com/jacdac-protocol/jacdac-go/pkg/log"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// Event is an event reported by a remote service.
type Event struct {
	Code   uint32
	Arg    int32
	HasArg bool
}

// Optional interfaces of client handlers.
type (
	// AttachHandler is notified after the client was bound to a device.
	AttachHandler interface{ OnAttach() }

	// DetachHandler is notified after the client lost its device.
	DetachHandler interface{ OnDetach() }

	// AnnounceHandler runs after every local announce.
	AnnounceHandler interface{ OnAnnounce() }
)

type attachment struct {
	device *Device
	index  uint8
}

// Client consumes a remote service of a given class. Unicast clients are
// bound to at most one (device, index) slot at a time; broadcast clients
// receive reports from every matching service.
type Client struct {
	name         string
	serviceClass uint32
	role         string
	broadcast    bool
	handler      PacketHandler

	bus      atomic.Pointer[Bus]
	attached atomic.Pointer[attachment]
	// current is the device whose packet is being dispatched.
	current atomic.Pointer[Device]

	config configQueue

	mu            sync.Mutex
	advertisement []byte
	eventHandlers map[uint32][]func(Event)
	eventWaiters  map[uint32][]chan Event
}

// NewClient returns a unicast client for serviceClass. role may be empty,
// in which case any device with a free service of the class matches.
// handler may be nil.
func NewClient(serviceClass uint32, role string, handler PacketHandler) *Client {
	name := role
	if name == "" {
		name = fmt.Sprintf("0x%08x", serviceClass)
	}
	return &Client{
		name:         name,
		serviceClass: serviceClass,
		role:         role,
		handler:      handler,
	}
}

// NewBroadcastClient returns a client receiving reports from every service
// of serviceClass.
func NewBroadcastClient(serviceClass uint32, handler PacketHandler) *Client {
	c := NewClient(serviceClass, "", handler)
	c.broadcast = true
	return c
}

// Name returns the role, or the hex service class for role-less clients.
func (c *Client) Name() string { return c.name }

// Role returns the requested role.
func (c *Client) Role() string { return c.role }

// ServiceClass returns the consumed class.
func (c *Client) ServiceClass() uint32 { return c.serviceClass }

// Broadcast reports whether this is a broadcast client.
func (c *Client) Broadcast() bool { return c.broadcast }

// Bus returns the bus the client was started on, or nil.
func (c *Client) Bus() *Bus { return c.bus.Load() }

// Device returns the attached device, or nil.
func (c *Client) Device() *Device {
	if a := c.attached.Load(); a != nil {
		return a.device
	}
	return nil
}

// ServiceIndex returns the attached service index.
func (c *Client) ServiceIndex() (uint8, bool) {
	if a := c.attached.Load(); a != nil {
		return a.index, true
	}
	return 0, false
}

// Attached reports whether a unicast client is bound.
func (c *Client) Attached() bool { return c.attached.Load() != nil }

// CurrentDevice returns the device of the packet being dispatched. For
// unicast clients this is the attached device.
func (c *Client) CurrentDevice() *Device {
	if d := c.current.Load(); d != nil {
		return d
	}
	return c.Device()
}

// Start registers the client on b and puts it into the unattached pool.
func (c *Client) Start(b *Bus) {
	b.mu.Lock()
	if c.bus.Load() != nil {
		b.mu.Unlock()
		return
	}
	c.bus.Store(b)
	b.clients = append(b.clients, c)
	if !c.broadcast {
		b.unattached = append(b.unattached, c)
	}
	b.clearAttachCacheLocked()
	if c.broadcast {
		// Pick up devices already announced.
		for _, d := range b.devices {
			if d.HasService(c.serviceClass) {
				d.clients = append(d.clients, c)
			}
		}
	}
	b.mu.Unlock()
	b.logger.Debug("client started", "client", c.name, "class", c.serviceClass, "broadcast", c.broadcast)
}

// Destroy detaches the client and removes it from the bus.
func (c *Client) Destroy() {
	b := c.Bus()
	if b == nil {
		return
	}
	var fx effects
	b.mu.Lock()
	if c.broadcast {
		for _, d := range b.devices {
			d.clients = removeClient(d.clients, c)
		}
	} else if c.attached.Load() != nil {
		b.detachLocked(c, "destroyed", &fx)
	}
	b.clients = removeClient(b.clients, c)
	b.unattached = removeClient(b.unattached, c)
	c.bus.Store(nil)
	b.mu.Unlock()
	fx.run()
}

// SendCommand sends pkt to the attached service. Packets sent while
// unattached and register writes are queued and replayed on every attach.
func (c *Client) SendCommand(pkt *wire.Packet) error {
	return c.config.send(c, pkt)
}

func (c *Client) sendNow(pkt *wire.Packet) error {
	b := c.Bus()
	a := c.attached.Load()
	if b == nil || a == nil {
		return nil
	}
	pkt.ServiceIndex = a.index
	return b.SendCommand(a.device.id, pkt)
}

// SendCommandWithAck sends pkt to the attached service and waits for the
// acknowledgment.
func (c *Client) SendCommandWithAck(ctx context.Context, pkt *wire.Packet) error {
	b := c.Bus()
	a := c.attached.Load()
	if b == nil || a == nil {
		return ErrNotAttached
	}
	pkt.ServiceIndex = a.index
	return b.SendWithAck(ctx, a.device.id, pkt)
}

// SetReg writes reg with values encoded by format.
func (c *Client) SetReg(reg uint16, format string, values ...any) error {
	pkt, err := jdpack.NewPacket(wire.SetRegister(reg), format, values...)
	if err != nil {
		return err
	}
	return c.SendCommand(pkt)
}

// SetRegInt writes an i32 register.
func (c *Client) SetRegInt(reg uint16, v int32) error {
	return c.SetReg(reg, "i32", v)
}

// SetRegBuffer writes a raw register.
func (c *Client) SetRegBuffer(reg uint16, data []byte) error {
	return c.SendCommand(wire.NewPacket(wire.SetRegister(reg), append([]byte{}, data...)))
}

// RequestAdvertisementData asks the attached service for its
// advertisement.
func (c *Client) RequestAdvertisementData() error {
	return c.sendNow(wire.OnlyHeader(wire.CmdAnnounce))
}

// AdvertisementData returns the last advertisement received.
func (c *Client) AdvertisementData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advertisement
}

// BroadcastDevices returns the devices a broadcast client receives from.
func (c *Client) BroadcastDevices() []*Device {
	b := c.Bus()
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Device
	for _, d := range b.sortedDevicesLocked() {
		for _, dc := range d.clients {
			if dc == c {
				out = append(out, d)
				break
			}
		}
	}
	return out
}

// OnEvent registers fn for events with the given code.
func (c *Client) OnEvent(code uint32, fn func(Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.eventHandlers == nil {
		c.eventHandlers = make(map[uint32][]func(Event))
	}
	c.eventHandlers[code] = append(c.eventHandlers[code], fn)
}

// WaitForEvent blocks until an event with the given code arrives.
func (c *Client) WaitForEvent(ctx context.Context, code uint32) (Event, error) {
	ch := make(chan Event, 1)
	c.mu.Lock()
	if c.eventWaiters == nil {
		c.eventWaiters = make(map[uint32][]chan Event)
	}
	c.eventWaiters[code] = append(c.eventWaiters[code], ch)
	c.mu.Unlock()

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		c.mu.Lock()
		ws := c.eventWaiters[code]
		for i, w := range ws {
			if w == ch {
				c.eventWaiters[code] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		c.mu.Unlock()
		return Event{}, ctx.Err()
	}
}

func (c *Client) raiseEvent(ev Event) {
	c.mu.Lock()
	handlers := append([]func(Event){}, c.eventHandlers[ev.Code]...)
	waiters := c.eventWaiters[ev.Code]
	delete(c.eventWaiters, ev.Code)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- ev
	}
	for _, fn := range handlers {
		fn(ev)
	}
}

// handlePacketOuter dispatches a report from dev.
func (c *Client) handlePacketOuter(dev *Device, pkt *wire.Packet) {
	c.current.Store(dev)
	defer c.current.Store(nil)

	switch pkt.ServiceCommand {
	case wire.CmdAnnounce:
		c.mu.Lock()
		c.advertisement = append([]byte{}, pkt.Data...)
		c.mu.Unlock()
	case wire.CmdEvent:
		if code, arg, hasArg, ok := pkt.Event(); ok {
			c.raiseEvent(Event{Code: code, Arg: arg, HasArg: hasArg})
		}
	}
	if c.handler != nil {
		c.handler.HandlePacket(pkt)
	}
}

func (c *Client) notifyAttach() {
	if h, ok := c.handler.(AttachHandler); ok {
		h.OnAttach()
	}
	if err := c.config.resend(c); err != nil {
		if b := c.Bus(); b != nil {
			b.logger.Warn("config replay failed", "client", c.name, "error", err)
		}
	}
}

func (c *Client) notifyDetach() {
	if h, ok := c.handler.(DetachHandler); ok {
		h.OnDetach()
	}
}

func (c *Client) notifyAnnounce() {
	if h, ok := c.handler.(AnnounceHandler); ok {
		h.OnAnnounce()
	}
}

// attachLocked binds c to (dev, idx). The caller holds bus.mu.
func (b *Bus) attachLocked(c *Client, dev *Device, idx uint8, fx *effects) {
	if c.attached.Load() != nil {
		panic(fmt.Sprintf("bus: client %s already attached", c.name))
	}
	c.attached.Store(&attachment{device: dev, index: idx})
	b.unattached = removeClient(b.unattached, c)
	dev.clients = append(dev.clients, c)
	b.recorder.ClientAttached()
	b.logger.Debug("client attached", "client", c.name, "device", dev.shortID, "index", idx)
	b.logState(log.StateEntityClient, c.name, "unattached", "attached", fmt.Sprintf("%s[%d]", dev.id, idx))
	fx.add(c.notifyAttach)
}

// detachLocked unbinds a unicast client and returns it to the pool. The
// caller holds bus.mu.
func (b *Bus) detachLocked(c *Client, reason string, fx *effects) {
	a := c.attached.Load()
	if a == nil {
		panic(fmt.Sprintf("bus: client %s not attached", c.name))
	}
	c.attached.Store(nil)
	a.device.clients = removeClient(a.device.clients, c)
	b.unattached = append(b.unattached, c)
	b.clearAttachCacheLocked()
	b.recorder.ClientDetached()
	b.logger.Debug("client detached", "client", c.name, "device", a.device.shortID, "reason", reason)
	b.logState(log.StateEntityClient, c.name, "attached", "unattached", reason)
	fx.add(c.notifyDetach)
}

func removeClient(list []*Client, c *Client) []*Client {
	for i, x := range list {
		if x == c {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

// configQueue keeps the commands replayed to a service on attach.
type configQueue struct {
	mu      sync.Mutex
	pending []*wire.Packet
}

func (q *configQueue) send(c *Client, pkt *wire.Packet) error {
	if pkt.IsRegSet() || !c.Attached() {
		q.update(pkt)
	}
	return c.sendNow(pkt)
}

// update replaces the queued packet with the same command, or appends.
func (q *configQueue) update(pkt *wire.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p.ServiceCommand == pkt.ServiceCommand {
			q.pending[i] = pkt.Clone()
			return
		}
	}
	q.pending = append(q.pending, pkt.Clone())
}

// resend replays the queue as one frame, then keeps only register writes.
func (q *configQueue) resend(c *Client) error {
	q.mu.Lock()
	pending := q.pending
	var kept []*wire.Packet
	for _, p := range pending {
		if p.IsRegSet() {
			kept = append(kept, p)
		}
	}
	q.pending = kept
	q.mu.Unlock()

	b := c.Bus()
	a := c.attached.Load()
	if len(pending) == 0 || b == nil || a == nil {
		return nil
	}
	f := &wire.Frame{DeviceID: a.device.id, Flags: wire.FlagCommand}
	for _, p := range pending {
		p = p.Clone()
		p.ServiceIndex = a.index
		if err := f.Add(p); err != nil {
			if err := b.SendFrame(f); err != nil {
				return err
			}
			f = &wire.Frame{DeviceID: a.device.id, Flags: wire.FlagCommand}
			if err := f.Add(p); err != nil {
				return err
			}
		}
	}
	return b.SendFrame(f)
}
