package bus

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// DefaultQueryRefresh is how long a queried control register stays fresh.
const DefaultQueryRefresh = time.Second

// a missing register value is re-queried after this long
const queryRetry = 500 * time.Millisecond

// Device is a remote device seen on the bus.
type Device struct {
	bus     *Bus
	id      wire.DeviceID
	shortID string

	// announce holds the last announce payload; services start at offset 4.
	announce atomic.Pointer[[]byte]
	lastSeen atomic.Int64

	forceReattach atomic.Bool
	destroyed     atomic.Bool

	// clients is guarded by bus.mu.
	clients []*Client

	nameMu    sync.Mutex
	name      string
	nameValid bool

	queryMu sync.Mutex
	queries map[uint16]*regQuery
}

type regQuery struct {
	value     []byte
	lastQuery time.Time
}

func newDevice(b *Bus, id wire.DeviceID) *Device {
	return &Device{
		bus:     b,
		id:      id,
		shortID: ShortID(id),
		queries: make(map[uint16]*regQuery),
	}
}

// ID returns the device identifier.
func (d *Device) ID() wire.DeviceID { return d.id }

// ShortID returns the four character display identifier.
func (d *Device) ShortID() string { return d.shortID }

// String returns the short identifier, followed by the name if one is set.
func (d *Device) String() string {
	if n := d.Name(); n != "" {
		return d.shortID + " (" + n + ")"
	}
	return d.shortID
}

// Name returns the user assigned name, or "" if none is stored.
func (d *Device) Name() string {
	d.nameMu.Lock()
	defer d.nameMu.Unlock()
	if !d.nameValid {
		n, ok, err := d.bus.cfg.Names.Get(DeviceNamePrefix + d.id.String())
		if err != nil {
			d.bus.logger.Warn("read device name", "device", d.shortID, "error", err)
		}
		if !ok {
			n = ""
		}
		d.name = n
		d.nameValid = true
	}
	return d.name
}

func (d *Device) clearName() {
	d.nameMu.Lock()
	d.nameValid = false
	d.nameMu.Unlock()
}

func (d *Device) announceData() []byte {
	if p := d.announce.Load(); p != nil {
		return *p
	}
	return nil
}

// Services returns the advertised service classes indexed by service
// index; index 0 is the control service.
func (d *Device) Services() []uint32 {
	data := d.announceData()
	if len(data) < 4 {
		return nil
	}
	out := make([]uint32, len(data)/4)
	for i := 1; i < len(out); i++ {
		out[i] = binary.LittleEndian.Uint32(data[i*4:])
	}
	out[0] = wire.ServiceClassControl
	return out
}

// NumServices returns the number of advertised services, including the
// control service.
func (d *Device) NumServices() int { return len(d.announceData()) / 4 }

// ServiceClassAt returns the class at idx, or 0 when out of range. Index 0 is
// always the control service.
func (d *Device) ServiceClassAt(idx uint8) uint32 {
	if idx == 0 {
		return wire.ServiceClassControl
	}
	data := d.announceData()
	off := int(idx) * 4
	if off+4 > len(data) {
		return 0
	}
	return binary.LittleEndian.Uint32(data[off:])
}

// HasService reports whether a service of the given class is advertised.
func (d *Device) HasService(serviceClass uint32) bool {
	n := d.NumServices()
	for i := 1; i < n; i++ {
		if d.ServiceClassAt(uint8(i)) == serviceClass {
			return true
		}
	}
	return false
}

// RestartCounter returns the restart counter of the last announce.
func (d *Device) RestartCounter() uint8 {
	data := d.announceData()
	if len(data) == 0 {
		return 0
	}
	return data[0] & byte(wire.AnnounceRestartCounterMask)
}

// SupportsACK reports whether the device advertised ack support.
func (d *Device) SupportsACK() bool {
	data := d.announceData()
	return len(data) >= 4 && binary.LittleEndian.Uint32(data)&wire.AnnounceSupportsACK != 0
}

// LastSeen returns when a packet from the device was last routed.
func (d *Device) LastSeen() time.Time { return time.Unix(0, d.lastSeen.Load()) }

func (d *Device) touch(t time.Time) { d.lastSeen.Store(t.UnixNano()) }

// Connected reports whether the device is still in the registry.
func (d *Device) Connected() bool { return !d.destroyed.Load() }

// Clients returns the clients attached to the device.
func (d *Device) Clients() []*Client {
	d.bus.mu.Lock()
	defer d.bus.mu.Unlock()
	return append([]*Client(nil), d.clients...)
}

// SendCtrlCommand sends a command to the device's control service.
func (d *Device) SendCtrlCommand(cmd uint16, payload []byte) error {
	pkt := wire.NewPacket(cmd, payload)
	pkt.ServiceIndex = wire.ServiceIndexControl
	return d.bus.SendCommand(d.id, pkt)
}

// Query returns the cached value of a control register and requests it from
// the device when stale. A value is stale when it was never requested, when
// it is missing and the last request is older than half a second, or when
// refresh is positive and the last request is older than refresh. The
// returned value is nil until the device answers.
func (d *Device) Query(reg uint16, refresh time.Duration) []byte {
	now := d.bus.clock.Now()

	d.queryMu.Lock()
	q := d.queries[reg]
	if q == nil {
		q = &regQuery{}
		d.queries[reg] = q
	}
	stale := q.lastQuery.IsZero() ||
		(q.value == nil && now.Sub(q.lastQuery) > queryRetry) ||
		(refresh > 0 && now.Sub(q.lastQuery) > refresh)
	if stale {
		q.lastQuery = now
	}
	value := q.value
	d.queryMu.Unlock()

	if stale {
		if err := d.SendCtrlCommand(wire.GetRegister(reg), nil); err != nil {
			d.bus.logger.Debug("query register", "device", d.shortID, "reg", reg, "error", err)
		}
	}
	return value
}

func (d *Device) handleCtrlReport(pkt *wire.Packet) {
	if !pkt.IsRegGet() {
		return
	}
	d.queryMu.Lock()
	defer d.queryMu.Unlock()
	if q := d.queries[pkt.Code()]; q != nil {
		q.value = append([]byte{}, pkt.Data...)
	}
}

// servicesMatch compares the service lists of two announce payloads,
// ignoring the first word.
func servicesMatch(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 4; i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
