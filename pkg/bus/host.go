package bus

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/jacdac-protocol/jacdac-go/pkg/jdpack"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// PacketHandler handles the packets a Host or Client does not handle
// itself.
type PacketHandler interface {
	HandlePacket(pkt *wire.Packet)
}

// PacketHandlerFunc adapts a function to PacketHandler.
type PacketHandlerFunc func(pkt *wire.Packet)

// HandlePacket calls f(pkt).
func (f PacketHandlerFunc) HandlePacket(pkt *wire.Packet) { f(pkt) }

// Advertiser is implemented by host handlers that answer advertisement
// requests with service specific data.
type Advertiser interface {
	AdvertisementData() []byte
}

// Host is a local service exposed to the bus at a fixed service index.
type Host struct {
	name         string
	serviceClass uint32
	handler      PacketHandler

	bus   atomic.Pointer[Bus]
	index uint8
	// registered is guarded by bus.mu.
	registered bool

	running    atomic.Bool
	statusCode atomic.Uint32

	// raw hosts receive every packet, including status and announce
	// requests.
	raw bool

	// StateUpdated is cleared before each dispatched packet and set by the
	// register helpers when a write changed a value.
	StateUpdated bool
}

// NewHost returns a stopped host of the given class. handler may be nil.
func NewHost(name string, serviceClass uint32, handler PacketHandler) *Host {
	return &Host{name: name, serviceClass: serviceClass, handler: handler}
}

// Name returns the host name.
func (h *Host) Name() string { return h.name }

// ServiceClass returns the advertised service class.
func (h *Host) ServiceClass() uint32 { return h.serviceClass }

// ServiceIndex returns the index assigned by Start.
func (h *Host) ServiceIndex() uint8 { return h.index }

// Bus returns the bus the host was started on, or nil.
func (h *Host) Bus() *Bus { return h.bus.Load() }

// Running reports whether the host is started.
func (h *Host) Running() bool { return h.running.Load() }

// Start registers the host on b. The first start assigns the next free
// service index; restarting a stopped host keeps it.
func (h *Host) Start(b *Bus) {
	if h.running.Load() {
		return
	}
	b.mu.Lock()
	if !h.registered {
		h.index = uint8(len(b.hosts))
		h.registered = true
		b.hosts = append(b.hosts, h)
		h.bus.Store(b)
	}
	b.mu.Unlock()
	h.running.Store(true)
	b.logger.Debug("host started", "host", h.name, "index", h.index, "class", h.serviceClass)
}

// Stop marks the host stopped. The index stays reserved and is announced
// as an empty slot.
func (h *Host) Stop() {
	if h.running.Swap(false) {
		if b := h.Bus(); b != nil {
			b.logger.Debug("host stopped", "host", h.name, "index", h.index)
		}
	}
}

// StatusCode returns the packed status code register.
func (h *Host) StatusCode() uint32 { return h.statusCode.Load() }

// SetStatusCode sets the status code register and emits a status change
// event when it changed.
func (h *Host) SetStatusCode(code, vendorCode uint16) {
	v := uint32(code)<<16 | uint32(vendorCode)
	if h.statusCode.Swap(v) == v {
		return
	}
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, v)
	if err := h.SendEvent(wire.EventStatusCodeChanged, data); err != nil {
		h.logSendError("status event", err)
	}
}

// SendReport sends pkt as a report of this host.
func (h *Host) SendReport(pkt *wire.Packet) error {
	b := h.Bus()
	if b == nil {
		return ErrNotStarted
	}
	pkt.ServiceIndex = h.index
	return b.SendReport(pkt)
}

// SendEvent sends an event report with the given code and extra data.
func (h *Host) SendEvent(code uint32, data []byte) error {
	payload := make([]byte, 4+len(data))
	binary.LittleEndian.PutUint32(payload, code)
	copy(payload[4:], data)
	return h.SendReport(wire.NewPacket(wire.CmdEvent, payload))
}

// SendChangeEvent sends the generic change event.
func (h *Host) SendChangeEvent() error {
	return h.SendEvent(wire.EventChange, nil)
}

// HandlePacketOuter answers status code reads and advertisement requests,
// then passes everything else to the handler.
func (h *Host) HandlePacketOuter(pkt *wire.Packet) {
	if !h.raw {
		switch {
		case pkt.IsRegGet() && pkt.Code() == wire.RegStatusCode:
			data := make([]byte, 4)
			binary.LittleEndian.PutUint32(data, h.StatusCode())
			h.reply(wire.NewPacket(pkt.ServiceCommand, data))
			return
		case pkt.ServiceCommand == wire.CmdAnnounce:
			var data []byte
			if a, ok := h.handler.(Advertiser); ok {
				data = a.AdvertisementData()
			}
			h.reply(wire.NewPacket(wire.CmdAnnounce, data))
			return
		}
	}
	h.StateUpdated = false
	if h.handler != nil {
		h.handler.HandlePacket(pkt)
	}
}

func (h *Host) reply(pkt *wire.Packet) {
	if err := h.SendReport(pkt); err != nil {
		h.logSendError("report", err)
	}
}

func (h *Host) logSendError(what string, err error) {
	if b := h.Bus(); b != nil {
		b.logger.Warn("host send failed", "host", h.name, "what", what, "error", err)
	}
}

// HandleRegFormat serves a register encoded with format. A read of reg is
// answered with current, a write to a writable reg is decoded and returned
// and sets StateUpdated when the encoding differs. Any other packet returns
// current unchanged.
func (h *Host) HandleRegFormat(pkt *wire.Packet, reg uint16, format string, current []any) []any {
	f, err := jdpack.Parse(format)
	if err != nil || pkt.Code() != reg {
		return current
	}
	switch pkt.OpClass() {
	case wire.OpClassGet:
		data, err := f.Pack(current...)
		if err != nil {
			h.logSendError("register encode", err)
			return current
		}
		h.reply(wire.NewPacket(pkt.ServiceCommand, data))
		return current
	case wire.OpClassSet:
		if reg >= wire.RegReadOnlyBase {
			return current
		}
		values, err := f.Unpack(pkt.Data)
		if err != nil {
			return current
		}
		if !h.samePacked(f, values, current) {
			h.StateUpdated = true
		}
		return values
	default:
		return current
	}
}

func (h *Host) samePacked(f *jdpack.Format, a, b []any) bool {
	pa, errA := f.Pack(a...)
	pb, errB := f.Pack(b...)
	return errA == nil && errB == nil && bytes.Equal(pa, pb)
}

// HandleRegValue serves a single value register, see HandleRegFormat.
func (h *Host) HandleRegValue(pkt *wire.Packet, reg uint16, format string, current any) any {
	v := h.HandleRegFormat(pkt, reg, format, []any{current})
	if len(v) == 0 {
		return current
	}
	return v[0]
}

// HandleRegBool serves a boolean register encoded as u8.
func (h *Host) HandleRegBool(pkt *wire.Packet, reg uint16, current bool) bool {
	var cur uint64
	if current {
		cur = 1
	}
	v, ok := h.HandleRegValue(pkt, reg, "u8", cur).(uint64)
	if !ok {
		return current
	}
	return v != 0
}

// HandleRegUint8 serves a u8 register.
func (h *Host) HandleRegUint8(pkt *wire.Packet, reg uint16, current uint8) uint8 {
	v, ok := h.HandleRegValue(pkt, reg, "u8", uint64(current)).(uint64)
	if !ok {
		return current
	}
	return uint8(v)
}

// HandleRegInt32 serves an i32 register.
func (h *Host) HandleRegInt32(pkt *wire.Packet, reg uint16, current int32) int32 {
	v, ok := h.HandleRegValue(pkt, reg, "i32", int64(current)).(int64)
	if !ok {
		return current
	}
	return int32(v)
}

// HandleRegUint32 serves a u32 register.
func (h *Host) HandleRegUint32(pkt *wire.Packet, reg uint16, current uint32) uint32 {
	v, ok := h.HandleRegValue(pkt, reg, "u32", uint64(current)).(uint64)
	if !ok {
		return current
	}
	return uint32(v)
}

// HandleRegString serves a UTF-8 string register.
func (h *Host) HandleRegString(pkt *wire.Packet, reg uint16, current string) string {
	v, ok := h.HandleRegValue(pkt, reg, "s", current).(string)
	if !ok {
		return current
	}
	return v
}

// HandleRegBuffer serves a fixed size byte register. Writes are zero padded
// or truncated to len(current).
func (h *Host) HandleRegBuffer(pkt *wire.Packet, reg uint16, current []byte) []byte {
	if pkt.Code() != reg {
		return current
	}
	switch pkt.OpClass() {
	case wire.OpClassGet:
		h.reply(wire.NewPacket(pkt.ServiceCommand, append([]byte{}, current...)))
		return current
	case wire.OpClassSet:
		if reg >= wire.RegReadOnlyBase {
			return current
		}
		v := make([]byte, len(current))
		copy(v, pkt.Data)
		if !bytes.Equal(v, current) {
			h.StateUpdated = true
		}
		return v
	default:
		return current
	}
}
