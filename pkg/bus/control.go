package bus

import (
	"encoding/binary"

	"github.com/jacdac-protocol/jacdac-go/pkg/jdpack"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// flood ping payload: number of responses, start counter, response size
const floodPingFormat = "u32 u32 u8"

// ControlHost is the control service every device runs at index 0.
type ControlHost struct {
	*Host
	bus *Bus
}

func newControlHost(b *Bus) *ControlHost {
	c := &ControlHost{bus: b}
	c.Host = NewHost("control", wire.ServiceClassControl, c)
	c.raw = true
	return c
}

// HandlePacket implements PacketHandler.
func (c *ControlHost) HandlePacket(pkt *wire.Packet) {
	cfg := &c.bus.cfg
	switch pkt.ServiceCommand {
	case wire.CtrlCmdServices:
		c.bus.Announce()
	case wire.CtrlCmdNoop:
	case wire.CtrlCmdIdentify:
		c.bus.logger.Info("identify requested")
		if cfg.OnIdentify != nil {
			go cfg.OnIdentify()
		}
	case wire.CtrlCmdReset:
		c.bus.logger.Info("reset requested")
		if cfg.OnReset != nil {
			cfg.OnReset()
		}
	case wire.CtrlCmdFloodPing:
		c.floodPing(pkt)
	case wire.GetRegister(wire.RegStatusCode):
		data := make([]byte, 4)
		binary.LittleEndian.PutUint32(data, c.StatusCode())
		c.reply(wire.NewPacket(pkt.ServiceCommand, data))
	case wire.GetRegister(wire.CtrlRegDeviceDescription):
		c.reply(wire.NewPacket(pkt.ServiceCommand, []byte(cfg.Description)))
	case wire.GetRegister(wire.CtrlRegFirmwareVersion):
		c.reply(wire.NewPacket(pkt.ServiceCommand, []byte(cfg.FirmwareVersion)))
	case wire.GetRegister(wire.CtrlRegUptime):
		data := make([]byte, 8)
		binary.LittleEndian.PutUint64(data, uint64(c.bus.clock.Since(c.bus.started).Microseconds()))
		c.reply(wire.NewPacket(pkt.ServiceCommand, data))
	default:
		c.bus.logger.Debug("control command not handled", "cmd", pkt.ServiceCommand)
	}
}

// floodPing answers with the requested number of counter reports.
func (c *ControlHost) floodPing(pkt *wire.Packet) {
	v, err := jdpack.Unpack(pkt.Data, floodPingFormat)
	if err != nil {
		return
	}
	num, _ := v[0].(uint64)
	counter, _ := v[1].(uint64)
	size, _ := v[2].(uint64)
	if size < 4 {
		size = 4
	}
	if size > wire.MaxPacketData {
		size = wire.MaxPacketData
	}
	go func() {
		for i := uint64(0); i < num; i++ {
			data := make([]byte, size)
			for j := range data {
				data[j] = byte(j)
			}
			binary.LittleEndian.PutUint32(data, uint32(counter+i))
			if err := c.SendReport(wire.NewPacket(wire.CtrlCmdFloodPing, data)); err != nil {
				return
			}
		}
	}()
}
