package wire

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Payload limits.
const (
	// MaxFrameData is the largest data section a frame may carry.
	MaxFrameData = 236

	// PacketHeaderSize is the per-packet header inside a frame.
	PacketHeaderSize = 4

	// MaxPacketData is the largest payload of a single packet.
	MaxPacketData = MaxFrameData - PacketHeaderSize
)

// Packet is one addressed service message. Packets arrive inside frames and
// carry the frame's device id, flags, CRC and receive timestamp.
type Packet struct {
	// DeviceID is the source of a report or the target of a command. For
	// multicast commands the low 4 bytes hold the service class.
	DeviceID DeviceID

	ServiceIndex   uint8
	ServiceCommand uint16
	Data           []byte

	// Flags are the frame flags (FlagCommand, FlagAckRequested,
	// FlagIdentifierIsServiceClass).
	Flags uint8

	// CRC is the CRC of the enclosing frame, used as the ack token.
	CRC uint16

	// Timestamp is when the enclosing frame was received.
	Timestamp time.Time
}

// NewPacket returns a report packet with the given command and payload.
func NewPacket(cmd uint16, data []byte) *Packet {
	return &Packet{ServiceCommand: cmd, Data: data}
}

// OnlyHeader returns a packet with an empty payload.
func OnlyHeader(cmd uint16) *Packet {
	return &Packet{ServiceCommand: cmd}
}

// IsCommand reports whether the packet travels towards the addressed device.
func (p *Packet) IsCommand() bool { return p.Flags&FlagCommand != 0 }

// IsReport reports whether the packet originates from the addressed device.
func (p *Packet) IsReport() bool { return !p.IsCommand() }

// RequiresAck reports whether the sender asked for an acknowledgment.
func (p *Packet) RequiresAck() bool { return p.Flags&FlagAckRequested != 0 }

// IsMulticast reports whether the packet targets a service class instead of a
// device.
func (p *Packet) IsMulticast() bool { return p.Flags&FlagIdentifierIsServiceClass != 0 }

// MulticastClass returns the targeted service class of a multicast command.
func (p *Packet) MulticastClass() uint32 {
	return binary.LittleEndian.Uint32(p.DeviceID[:4])
}

// OpClass returns the top nibble of the service command.
func (p *Packet) OpClass() uint8 { return uint8(p.ServiceCommand >> 12) }

// Code returns the low 12 bits of the service command.
func (p *Packet) Code() uint16 { return p.ServiceCommand & CmdCodeMask }

// IsRegGet reports whether the packet is a register get (or its reply).
func (p *Packet) IsRegGet() bool { return p.OpClass() == OpClassGet }

// IsRegSet reports whether the packet is a register set.
func (p *Packet) IsRegSet() bool { return p.OpClass() == OpClassSet }

// IsEvent reports whether the packet is an event report.
func (p *Packet) IsEvent() bool { return p.IsReport() && p.ServiceCommand == CmdEvent }

// Event decodes the event code and optional argument of an event report.
// ok is false when the payload is too short to hold a code.
func (p *Packet) Event() (code uint32, arg int32, hasArg bool, ok bool) {
	if len(p.Data) < 4 {
		return 0, 0, false, false
	}
	code = binary.LittleEndian.Uint32(p.Data)
	if len(p.Data) >= 8 {
		arg = int32(binary.LittleEndian.Uint32(p.Data[4:]))
		hasArg = true
	}
	return code, arg, hasArg, true
}

// Uint32 returns the payload as a little-endian u32, or 0 if too short.
func (p *Packet) Uint32() uint32 {
	if len(p.Data) < 4 {
		return 0
	}
	return binary.LittleEndian.Uint32(p.Data)
}

// Clone returns a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	c := *p
	if p.Data != nil {
		c.Data = append([]byte(nil), p.Data...)
	}
	return &c
}

// String renders the packet for logs, e.g. "a1b2c3d4e5f6a7b8/2[C] 0x2003 0a00".
func (p *Packet) String() string {
	var flags strings.Builder
	if p.IsCommand() {
		flags.WriteByte('C')
	}
	if p.RequiresAck() {
		flags.WriteByte('A')
	}
	if p.IsMulticast() {
		flags.WriteByte('M')
	}
	return fmt.Sprintf("%s/%d[%s] 0x%04x %s", p.DeviceID, p.ServiceIndex, flags.String(),
		p.ServiceCommand, hex.EncodeToString(p.Data))
}
