package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// FrameHeaderSize is the size of the frame header preceding the packets.
const FrameHeaderSize = 12

// Frame errors.
var (
	// ErrFrameTooShort indicates fewer bytes than the header or the declared
	// size.
	ErrFrameTooShort = errors.New("frame too short")

	// ErrCRCMismatch indicates a frame whose CRC does not match its content.
	ErrCRCMismatch = errors.New("frame crc mismatch")

	// ErrPacketTruncated indicates a packet extending past the frame data.
	ErrPacketTruncated = errors.New("packet truncated")

	// ErrFrameFull indicates a packet that does not fit into the frame.
	ErrFrameFull = errors.New("frame full")

	// ErrFrameEmpty indicates a frame without packets.
	ErrFrameEmpty = errors.New("frame has no packets")
)

// Frame is the unit exchanged with the transport: a device id, flags and one
// or more packets sharing them.
type Frame struct {
	DeviceID  DeviceID
	Flags     uint8
	CRC       uint16
	Packets   []*Packet
	Timestamp time.Time
}

// NewFrame returns a frame holding p, taking the device id and flags from it.
func NewFrame(p *Packet) *Frame {
	return &Frame{
		DeviceID: p.DeviceID,
		Flags:    p.Flags,
		Packets:  []*Packet{p},
	}
}

// DataSize returns the size of the frame's data section.
func (f *Frame) DataSize() int {
	n := 0
	for _, p := range f.Packets {
		n += paddedSize(len(p.Data))
	}
	return n
}

// Add appends p to the frame. Only the service index, command and data of p
// are carried.
func (f *Frame) Add(p *Packet) error {
	if len(p.Data) > MaxPacketData {
		return fmt.Errorf("%w: packet data %d > %d", ErrFrameFull, len(p.Data), MaxPacketData)
	}
	if f.DataSize()+paddedSize(len(p.Data)) > MaxFrameData {
		return ErrFrameFull
	}
	f.Packets = append(f.Packets, p)
	return nil
}

// MarshalBinary encodes the frame and stores the computed CRC in f.CRC.
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.Packets) == 0 {
		return nil, ErrFrameEmpty
	}
	size := f.DataSize()
	if size > MaxFrameData {
		return nil, fmt.Errorf("%w: data %d > %d", ErrFrameFull, size, MaxFrameData)
	}

	buf := make([]byte, FrameHeaderSize+size)
	buf[2] = byte(size)
	buf[3] = f.Flags
	copy(buf[4:12], f.DeviceID[:])

	off := FrameHeaderSize
	for _, p := range f.Packets {
		if len(p.Data) > MaxPacketData {
			return nil, fmt.Errorf("%w: packet data %d > %d", ErrFrameFull, len(p.Data), MaxPacketData)
		}
		buf[off] = byte(len(p.Data))
		buf[off+1] = p.ServiceIndex
		binary.LittleEndian.PutUint16(buf[off+2:], p.ServiceCommand)
		copy(buf[off+PacketHeaderSize:], p.Data)
		off += paddedSize(len(p.Data))
	}

	f.CRC = CRC16(buf[2:])
	binary.LittleEndian.PutUint16(buf[0:2], f.CRC)
	return buf, nil
}

// UnmarshalBinary decodes a frame, verifying its CRC. Bytes past the declared
// size are ignored.
func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) < FrameHeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(b))
	}
	size := int(b[2])
	end := FrameHeaderSize + size
	if len(b) < end {
		return fmt.Errorf("%w: have %d, header declares %d", ErrFrameTooShort, len(b), end)
	}
	crc := binary.LittleEndian.Uint16(b[0:2])
	if got := CRC16(b[2:end]); got != crc {
		return fmt.Errorf("%w: got 0x%04x, header 0x%04x", ErrCRCMismatch, got, crc)
	}

	f.CRC = crc
	f.Flags = b[3]
	copy(f.DeviceID[:], b[4:12])
	f.Packets = f.Packets[:0]

	off := FrameHeaderSize
	for off < end {
		if off+PacketHeaderSize > end {
			return fmt.Errorf("%w: header at %d", ErrPacketTruncated, off)
		}
		psz := int(b[off])
		if off+PacketHeaderSize+psz > end {
			return fmt.Errorf("%w: %d bytes at %d", ErrPacketTruncated, psz, off)
		}
		data := make([]byte, psz)
		copy(data, b[off+PacketHeaderSize:])
		f.Packets = append(f.Packets, &Packet{
			ServiceIndex:   b[off+1],
			ServiceCommand: binary.LittleEndian.Uint16(b[off+2:]),
			Data:           data,
		})
		off += paddedSize(psz)
	}
	if len(f.Packets) == 0 {
		return ErrFrameEmpty
	}
	return nil
}

// Split returns the frame's packets with the frame's device id, flags, CRC
// and timestamp filled in.
func (f *Frame) Split() []*Packet {
	out := make([]*Packet, 0, len(f.Packets))
	for _, p := range f.Packets {
		c := p.Clone()
		c.DeviceID = f.DeviceID
		c.Flags = f.Flags
		c.CRC = f.CRC
		c.Timestamp = f.Timestamp
		out = append(out, c)
	}
	return out
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Packets = make([]*Packet, len(f.Packets))
	for i, p := range f.Packets {
		c.Packets[i] = p.Clone()
	}
	return &c
}

func paddedSize(dataLen int) int {
	return (PacketHeaderSize + dataLen + 3) &^ 3
}

// CRC16 computes the CRC-16-CCITT (polynomial 0x1021, initial 0xffff) of b.
func CRC16(b []byte) uint16 {
	crc := uint16(0xffff)
	for _, c := range b {
		x := byte(crc>>8) ^ c
		x ^= x >> 4
		crc = (crc << 8) ^ (uint16(x) << 12) ^ (uint16(x) << 5) ^ uint16(x)
	}
	return crc
}
