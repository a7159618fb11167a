package pipe

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// Service command layout of pipe frames.
const (
	PortShift    = 7
	CounterMask  = 0x001f
	CloseMask    = 0x0020
	MetadataMask = 0x0040

	// MaxPort is the highest port an InPipe may hold.
	MaxPort = 0x1ff
)

// OpenPayloadSize is the size of the payload naming a pipe endpoint.
const OpenPayloadSize = 12

var (
	// ErrClosed is returned when writing to a closed OutPipe or opening
	// pipes on a closed manager.
	ErrClosed = errors.New("pipe: closed")

	// ErrNoPort is returned when every port is in use.
	ErrNoPort = errors.New("pipe: no free port")

	// ErrInvalidOpen is returned for malformed open payloads.
	ErrInvalidOpen = errors.New("pipe: invalid open command")
)

// Command returns the service command of a pipe frame.
func Command(port, counter uint16, flags uint16) uint16 {
	return counter&CounterMask | port<<PortShift | flags
}

// Port extracts the port of a pipe service command.
func Port(cmd uint16) uint16 { return cmd >> PortShift }

// EncodeOpen returns the open payload naming (device, port).
func EncodeOpen(device wire.DeviceID, port uint16) []byte {
	b := make([]byte, OpenPayloadSize)
	copy(b, device[:])
	binary.LittleEndian.PutUint16(b[8:], port)
	return b
}

// DecodeOpen parses an open payload.
func DecodeOpen(data []byte) (wire.DeviceID, uint16, error) {
	if len(data) < 10 {
		return wire.DeviceID{}, 0, fmt.Errorf("%w: %d bytes", ErrInvalidOpen, len(data))
	}
	id, err := wire.DeviceIDFromBytes(data[:8])
	if err != nil {
		return wire.DeviceID{}, 0, err
	}
	port := binary.LittleEndian.Uint16(data[8:])
	if port == 0 || port > MaxPort {
		return wire.DeviceID{}, 0, fmt.Errorf("%w: port %d", ErrInvalidOpen, port)
	}
	return id, port, nil
}
