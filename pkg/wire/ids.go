package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// DeviceIDSize is the size of a device identifier in bytes.
const DeviceIDSize = 8

// ErrInvalidDeviceID indicates a malformed textual device identifier.
var ErrInvalidDeviceID = errors.New("invalid device id")

// DeviceID is the 64-bit identifier of a device on the bus, kept in wire
// byte order.
type DeviceID [DeviceIDSize]byte

// ParseDeviceID parses the 16 hex character form produced by String.
func ParseDeviceID(s string) (DeviceID, error) {
	var id DeviceID
	if len(s) != 2*DeviceIDSize {
		return id, fmt.Errorf("%w: %q", ErrInvalidDeviceID, s)
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return id, fmt.Errorf("%w: %q: %v", ErrInvalidDeviceID, s, err)
	}
	return id, nil
}

// DeviceIDFromBytes copies the first 8 bytes of b into a DeviceID.
func DeviceIDFromBytes(b []byte) (DeviceID, error) {
	var id DeviceID
	if len(b) < DeviceIDSize {
		return id, fmt.Errorf("%w: %d bytes", ErrInvalidDeviceID, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// MulticastID returns the identifier used for commands addressed to every
// service of the given class.
func MulticastID(serviceClass uint32) DeviceID {
	var id DeviceID
	binary.LittleEndian.PutUint32(id[:4], serviceClass)
	return id
}

// String returns the lowercase hex form of the identifier.
func (d DeviceID) String() string {
	return hex.EncodeToString(d[:])
}

// Compare orders identifiers the same way their String forms sort.
func (d DeviceID) Compare(o DeviceID) int {
	return bytes.Compare(d[:], o[:])
}

// IsZero reports whether the identifier is all zeros.
func (d DeviceID) IsZero() bool {
	return d == DeviceID{}
}
