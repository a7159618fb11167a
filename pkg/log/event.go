package log

import (
	"time"
)

// Event represents a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the transport connection (UUID), if any.
	ConnectionID string `cbor:"2,keyasint,omitempty"`

	// Direction indicates packet flow relative to the local node.
	Direction Direction `cbor:"3,keyasint"`

	// Layer where the event was captured.
	Layer Layer `cbor:"4,keyasint"`

	// Category classifies the event type.
	Category Category `cbor:"5,keyasint"`

	// LocalDevice is the identifier of the logging node.
	LocalDevice string `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (IP:port) for transport events.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// DeviceID is the device the event concerns (packet source or target).
	DeviceID string `cbor:"8,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Packet      *PacketEvent      `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of packet flow.
type Direction uint8

const (
	// DirectionIn indicates an incoming packet.
	DirectionIn Direction = 0
	// DirectionOut indicates an outgoing packet.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the framing layer (raw bytes).
	LayerTransport Layer = 0
	// LayerBus is the router (decoded packets).
	LayerBus Layer = 1
	// LayerService is the host/client/role layer.
	LayerService Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerBus:
		return "BUS"
	case LayerService:
		return "SERVICE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryPacket indicates a frame or packet.
	CategoryPacket Category = 0
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryPacket:
		return "PACKET"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including any length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// PacketEvent captures a packet as seen by the router.
type PacketEvent struct {
	ServiceIndex   uint8  `cbor:"1,keyasint"`
	ServiceCommand uint16 `cbor:"2,keyasint"`
	Flags          uint8  `cbor:"3,keyasint,omitempty"`
	CRC            uint16 `cbor:"4,keyasint,omitempty"`

	// ServiceClass is the class at the addressed index, when known.
	ServiceClass uint32 `cbor:"5,keyasint,omitempty"`

	Data []byte `cbor:"6,keyasint,omitempty"`

	// Dropped holds the reason a packet was not delivered.
	Dropped string `cbor:"7,keyasint,omitempty"`
}

// StateChangeEvent captures lifecycle changes of bus entities.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// Name identifies the entity (client name, "idx" of a service, pipe port).
	Name string `cbor:"5,keyasint,omitempty"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a transport connection.
	StateEntityConnection StateEntity = 0
	// StateEntityDevice indicates a remote device in the registry.
	StateEntityDevice StateEntity = 1
	// StateEntityClient indicates a client attachment.
	StateEntityClient StateEntity = 2
	// StateEntityPipe indicates a pipe.
	StateEntityPipe StateEntity = 3
	// StateEntityRole indicates a role assignment.
	StateEntityRole StateEntity = 4
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityDevice:
		return "DEVICE"
	case StateEntityClient:
		return "CLIENT"
	case StateEntityPipe:
		return "PIPE"
	case StateEntityRole:
		return "ROLE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}
