package bus

import (
	"context"

	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// Transport moves whole frames between the bus and the wire.
type Transport interface {
	// Send transmits one frame. Frames are sent one at a time.
	Send(f *wire.Frame) error

	// Receive blocks until a CRC-valid frame arrives. Implementations set
	// the frame's receive timestamp.
	Receive(ctx context.Context) (*wire.Frame, error)
}
