package transport

import (
	"context"
	"io"
	"net"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
)

// Bridge represents a frame relay server.
// Implemented by Hub.
type Bridge interface {
	// Start begins accepting connections.
	Start(ctx context.Context) error

	// Stop gracefully stops the server.
	Stop() error

	// Addr returns the listen address.
	Addr() net.Addr

	// ConnectionCount returns the number of active connections.
	ConnectionCount() int
}

// FrameReadWriter provides length-prefixed frame I/O.
// Implemented by Framer.
type FrameReadWriter interface {
	// ReadFrame reads a length-prefixed frame.
	ReadFrame() ([]byte, error)

	// WriteFrame writes a length-prefixed frame.
	WriteFrame(data []byte) error
}

// ClosableTransport is a bus transport that owns a resource.
type ClosableTransport interface {
	bus.Transport
	io.Closer
}

// Compile-time interface satisfaction checks.
var (
	_ Bridge            = (*Hub)(nil)
	_ FrameReadWriter   = (*Framer)(nil)
	_ ClosableTransport = (*Conn)(nil)
	_ ClosableTransport = (*Port)(nil)
)
