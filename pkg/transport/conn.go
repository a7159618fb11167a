package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/log"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// ConnConfig configures a Conn.
type ConnConfig struct {
	// MaxMessageSize is the maximum message size.
	MaxMessageSize uint32

	// ConnectTimeout bounds Dial when ctx has no deadline (default: 10s).
	ConnectTimeout time.Duration

	// Clock stamps received frames. Defaults to the wall clock.
	Clock clock.Clock

	// Logger receives operational messages. Defaults to slog.Default().
	Logger *slog.Logger

	// ProtocolLogger traces raw frames (optional).
	ProtocolLogger log.Logger
}

// DefaultConnectTimeout is used when ConnConfig.ConnectTimeout is zero.
const DefaultConnectTimeout = 10 * time.Second

func (c *ConnConfig) applyDefaults() {
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Conn is a framed connection to a Hub. It implements bus.Transport.
// Frames that fail to decode or carry a bad CRC are dropped.
type Conn struct {
	conn   net.Conn
	framer *Framer
	config ConnConfig
	connID string

	frames    chan *wire.Frame
	closeCh   chan struct{}
	closeOnce sync.Once
	readErr   atomic.Pointer[error]
	dropped   atomic.Uint64
}

// Dial connects to a hub at address.
func Dial(ctx context.Context, address string, config ConnConfig) (*Conn, error) {
	config.applyDefaults()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}

	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	return NewConn(conn, config), nil
}

// NewConn wraps an established connection and starts its reader.
func NewConn(conn net.Conn, config ConnConfig) *Conn {
	config.applyDefaults()
	c := &Conn{
		conn:    conn,
		framer:  NewFramerWithMaxSize(conn, config.MaxMessageSize),
		config:  config,
		connID:  uuid.New().String(),
		frames:  make(chan *wire.Frame, 64),
		closeCh: make(chan struct{}),
	}
	if config.ProtocolLogger != nil {
		c.framer.SetLogger(config.ProtocolLogger, c.connID)
	}
	go c.readLoop()
	return c
}

// ConnID returns the connection identifier used in protocol logs.
func (c *Conn) ConnID() string { return c.connID }

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Dropped returns the number of undecodable frames received.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// Send implements bus.Transport.
func (c *Conn) Send(f *wire.Frame) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}
	data, err := f.MarshalBinary()
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	return c.framer.WriteFrame(data)
}

// Receive implements bus.Transport.
func (c *Conn) Receive(ctx context.Context) (*wire.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closeCh:
		// Drain frames read before the close.
		select {
		case f := <-c.frames:
			return f, nil
		default:
		}
		if errp := c.readErr.Load(); errp != nil {
			return nil, fmt.Errorf("%w: %w", ErrConnectionClosed, *errp)
		}
		return nil, ErrConnectionClosed
	}
}

// Close closes the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer c.Close()
	for {
		data, err := c.framer.ReadFrame()
		if err != nil {
			select {
			case <-c.closeCh:
			default:
				c.readErr.Store(&err)
			}
			return
		}

		f := &wire.Frame{}
		if err := f.UnmarshalBinary(data); err != nil {
			c.dropped.Add(1)
			c.config.Logger.Debug("frame dropped", "conn", c.connID, "error", err)
			continue
		}
		f.Timestamp = c.config.Clock.Now()

		select {
		case c.frames <- f:
		case <-c.closeCh:
			return
		}
	}
}

var _ bus.Transport = (*Conn)(nil)
