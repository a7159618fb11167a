package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jacdac-protocol/jacdac-go/pkg/log"
)

// DefaultPort is the default bridge port.
const DefaultPort = 8082

// DefaultWriteTimeout bounds a relay write to one peer.
const DefaultWriteTimeout = 2 * time.Second

// Connection errors.
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrHubRunning       = errors.New("hub already running")
)

// HubConfig configures a Hub.
type HubConfig struct {
	// Address to listen on (e.g. ":8082" or "127.0.0.1:0").
	Address string

	// MaxMessageSize is the maximum message size.
	MaxMessageSize uint32

	// WriteTimeout bounds each write to a peer. A peer that stalls past it
	// is disconnected. Defaults to DefaultWriteTimeout; negative disables.
	WriteTimeout time.Duration

	// Logger for protocol logging (optional).
	Logger log.Logger

	// OnConnect is called when a new connection is established.
	OnConnect func(conn *HubConn)

	// OnDisconnect is called when a connection is closed.
	OnDisconnect func(conn *HubConn)

	// OnFrame is called for every frame received, before it is relayed.
	OnFrame func(conn *HubConn, frame []byte)

	// OnError is called when an error occurs.
	OnError func(conn *HubConn, err error)
}

// Hub is a TCP bridge: every frame received on one connection is written
// to all other connections.
type Hub struct {
	config   HubConfig
	listener net.Listener

	conns   map[*HubConn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewHub creates a hub. It does not listen until Start.
func NewHub(config HubConfig) *Hub {
	if config.Address == "" {
		config.Address = fmt.Sprintf(":%d", DefaultPort)
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = DefaultWriteTimeout
	}
	return &Hub{
		config: config,
		conns:  make(map[*HubConn]struct{}),
	}
}

// Start starts listening and accepting connections.
func (h *Hub) Start(ctx context.Context) error {
	if h.running.Load() {
		return ErrHubRunning
	}
	h.ctx, h.cancel = context.WithCancel(ctx)

	listener, err := net.Listen("tcp", h.config.Address)
	if err != nil {
		h.cancel()
		return fmt.Errorf("failed to listen: %w", err)
	}
	h.listener = listener
	h.running.Store(true)

	h.wg.Add(1)
	go h.acceptLoop()
	return nil
}

// Stop closes the listener and all connections.
func (h *Hub) Stop() error {
	if !h.running.Swap(false) {
		return nil
	}
	h.cancel()
	if h.listener != nil {
		h.listener.Close()
	}

	h.connsMu.Lock()
	for conn := range h.conns {
		conn.Close()
	}
	h.connsMu.Unlock()

	h.wg.Wait()
	return nil
}

// Addr returns the listen address.
func (h *Hub) Addr() net.Addr {
	if h.listener != nil {
		return h.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	return len(h.conns)
}

func (h *Hub) acceptLoop() {
	defer h.wg.Done()

	for h.running.Load() {
		conn, err := h.listener.Accept()
		if err != nil {
			if h.running.Load() && h.config.OnError != nil {
				h.config.OnError(nil, fmt.Errorf("accept error: %w", err))
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		h.wg.Add(1)
		go h.handleConnection(conn)
	}
}

func (h *Hub) handleConnection(conn net.Conn) {
	defer h.wg.Done()

	connID := uuid.New().String()
	framer := NewFramerWithMaxSize(conn, h.config.MaxMessageSize)
	if h.config.Logger != nil {
		framer.SetLogger(h.config.Logger, connID)
	}
	hc := &HubConn{
		conn:       conn,
		framer:     framer,
		hub:        h,
		closeCh:    make(chan struct{}),
		remoteAddr: conn.RemoteAddr(),
		connID:     connID,
	}

	h.logState(hc, "", "CONNECTED")

	h.connsMu.Lock()
	h.conns[hc] = struct{}{}
	h.connsMu.Unlock()

	if h.config.OnConnect != nil {
		h.config.OnConnect(hc)
	}

	hc.readLoop()
	hc.Close()

	h.connsMu.Lock()
	delete(h.conns, hc)
	h.connsMu.Unlock()

	h.logState(hc, "CONNECTED", "DISCONNECTED")
	if h.config.OnDisconnect != nil {
		h.config.OnDisconnect(hc)
	}
}

// relay writes data to every connection except from. Connections that fail
// to take the frame are closed.
func (h *Hub) relay(from *HubConn, data []byte) {
	h.connsMu.RLock()
	targets := make([]*HubConn, 0, len(h.conns))
	for c := range h.conns {
		if c != from {
			targets = append(targets, c)
		}
	}
	h.connsMu.RUnlock()

	for _, c := range targets {
		if err := c.Send(data); err != nil {
			if h.config.OnError != nil {
				h.config.OnError(c, fmt.Errorf("relay: %w", err))
			}
			c.Close()
		}
	}
}

func (h *Hub) logState(c *HubConn, oldState, newState string) {
	if h.config.Logger == nil {
		return
	}
	h.config.Logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.connID,
		Layer:        log.LayerTransport,
		Category:     log.CategoryState,
		RemoteAddr:   c.remoteAddr.String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
		},
	})
}

// HubConn is one connection accepted by a Hub.
type HubConn struct {
	conn       net.Conn
	framer     *Framer
	hub        *Hub
	closeCh    chan struct{}
	closeOnce  sync.Once
	remoteAddr net.Addr
	connID     string
}

// RemoteAddr returns the remote address of the peer.
func (c *HubConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// ConnID returns the unique connection identifier.
func (c *HubConn) ConnID() string {
	return c.connID
}

// Send writes one frame to the peer.
func (c *HubConn) Send(data []byte) error {
	select {
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
	}
	if timeout := c.hub.config.WriteTimeout; timeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(timeout))
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	return c.framer.WriteFrame(data)
}

// Close closes the connection.
func (c *HubConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closeCh)
		err = c.conn.Close()
	})
	return err
}

func (c *HubConn) readLoop() {
	for {
		select {
		case <-c.closeCh:
			return
		case <-c.hub.ctx.Done():
			return
		default:
		}

		data, err := c.framer.ReadFrame()
		if err != nil {
			if c.hub.config.OnError != nil && c.hub.running.Load() && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				select {
				case <-c.closeCh:
				default:
					c.hub.config.OnError(c, err)
				}
			}
			return
		}

		if c.hub.config.OnFrame != nil {
			c.hub.config.OnFrame(c, data)
		}
		c.hub.relay(c, data)
	}
}
