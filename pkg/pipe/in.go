package pipe

import (
	"context"
	"io"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/log"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// Manager dispatches pipe frames addressed to the local device to the
// InPipe holding the frame's port.
type Manager struct {
	bus *bus.Bus

	mu    sync.Mutex
	pipes map[uint16]*InPipe
	// randPort is replaced in tests.
	randPort func() uint16
}

// NewManager creates a manager and registers it as a raw packet observer of
// b.
func NewManager(b *bus.Bus) *Manager {
	m := &Manager{
		bus:      b,
		pipes:    make(map[uint16]*InPipe),
		randPort: func() uint16 { return uint16(1 + rand.IntN(MaxPort)) },
	}
	b.OnRawPacket(m.handlePacket)
	return m
}

// Open allocates an unused random port and returns the pipe listening on
// it.
func (m *Manager) Open() (*InPipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pipes) >= MaxPort {
		return nil, ErrNoPort
	}
	port := m.randPort()
	for m.pipes[port] != nil {
		port = m.randPort()
	}
	p := &InPipe{
		m:      m,
		port:   port,
		notify: make(chan struct{}, 1),
	}
	m.pipes[port] = p
	m.logState(port, "", "open")
	return p, nil
}

// Len returns the number of open InPipes.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pipes)
}

func (m *Manager) handlePacket(pkt *wire.Packet) {
	if pkt.ServiceIndex != wire.ServiceIndexPipe || pkt.DeviceID != m.bus.SelfID() || !pkt.IsCommand() {
		return
	}
	m.mu.Lock()
	p := m.pipes[Port(pkt.ServiceCommand)]
	m.mu.Unlock()
	if p != nil {
		p.handle(pkt)
	}
}

func (m *Manager) remove(port uint16) {
	m.mu.Lock()
	delete(m.pipes, port)
	m.mu.Unlock()
	m.logState(port, "open", "closed")
}

func (m *Manager) logState(port uint16, oldState, newState string) {
	m.bus.ProtocolLogger().Log(log.Event{
		Timestamp:   m.bus.Clock().Now(),
		Layer:       log.LayerService,
		Category:    log.CategoryState,
		LocalDevice: m.bus.SelfID().String(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityPipe,
			Name:     strconv.Itoa(int(port)),
			OldState: oldState,
			NewState: newState,
		},
	})
}

// InPipe is the receiving end of a pipe.
type InPipe struct {
	m      *Manager
	port   uint16
	notify chan struct{}

	mu      sync.Mutex
	nextCnt uint16
	closed  bool
	queue   [][]byte
	onMeta  func([]byte)
}

// Port returns the local port.
func (p *InPipe) Port() uint16 { return p.port }

// OpenCommand returns a command packet whose payload names this pipe, for
// the peer to open an OutPipe from.
func (p *InPipe) OpenCommand(cmd uint16) *wire.Packet {
	return wire.NewPacket(cmd, EncodeOpen(p.m.bus.SelfID(), p.port))
}

// OnMeta registers fn to receive metadata frames.
func (p *InPipe) OnMeta(fn func([]byte)) {
	p.mu.Lock()
	p.onMeta = fn
	p.mu.Unlock()
}

// BytesAvailable returns the number of queued payload bytes.
func (p *InPipe) BytesAvailable() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.queue {
		n += len(b)
	}
	return n
}

// Closed reports whether the pipe received a close frame or was closed
// locally.
func (p *InPipe) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Read returns the next queued payload. It blocks until data arrives and
// returns io.EOF once the pipe is closed and drained.
func (p *InPipe) Read(ctx context.Context) ([]byte, error) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			b := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return b, nil
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, io.EOF
		}

		select {
		case <-p.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ReadList reads until end of stream, skipping empty payloads.
func (p *InPipe) ReadList(ctx context.Context) ([][]byte, error) {
	var out [][]byte
	for {
		b, err := p.Read(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if len(b) > 0 {
			out = append(out, b)
		}
	}
}

// Close releases the port and discards queued data.
func (p *InPipe) Close() {
	p.mu.Lock()
	wasClosed := p.closed
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	if !wasClosed {
		p.m.remove(p.port)
	}
	p.wake()
}

func (p *InPipe) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *InPipe) handle(pkt *wire.Packet) {
	cmd := pkt.ServiceCommand

	p.mu.Lock()
	if p.closed || cmd&CounterMask != p.nextCnt&CounterMask {
		p.mu.Unlock()
		return
	}
	p.nextCnt++
	closing := cmd&CloseMask != 0
	if closing {
		p.closed = true
	}
	var meta func([]byte)
	switch {
	case cmd&MetadataMask != 0:
		meta = p.onMeta
	case closing && len(pkt.Data) == 0:
	default:
		p.queue = append(p.queue, pkt.Data)
	}
	p.mu.Unlock()

	if meta != nil {
		meta(pkt.Data)
	}
	if closing {
		p.m.remove(p.port)
	}
	p.wake()
}
