package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// portQueueSize bounds the frames buffered per port.
const portQueueSize = 256

// Wire is an in-memory bus: a frame sent on one Port is delivered to every
// other Port. Frames are encoded and decoded on the way, so CRCs and size
// limits apply as on a real wire.
type Wire struct {
	clock clock.Clock

	mu    sync.RWMutex
	ports map[*Port]struct{}
}

// NewWire returns an empty wire stamping frames with clk, or the wall clock
// when clk is nil.
func NewWire(clk clock.Clock) *Wire {
	if clk == nil {
		clk = clock.New()
	}
	return &Wire{clock: clk, ports: make(map[*Port]struct{})}
}

// Port attaches a new port.
func (w *Wire) Port() *Port {
	p := &Port{
		wire:   w,
		frames: make(chan *wire.Frame, portQueueSize),
		closed: make(chan struct{}),
	}
	w.mu.Lock()
	w.ports[p] = struct{}{}
	w.mu.Unlock()
	return p
}

// Len returns the number of attached ports.
func (w *Wire) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.ports)
}

func (w *Wire) deliver(from *Port, data []byte) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	now := w.clock.Now()
	for p := range w.ports {
		if p == from {
			continue
		}
		f := &wire.Frame{}
		if err := f.UnmarshalBinary(data); err != nil {
			p.dropped.Add(1)
			continue
		}
		f.Timestamp = now
		select {
		case p.frames <- f:
		default:
			p.dropped.Add(1)
		}
	}
}

// Port is one attachment to a Wire. It implements bus.Transport.
type Port struct {
	wire      *Wire
	frames    chan *wire.Frame
	closed    chan struct{}
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// Send implements bus.Transport.
func (p *Port) Send(f *wire.Frame) error {
	select {
	case <-p.closed:
		return ErrConnectionClosed
	default:
	}
	data, err := f.MarshalBinary()
	if err != nil {
		return fmt.Errorf("transport: encode frame: %w", err)
	}
	p.wire.deliver(p, data)
	return nil
}

// Receive implements bus.Transport.
func (p *Port) Receive(ctx context.Context) (*wire.Frame, error) {
	select {
	case f := <-p.frames:
		return f, nil
	case <-p.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns the number of frames lost to a full queue.
func (p *Port) Dropped() uint64 { return p.dropped.Load() }

// Close detaches the port from its wire.
func (p *Port) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)
		p.wire.mu.Lock()
		delete(p.wire.ports, p)
		p.wire.mu.Unlock()
	})
	return nil
}

var _ bus.Transport = (*Port)(nil)
