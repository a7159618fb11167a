package pipe

import (
	"context"
	"fmt"
	"sync"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// OutPipe is the sending end of a pipe. Every frame is sent with an ack
// request; a missing ack fails that write.
type OutPipe struct {
	bus    *bus.Bus
	device wire.DeviceID

	mu      sync.Mutex
	port    uint16
	nextCnt uint16
}

// NewOutPipe returns a pipe writing to port on device.
func NewOutPipe(b *bus.Bus, device wire.DeviceID, port uint16) *OutPipe {
	return &OutPipe{bus: b, device: device, port: port}
}

// From opens an OutPipe to the endpoint named in an open command.
func From(b *bus.Bus, pkt *wire.Packet) (*OutPipe, error) {
	device, port, err := DecodeOpen(pkt.Data)
	if err != nil {
		return nil, err
	}
	return NewOutPipe(b, device, port), nil
}

// Device returns the receiving device.
func (o *OutPipe) Device() wire.DeviceID { return o.device }

// Port returns the remote port, or 0 once closed.
func (o *OutPipe) Port() uint16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.port
}

// Write sends one payload.
func (o *OutPipe) Write(ctx context.Context, data []byte) error {
	return o.write(ctx, data, 0)
}

// WriteMeta sends a metadata payload.
func (o *OutPipe) WriteMeta(ctx context.Context, data []byte) error {
	return o.write(ctx, data, MetadataMask)
}

// WriteAndClose sends a final payload and closes the pipe.
func (o *OutPipe) WriteAndClose(ctx context.Context, data []byte) error {
	return o.write(ctx, data, CloseMask)
}

// Close sends an empty close frame.
func (o *OutPipe) Close(ctx context.Context) error {
	return o.write(ctx, nil, CloseMask)
}

func (o *OutPipe) write(ctx context.Context, data []byte, flags uint16) error {
	// Frames go out in counter order.
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.port == 0 {
		return ErrClosed
	}
	pkt := wire.NewPacket(Command(o.port, o.nextCnt, flags), data)
	pkt.ServiceIndex = wire.ServiceIndexPipe
	o.nextCnt++
	if flags&CloseMask != 0 {
		o.port = 0
	}
	if err := o.bus.SendWithAck(ctx, o.device, pkt); err != nil {
		return fmt.Errorf("pipe: write: %w", err)
	}
	return nil
}

// RespondForEach opens an OutPipe from the open command pkt, writes
// encode(item) for every item and closes the pipe, all in a new goroutine.
// The returned channel receives the outcome once and is then closed.
func RespondForEach[T any](ctx context.Context, b *bus.Bus, pkt *wire.Packet, items []T, encode func(T) []byte) <-chan error {
	done := make(chan error, 1)
	out, err := From(b, pkt)
	if err != nil {
		done <- err
		close(done)
		return done
	}
	go func() {
		defer close(done)
		for _, it := range items {
			if err := out.Write(ctx, encode(it)); err != nil {
				done <- err
				return
			}
		}
		done <- out.Close(ctx)
	}()
	return done
}
