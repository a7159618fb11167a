package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

type ackKey struct {
	device wire.DeviceID
	crc    uint16
}

// ackWaiter tracks frames waiting for a CRC acknowledgment.
type ackWaiter struct {
	mu      sync.Mutex
	pending map[ackKey][]chan struct{}
}

func (a *ackWaiter) add(k ackKey) chan struct{} {
	ch := make(chan struct{})
	a.mu.Lock()
	a.pending[k] = append(a.pending[k], ch)
	a.mu.Unlock()
	return ch
}

func (a *ackWaiter) remove(k ackKey, ch chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	list := a.pending[k]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(a.pending, k)
	} else {
		a.pending[k] = list
	}
}

// resolve wakes every waiter for (device, crc).
func (a *ackWaiter) resolve(device wire.DeviceID, crc uint16) bool {
	k := ackKey{device: device, crc: crc}
	a.mu.Lock()
	list := a.pending[k]
	delete(a.pending, k)
	a.mu.Unlock()
	for _, ch := range list {
		close(ch)
	}
	return len(list) > 0
}

// SendWithAck sends pkt as an ack-requested command to device and waits
// until the device acknowledges the frame CRC. It returns ErrNoAck when
// the ack timeout passes first.
func (b *Bus) SendWithAck(ctx context.Context, device wire.DeviceID, pkt *wire.Packet) error {
	pkt.DeviceID = device
	pkt.Flags = wire.FlagCommand | wire.FlagAckRequested
	f := wire.NewFrame(pkt)
	if _, err := f.MarshalBinary(); err != nil {
		return fmt.Errorf("bus: encode frame: %w", err)
	}

	k := ackKey{device: device, crc: f.CRC}
	ch := b.acks.add(k)
	defer b.acks.remove(k, ch)

	if err := b.SendFrame(f); err != nil {
		return err
	}

	timer := b.clock.Timer(b.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		b.recorder.AckTimeout()
		return fmt.Errorf("%w: %s crc 0x%04x", ErrNoAck, device, f.CRC)
	case <-ctx.Done():
		return ctx.Err()
	}
}
