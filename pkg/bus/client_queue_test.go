package bus

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

type discardTransport struct{}

func (discardTransport) Send(*wire.Frame) error { return nil }

func (discardTransport) Receive(ctx context.Context) (*wire.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newQueueBus(t *testing.T) *Bus {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DeviceID = wire.DeviceID{1, 2, 3, 4, 5, 6, 7, 8}
	cfg.Clock = clock.NewMock()
	b, err := New(discardTransport{}, cfg)
	require.NoError(t, err)
	return b
}

func announceFrom(id wire.DeviceID, class uint32) *wire.Packet {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, 1|wire.AnnounceSupportsACK)
	binary.LittleEndian.PutUint32(data[4:], class)
	return &wire.Packet{DeviceID: id, ServiceCommand: wire.CmdAnnounce, Data: data}
}

func pendingLen(c *Client) int {
	c.config.mu.Lock()
	defer c.config.mu.Unlock()
	return len(c.config.pending)
}

func TestConfigQueueKeepsLastWritePerRegister(t *testing.T) {
	b := newQueueBus(t)
	c := NewClient(0x1421bac7, "", nil)
	c.Start(b)
	b.Route(announceFrom(wire.DeviceID{0xa1, 0, 0, 0, 0, 0, 0, 1}, 0x1421bac7))
	require.True(t, c.Attached())

	for i := 0; i < 10000; i++ {
		require.NoError(t, c.SetRegInt(0x80, int32(i)))
	}
	require.Equal(t, 1, pendingLen(c))
	assert.Equal(t, int32(9999), int32(binary.LittleEndian.Uint32(c.config.pending[0].Data)))

	require.NoError(t, c.SetRegInt(0x81, 1))
	assert.Equal(t, 2, pendingLen(c))
}

func TestConfigQueueUnattachedCommandsReplaced(t *testing.T) {
	b := newQueueBus(t)
	c := NewClient(0x1421bac7, "", nil)
	c.Start(b)

	for i := 0; i < 5; i++ {
		require.NoError(t, c.SendCommand(wire.OnlyHeader(wire.CmdCalibrate)))
	}
	assert.Equal(t, 1, pendingLen(c))
}

// refresher re-asserts one register after every local announce.
type refresher struct{ c *Client }

func (r *refresher) HandlePacket(*wire.Packet) {}

func (r *refresher) OnAnnounce() { _ = r.c.SetRegInt(0x80, 1) }

func TestConfigQueueStableAcrossAnnounces(t *testing.T) {
	b := newQueueBus(t)
	r := &refresher{}
	c := NewClient(0x1421bac7, "", r)
	r.c = c
	c.Start(b)

	remote := wire.DeviceID{0xa1, 0, 0, 0, 0, 0, 0, 1}
	for i := 0; i < 1000; i++ {
		b.Route(announceFrom(remote, 0x1421bac7))
		b.Announce()
	}
	require.True(t, c.Attached())
	assert.Equal(t, 1, pendingLen(c))
}
