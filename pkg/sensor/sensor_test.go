package sensor

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

const classTemp uint32 = 0x1421bac7

var (
	selfID   = wire.DeviceID{1, 2, 3, 4, 5, 6, 7, 8}
	remoteID = wire.DeviceID{0xa1, 0, 0, 0, 0, 0, 0, 1}
)

type capture struct {
	mu   sync.Mutex
	pkts []*wire.Packet
}

func (c *capture) Send(f *wire.Frame) error {
	c.mu.Lock()
	c.pkts = append(c.pkts, f.Clone().Split()...)
	c.mu.Unlock()
	return nil
}

func (c *capture) Receive(ctx context.Context) (*wire.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *capture) with(cmd uint16) []*wire.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*wire.Packet
	for _, p := range c.pkts {
		if p.ServiceCommand == cmd {
			out = append(out, p)
		}
	}
	return out
}

func (c *capture) reset() {
	c.mu.Lock()
	c.pkts = nil
	c.mu.Unlock()
}

func newBus(t *testing.T) (*bus.Bus, *capture, *clock.Mock) {
	t.Helper()
	tr := &capture{}
	mock := clock.NewMock()
	cfg := bus.DefaultConfig()
	cfg.DeviceID = selfID
	cfg.Clock = mock
	b, err := bus.New(tr, cfg)
	require.NoError(t, err)
	return b, tr, mock
}

type thermometer struct {
	value       atomic.Int32
	calibrated  atomic.Bool
	customCalls atomic.Int32
}

func (th *thermometer) Sample() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, uint32(th.value.Load()))
	return buf
}

func (th *thermometer) Calibrate() { th.calibrated.Store(true) }

func (th *thermometer) HandlePacket(*wire.Packet) { th.customCalls.Add(1) }

func command(h *Host, cmd uint16, data []byte) *wire.Packet {
	return &wire.Packet{
		DeviceID:       selfID,
		ServiceIndex:   h.ServiceIndex(),
		ServiceCommand: cmd,
		Data:           data,
		Flags:          wire.FlagCommand,
	}
}

func u32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return buf
}

func TestHostStreamsRequestedSamples(t *testing.T) {
	b, tr, mock := newBus(t)
	th := &thermometer{}
	th.value.Store(21)
	h := NewHost("temp", classTemp, th)
	h.Start(b)
	reading := wire.GetRegister(wire.RegReading)

	b.Route(command(h, wire.SetRegister(wire.RegStreamingSamples), []byte{3}))
	assert.True(t, h.Streaming())
	require.Eventually(t, func() bool { return len(tr.with(reading)) == 1 }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		mock.Add(DefaultStreamingInterval)
		return !h.Streaming()
	}, time.Second, time.Millisecond)

	got := tr.with(reading)
	require.Len(t, got, 3)
	assert.Equal(t, h.ServiceIndex(), got[0].ServiceIndex)
	assert.Equal(t, u32(21), got[0].Data)
	assert.Equal(t, uint8(0), h.StreamingSamples())
}

func TestHostStopStreaming(t *testing.T) {
	b, tr, mock := newBus(t)
	h := NewHost("temp", classTemp, &thermometer{})
	h.Start(b)
	reading := wire.GetRegister(wire.RegReading)

	b.Route(command(h, wire.SetRegister(wire.RegStreamingSamples), []byte{255}))
	require.Eventually(t, func() bool { return len(tr.with(reading)) >= 1 }, time.Second, time.Millisecond)

	b.Route(command(h, wire.SetRegister(wire.RegStreamingSamples), []byte{0}))
	assert.False(t, h.Streaming())
	n := len(tr.with(reading))
	mock.Add(10 * DefaultStreamingInterval)
	assert.Len(t, tr.with(reading), n, "no readings after stop")

	// Restart after stop.
	h.SetStreaming(1)
	require.Eventually(t, func() bool { return len(tr.with(reading)) == n+1 }, time.Second, time.Millisecond)
	h.Stop()
	assert.False(t, h.Streaming())
}

func TestHostStreamingRegisters(t *testing.T) {
	b, tr, _ := newBus(t)
	h := NewHost("temp", classTemp, &thermometer{})
	h.Start(b)

	b.Route(command(h, wire.SetRegister(wire.RegStreamingInterval), u32(250)))
	assert.Equal(t, 250*time.Millisecond, h.StreamingInterval())

	b.Route(command(h, wire.GetRegister(wire.RegStreamingInterval), nil))
	b.Route(command(h, wire.GetRegister(wire.RegStreamingSamples), nil))

	got := tr.with(wire.GetRegister(wire.RegStreamingInterval))
	require.Len(t, got, 1)
	assert.Equal(t, u32(250), got[0].Data)
	samples := tr.with(wire.GetRegister(wire.RegStreamingSamples))
	require.Len(t, samples, 1)
	assert.Equal(t, []byte{0}, samples[0].Data)
	assert.False(t, h.Streaming(), "reading the register does not start streaming")
}

func TestHostCommands(t *testing.T) {
	b, tr, _ := newBus(t)
	th := &thermometer{}
	th.value.Store(-5)
	h := NewHost("temp", classTemp, th)
	h.Start(b)

	b.Route(command(h, wire.CmdCalibrate, nil))
	assert.True(t, th.calibrated.Load())

	b.Route(command(h, wire.GetRegister(wire.RegReading), nil))
	got := tr.with(wire.GetRegister(wire.RegReading))
	require.Len(t, got, 1)
	assert.Equal(t, int32(-5), int32(binary.LittleEndian.Uint32(got[0].Data)))

	b.Route(command(h, 0x90, nil))
	assert.Equal(t, int32(1), th.customCalls.Load())
}

func attachClient(t *testing.T, b *bus.Bus, c *Client) {
	t.Helper()
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, 1|wire.AnnounceSupportsACK)
	binary.LittleEndian.PutUint32(data[4:], classTemp)
	b.Route(&wire.Packet{DeviceID: remoteID, ServiceCommand: wire.CmdAnnounce, Data: data})
	require.True(t, c.Attached())
}

func TestClientStreamingReplayedOnAttach(t *testing.T) {
	b, tr, _ := newBus(t)
	c := NewClient(classTemp, "", "i32")
	c.Start(b)

	require.NoError(t, c.SetStreaming(true, 50*time.Millisecond))
	assert.Empty(t, tr.with(wire.SetRegister(wire.RegStreamingSamples)))

	attachClient(t, b, c)
	samples := tr.with(wire.SetRegister(wire.RegStreamingSamples))
	require.Len(t, samples, 1)
	assert.Equal(t, remoteID, samples[0].DeviceID)
	assert.Equal(t, []byte{0xff}, samples[0].Data)
	interval := tr.with(wire.SetRegister(wire.RegStreamingInterval))
	require.Len(t, interval, 1)
	assert.Equal(t, u32(50), interval[0].Data)

	tr.reset()
	b.Announce()
	assert.Len(t, tr.with(wire.SetRegister(wire.RegStreamingSamples)), 1, "streaming re-asserted on announce")

	require.NoError(t, c.SetStreaming(false, 0))
	tr.reset()
	b.Announce()
	assert.Empty(t, tr.with(wire.SetRegister(wire.RegStreamingSamples)))
}

func TestClientReading(t *testing.T) {
	b, tr, _ := newBus(t)
	c := NewClient(classTemp, "", "i32")
	c.Start(b)
	attachClient(t, b, c)

	var changes [][]any
	c.OnReadingChanged(func(v []any) { changes = append(changes, v) })

	report := func(v int32) {
		b.Route(&wire.Packet{
			DeviceID:       remoteID,
			ServiceIndex:   1,
			ServiceCommand: wire.GetRegister(wire.RegReading),
			Data:           u32(uint32(v)),
		})
	}
	report(20)
	report(20)
	report(-3)

	assert.Equal(t, []any{int64(-3)}, c.Reading())
	assert.Equal(t, u32(uint32(0xfffffffd)), c.ReadingData())
	assert.Equal(t, [][]any{{int64(20)}, {int64(-3)}}, changes)

	require.NoError(t, c.Calibrate())
	cal := tr.with(wire.CmdCalibrate)
	require.Len(t, cal, 1)
	assert.Equal(t, remoteID, cal[0].DeviceID)
}
