package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacdac-protocol/jacdac-go/pkg/log"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

func startHub(t *testing.T, cfg HubConfig) *Hub {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	hub := NewHub(cfg)
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(func() { hub.Stop() })
	return hub
}

func dial(t *testing.T, hub *Hub) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), hub.Addr().String(), ConnConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testFrame(cmd uint16, data []byte) *wire.Frame {
	p := wire.NewPacket(cmd, data)
	p.DeviceID = testDevice
	p.ServiceIndex = 1
	return wire.NewFrame(p)
}

func receive(t *testing.T, c *Conn) *wire.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := c.Receive(ctx)
	require.NoError(t, err)
	return f
}

func TestHubRelaysToOtherConnections(t *testing.T) {
	hub := startHub(t, HubConfig{})
	a, b, c := dial(t, hub), dial(t, hub), dial(t, hub)
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Send(testFrame(0x80, []byte("hi"))))

	for _, conn := range []*Conn{b, c} {
		f := receive(t, conn)
		assert.Equal(t, testDevice, f.DeviceID)
		require.Len(t, f.Packets, 1)
		assert.Equal(t, uint16(0x80), f.Packets[0].ServiceCommand)
		assert.Equal(t, []byte("hi"), f.Packets[0].Data)
		assert.False(t, f.Timestamp.IsZero())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := a.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "sender does not hear itself")
}

func TestHubCallbacksAndLogging(t *testing.T) {
	logger := &capturingLogger{}
	connected := make(chan *HubConn, 2)
	disconnected := make(chan *HubConn, 2)
	frames := make(chan []byte, 2)
	hub := startHub(t, HubConfig{
		Logger:       logger,
		OnConnect:    func(c *HubConn) { connected <- c },
		OnDisconnect: func(c *HubConn) { disconnected <- c },
		OnFrame:      func(_ *HubConn, f []byte) { frames <- f },
	})

	c := dial(t, hub)
	var hc *HubConn
	select {
	case hc = <-connected:
	case <-time.After(time.Second):
		t.Fatal("no connect callback")
	}
	assert.NotEmpty(t, hc.ConnID())

	require.NoError(t, c.Send(testFrame(0x81, nil)))
	select {
	case f := <-frames:
		var decoded wire.Frame
		require.NoError(t, decoded.UnmarshalBinary(f))
	case <-time.After(time.Second):
		t.Fatal("no frame callback")
	}

	c.Close()
	select {
	case got := <-disconnected:
		assert.Equal(t, hc, got)
	case <-time.After(time.Second):
		t.Fatal("no disconnect callback")
	}

	var states []string
	for _, e := range logger.Events() {
		if e.StateChange != nil && e.ConnectionID == hc.ConnID() {
			assert.Equal(t, log.StateEntityConnection, e.StateChange.Entity)
			states = append(states, e.StateChange.NewState)
		}
	}
	assert.Equal(t, []string{"CONNECTED", "DISCONNECTED"}, states)
}

func TestHubStartTwice(t *testing.T) {
	hub := startHub(t, HubConfig{})
	assert.ErrorIs(t, hub.Start(context.Background()), ErrHubRunning)
}

func TestHubStopClosesConnections(t *testing.T) {
	hub := NewHub(HubConfig{Address: "127.0.0.1:0"})
	require.NoError(t, hub.Start(context.Background()))
	c := dial(t, hub)
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Stop())
	assert.Equal(t, 0, hub.ConnectionCount())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, ErrConnectionClosed)
}

func pipeConn(h *Hub, conn net.Conn) *HubConn {
	return &HubConn{
		conn:       conn,
		framer:     NewFramer(conn),
		hub:        h,
		closeCh:    make(chan struct{}),
		remoteAddr: conn.RemoteAddr(),
		connID:     conn.RemoteAddr().String(),
	}
}

func TestHubRelaySkipsStalledPeer(t *testing.T) {
	var mu sync.Mutex
	var failed []*HubConn
	hub := NewHub(HubConfig{
		WriteTimeout: 20 * time.Millisecond,
		OnError: func(c *HubConn, err error) {
			mu.Lock()
			failed = append(failed, c)
			mu.Unlock()
		},
	})

	stalledLocal, stalledRemote := net.Pipe()
	defer stalledRemote.Close()
	readerLocal, readerRemote := net.Pipe()
	defer readerRemote.Close()
	stalled, reader := pipeConn(hub, stalledLocal), pipeConn(hub, readerLocal)
	hub.conns[stalled] = struct{}{}
	hub.conns[reader] = struct{}{}

	got := make(chan []byte, 1)
	go func() {
		data, err := NewFrameReader(readerRemote).ReadFrame()
		if err == nil {
			got <- data
		}
	}()

	done := make(chan struct{})
	go func() {
		hub.relay(nil, []byte("frame"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay blocked on a stalled peer")
	}
	select {
	case data := <-got:
		assert.Equal(t, []byte("frame"), data)
	case <-time.After(time.Second):
		t.Fatal("healthy peer did not receive the frame")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []*HubConn{stalled}, failed)
	assert.ErrorIs(t, stalled.Send([]byte("x")), ErrConnectionClosed)
}

func TestConnDropsCorruptFrames(t *testing.T) {
	client, server := net.Pipe()
	c := NewConn(client, ConnConfig{})
	defer c.Close()
	peer := NewFramer(server)

	good, err := testFrame(0x80, []byte("ok")).MarshalBinary()
	require.NoError(t, err)
	bad := append([]byte(nil), good...)
	bad[len(bad)-1] ^= 0xff

	go func() {
		peer.WriteFrame(bad)
		peer.WriteFrame([]byte{1, 2, 3})
		peer.WriteFrame(good)
	}()

	f := receive(t, c)
	assert.Equal(t, []byte("ok"), f.Packets[0].Data)
	assert.Equal(t, uint64(2), c.Dropped())
}

func TestConnSendAfterClose(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConn(client, ConnConfig{})
	require.NoError(t, c.Close())

	err := c.Send(testFrame(0x80, nil))
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestDialFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	_, err = Dial(context.Background(), addr, ConnConfig{ConnectTimeout: time.Second})
	assert.Error(t, err)
}
