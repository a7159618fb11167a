package sensor

import (
	"bytes"
	"sync"
	"time"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/jdpack"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// streamForever is the StreamingSamples value a streaming client keeps
// asserting.
const streamForever = 0xff

// Client consumes a sensor service and caches its Reading register, decoded
// with format.
type Client struct {
	*bus.Client
	format string

	mu        sync.Mutex
	raw       []byte
	values    []any
	streaming bool
	onChange  []func([]any)
}

// NewClient returns a sensor client for serviceClass and role. format
// decodes the Reading register, e.g. "u0.16" or "i32 i32 i32".
func NewClient(serviceClass uint32, role, format string) *Client {
	c := &Client{format: format}
	c.Client = bus.NewClient(serviceClass, role, c)
	return c
}

// Format returns the reading format.
func (c *Client) Format() string { return c.format }

// Reading returns the last decoded reading, or nil.
func (c *Client) Reading() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.values
}

// ReadingData returns the last raw reading, or nil.
func (c *Client) ReadingData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.raw
}

// Streaming reports whether the client asked the sensor to stream.
func (c *Client) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

// OnReadingChanged registers fn to run when a reading differs from the
// previous one.
func (c *Client) OnReadingChanged(fn func([]any)) {
	c.mu.Lock()
	c.onChange = append(c.onChange, fn)
	c.mu.Unlock()
}

// SetStreaming enables or disables streaming. A positive interval also
// sets the streaming period. Settings are replayed when the client
// (re)attaches.
func (c *Client) SetStreaming(on bool, interval time.Duration) error {
	c.mu.Lock()
	c.streaming = on
	c.mu.Unlock()

	var n uint8
	if on {
		n = streamForever
	}
	if err := c.SetReg(wire.RegStreamingSamples, "u8", n); err != nil {
		return err
	}
	if interval > 0 {
		return c.SetReg(wire.RegStreamingInterval, "u32", uint32(interval/time.Millisecond))
	}
	return nil
}

// Calibrate asks the sensor to calibrate.
func (c *Client) Calibrate() error {
	return c.SendCommand(wire.OnlyHeader(wire.CmdCalibrate))
}

// OnAnnounce re-asserts streaming so a restarted sensor resumes.
func (c *Client) OnAnnounce() {
	if !c.Streaming() || !c.Attached() {
		return
	}
	if err := c.SetReg(wire.RegStreamingSamples, "u8", uint8(streamForever)); err != nil {
		if b := c.Bus(); b != nil {
			b.Logger().Debug("streaming refresh failed", "client", c.Name(), "error", err)
		}
	}
}

// HandlePacket implements bus.PacketHandler.
func (c *Client) HandlePacket(pkt *wire.Packet) {
	if pkt.ServiceCommand != wire.GetRegister(wire.RegReading) {
		return
	}
	values, err := jdpack.Unpack(pkt.Data, c.format)
	if err != nil {
		return
	}

	c.mu.Lock()
	changed := !bytes.Equal(c.raw, pkt.Data)
	c.raw = append([]byte(nil), pkt.Data...)
	c.values = values
	handlers := append([]func([]any){}, c.onChange...)
	c.mu.Unlock()

	if changed {
		for _, fn := range handlers {
			fn(values)
		}
	}
}
