package sensor

import (
	"sync"
	"time"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// DefaultStreamingInterval is the streaming period of a fresh host.
const DefaultStreamingInterval = 100 * time.Millisecond

// Sampler produces the encoded Reading register. A nil result skips the
// report.
type Sampler interface {
	Sample() []byte
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() []byte

// Sample implements Sampler.
func (f SamplerFunc) Sample() []byte { return f() }

// Calibrator is implemented by samplers that support the Calibrate
// command.
type Calibrator interface {
	Calibrate()
}

// Host is a sensor service. It serves StreamingSamples, StreamingInterval
// and Reading and streams readings while samples remain. Commands it does
// not handle go to the sampler when it implements bus.PacketHandler.
type Host struct {
	*bus.Host
	sampler Sampler

	mu       sync.Mutex
	interval uint32 // ms
	samples  uint8
	running  bool
	cancel   chan struct{}
	done     chan struct{}
}

// NewHost returns a sensor host of serviceClass reading from s.
func NewHost(name string, serviceClass uint32, s Sampler) *Host {
	h := &Host{
		sampler:  s,
		interval: uint32(DefaultStreamingInterval / time.Millisecond),
	}
	h.Host = bus.NewHost(name, serviceClass, h)
	return h
}

// StreamingInterval returns the streaming period.
func (h *Host) StreamingInterval() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return time.Duration(h.interval) * time.Millisecond
}

// StreamingSamples returns the number of readings left to stream.
func (h *Host) StreamingSamples() uint8 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.samples
}

// Streaming reports whether the streaming loop runs.
func (h *Host) Streaming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// HandlePacket implements bus.PacketHandler.
func (h *Host) HandlePacket(pkt *wire.Packet) {
	h.mu.Lock()
	h.interval = h.HandleRegUint32(pkt, wire.RegStreamingInterval, h.interval)
	samples := h.samples
	h.mu.Unlock()

	if pkt.Code() == wire.RegStreamingSamples {
		n := h.HandleRegUint8(pkt, wire.RegStreamingSamples, samples)
		if pkt.IsRegSet() {
			h.SetStreaming(n)
		}
		return
	}

	switch {
	case pkt.ServiceCommand == wire.GetRegister(wire.RegReading):
		if data := h.sampler.Sample(); data != nil {
			h.sendReading(data)
		}
	case pkt.ServiceCommand == wire.CmdCalibrate:
		if c, ok := h.sampler.(Calibrator); ok {
			c.Calibrate()
		}
	default:
		if ph, ok := h.sampler.(bus.PacketHandler); ok {
			ph.HandlePacket(pkt)
		}
	}
}

// SetStreaming streams n more readings. Zero stops streaming and waits for
// the loop to exit.
func (h *Host) SetStreaming(n uint8) {
	h.mu.Lock()
	if n > 0 {
		h.samples = n
		if !h.running {
			h.running = true
			h.cancel = make(chan struct{})
			h.done = make(chan struct{})
			go h.stream(h.cancel, h.done)
		}
		h.mu.Unlock()
		return
	}
	if !h.running {
		h.samples = 0
		h.mu.Unlock()
		return
	}
	h.samples = 0
	h.running = false
	close(h.cancel)
	done := h.done
	h.mu.Unlock()
	<-done
}

// Stop stops streaming and the host.
func (h *Host) Stop() {
	h.SetStreaming(0)
	h.Host.Stop()
}

func (h *Host) stream(cancel, done chan struct{}) {
	defer close(done)
	b := h.Bus()
	if b == nil {
		h.mu.Lock()
		if !cancelled(cancel) {
			h.running = false
			h.samples = 0
		}
		h.mu.Unlock()
		return
	}
	b.Logger().Debug("streaming started", "host", h.Name())

	for {
		h.mu.Lock()
		if cancelled(cancel) {
			h.mu.Unlock()
			return
		}
		if h.samples == 0 {
			h.running = false
			h.mu.Unlock()
			b.Logger().Debug("streaming finished", "host", h.Name())
			return
		}
		interval := time.Duration(h.interval) * time.Millisecond
		h.mu.Unlock()

		if data := h.sampler.Sample(); data != nil && h.Running() {
			h.sendReading(data)
		}

		t := b.Clock().Timer(interval)
		select {
		case <-t.C:
		case <-cancel:
			t.Stop()
			return
		}

		h.mu.Lock()
		if !cancelled(cancel) && h.samples > 0 {
			h.samples--
		}
		h.mu.Unlock()
	}
}

func (h *Host) sendReading(data []byte) {
	if err := h.SendReport(wire.NewPacket(wire.GetRegister(wire.RegReading), data)); err != nil {
		if b := h.Bus(); b != nil {
			b.Logger().Debug("reading not sent", "host", h.Name(), "error", err)
		}
	}
}

func cancelled(c chan struct{}) bool {
	select {
	case <-c:
		return true
	default:
		return false
	}
}
