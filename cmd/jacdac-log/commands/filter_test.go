package commands

import (
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacdac-protocol/jacdac-go/pkg/log"
)

func readEvents(t *testing.T, path string) []log.Event {
	t.Helper()
	reader, err := log.NewReader(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer reader.Close()

	var out []log.Event
	for {
		e, err := reader.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("failed to read event: %v", err)
		}
		out = append(out, e)
	}
}

func TestFilterByDeviceAndTime(t *testing.T) {
	base := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: base, DeviceID: devA, Packet: &log.PacketEvent{ServiceCommand: 1}},
		{Timestamp: base.Add(time.Minute), DeviceID: devA, Packet: &log.PacketEvent{ServiceCommand: 2}},
		{Timestamp: base.Add(time.Minute), DeviceID: "fedcba9876543210", Packet: &log.PacketEvent{ServiceCommand: 3}},
		{Timestamp: base.Add(2 * time.Hour), DeviceID: devA, Packet: &log.PacketEvent{ServiceCommand: 4}},
	}
	path := createTestLogFile(t, events)
	out := filepath.Join(t.TempDir(), "out.jlog")

	n, err := RunFilter(path, FilterOptions{
		Output:    out,
		DeviceID:  devA,
		TimeStart: base.Add(30 * time.Second).Format(time.RFC3339),
		TimeEnd:   base.Add(time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("filtered %d events, want 1", n)
	}

	got := readEvents(t, out)
	if len(got) != 1 || got[0].Packet.ServiceCommand != 2 {
		t.Errorf("unexpected events: %+v", got)
	}
}

func TestFilterByLayerAndDropped(t *testing.T) {
	ts := time.Date(2026, 1, 28, 10, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: ts, Layer: log.LayerBus, Category: log.CategoryPacket, Packet: &log.PacketEvent{Dropped: "short announce"}},
		{Timestamp: ts, Layer: log.LayerBus, Category: log.CategoryPacket, Packet: &log.PacketEvent{}},
		{Timestamp: ts, Layer: log.LayerService, Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{Entity: log.StateEntityPipe, NewState: "open"}},
	}
	path := createTestLogFile(t, events)
	out := filepath.Join(t.TempDir(), "out.jlog")

	n, err := RunFilter(path, FilterOptions{Output: out, Layer: "bus", DroppedOnly: true})
	if err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if n != 1 {
		t.Errorf("filtered %d events, want 1", n)
	}
}

func TestFilterInvalidOptions(t *testing.T) {
	path := createTestLogFile(t, nil)
	out := filepath.Join(t.TempDir(), "out.jlog")

	for _, opts := range []FilterOptions{
		{Output: out, TimeStart: "yesterday"},
		{Output: out, TimeEnd: "tomorrow"},
		{Output: out, Layer: "wire"},
		{Output: out, Direction: "up"},
		{Output: out, Category: "message"},
	} {
		if _, err := RunFilter(path, opts); err == nil {
			t.Errorf("expected error for %+v", opts)
		}
	}
}
