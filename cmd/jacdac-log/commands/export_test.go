package commands

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jacdac-protocol/jacdac-go/pkg/log"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

func exportEvents() []log.Event {
	ts := time.Date(2026, 1, 28, 10, 15, 32, 123456000, time.UTC)
	return []log.Event{
		{
			Timestamp: ts,
			Direction: log.DirectionIn,
			Layer:     log.LayerBus,
			Category:  log.CategoryPacket,
			DeviceID:  devA,
			Packet: &log.PacketEvent{
				ServiceIndex:   1,
				ServiceCommand: wire.CmdGetRegister | 0x101,
				Data:           []byte{0x01, 0x02},
				Dropped:        "no client",
			},
		},
		{
			Timestamp:    ts.Add(time.Millisecond),
			ConnectionID: "conn-1",
			Direction:    log.DirectionOut,
			Layer:        log.LayerTransport,
			Category:     log.CategoryPacket,
			Frame:        &log.FrameEvent{Size: 16, Data: []byte{0xff}},
		},
	}
}

func TestExportToJSONL(t *testing.T) {
	path := createTestLogFile(t, exportEvents())
	out := filepath.Join(t.TempDir(), "out.jsonl")

	if err := RunExport(path, "jsonl", out); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var decoded map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Errorf("line %d is not valid JSON: %v", lines+1, err)
		}
		lines++
	}
	if lines != 2 {
		t.Errorf("exported %d lines, want 2", lines)
	}
}

func TestExportToCSV(t *testing.T) {
	path := createTestLogFile(t, exportEvents())
	out := filepath.Join(t.TempDir(), "out.csv")

	if err := RunExport(path, "csv", out); err != nil {
		t.Fatalf("RunExport failed: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("failed to open output: %v", err)
	}
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("invalid csv: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d rows, want 3", len(rows))
	}
	if rows[0][0] != "timestamp" || rows[0][10] != "dropped" {
		t.Errorf("unexpected header: %v", rows[0])
	}

	pkt := rows[1]
	want := []string{"2026-01-28T10:15:32.123456Z", "", "IN", "BUS", "PACKET", devA, "Packet", "1", "0x1101", "0102", "no client"}
	for i := range want {
		if pkt[i] != want[i] {
			t.Errorf("column %s = %q, want %q", rows[0][i], pkt[i], want[i])
		}
	}

	frame := rows[2]
	if frame[6] != "Frame" || frame[9] != "ff" || frame[1] != "conn-1" {
		t.Errorf("unexpected frame row: %v", frame)
	}
}

func TestExportUnknownFormat(t *testing.T) {
	path := createTestLogFile(t, exportEvents())
	if err := RunExport(path, "xml", filepath.Join(t.TempDir(), "out.xml")); err == nil {
		t.Error("expected error for unknown format")
	}
}
