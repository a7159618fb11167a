package wire

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
	"time"
)

func TestCRC16CheckValue(t *testing.T) {
	if got := CRC16([]byte("123456789")); got != 0x29b1 {
		t.Errorf("CRC16 = 0x%04x, want 0x29b1", got)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	id, _ := ParseDeviceID("a1b2c3d4e5f6a7b8")
	f := &Frame{DeviceID: id, Flags: FlagCommand}
	if err := f.Add(&Packet{ServiceIndex: 2, ServiceCommand: SetRegister(0x80), Data: []byte{1, 2, 3}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := f.Add(&Packet{ServiceIndex: 2, ServiceCommand: SetRegister(0x81), Data: []byte{5}}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	data, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	// Two packets, each padded to 8 bytes.
	if len(data) != FrameHeaderSize+16 {
		t.Fatalf("encoded length = %d, want %d", len(data), FrameHeaderSize+16)
	}
	if data[2] != 16 {
		t.Errorf("size byte = %d, want 16", data[2])
	}

	var got Frame
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary failed: %v", err)
	}
	if got.CRC != f.CRC {
		t.Errorf("CRC = 0x%04x, want 0x%04x", got.CRC, f.CRC)
	}
	if got.DeviceID != id {
		t.Errorf("DeviceID = %s, want %s", got.DeviceID, id)
	}
	if len(got.Packets) != 2 {
		t.Fatalf("packets = %d, want 2", len(got.Packets))
	}
	if !bytes.Equal(got.Packets[0].Data, []byte{1, 2, 3}) {
		t.Errorf("packet 0 data = %x", got.Packets[0].Data)
	}
	if got.Packets[1].ServiceCommand != 0x2081 {
		t.Errorf("packet 1 command = 0x%04x, want 0x2081", got.Packets[1].ServiceCommand)
	}
}

func TestFrameUnmarshalErrors(t *testing.T) {
	f := NewFrame(&Packet{ServiceIndex: 1, ServiceCommand: 0x1101})
	valid, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	corrupt := append([]byte(nil), valid...)
	corrupt[len(corrupt)-1] ^= 0xff

	// Declares a 4 byte packet with 8 bytes of data.
	badPacket := append([]byte(nil), valid...)
	badPacket[FrameHeaderSize] = 8
	rewriteCRC(badPacket)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"short header", valid[:6], ErrFrameTooShort},
		{"short data", valid[:FrameHeaderSize+2], ErrFrameTooShort},
		{"crc mismatch", corrupt, ErrCRCMismatch},
		{"packet overflow", badPacket, ErrPacketTruncated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got Frame
			err := got.UnmarshalBinary(tt.data)
			if !errors.Is(err, tt.want) {
				t.Errorf("UnmarshalBinary error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestFrameAddFull(t *testing.T) {
	f := &Frame{}
	if err := f.Add(&Packet{Data: make([]byte, MaxPacketData)}); err != nil {
		t.Fatalf("Add of max packet failed: %v", err)
	}
	if err := f.Add(&Packet{}); !errors.Is(err, ErrFrameFull) {
		t.Errorf("Add to full frame error = %v, want ErrFrameFull", err)
	}
	if err := (&Frame{}).Add(&Packet{Data: make([]byte, MaxPacketData+1)}); !errors.Is(err, ErrFrameFull) {
		t.Errorf("Add of oversized packet error = %v, want ErrFrameFull", err)
	}
}

func TestFrameSplit(t *testing.T) {
	id, _ := ParseDeviceID("0102030405060708")
	now := time.Now()
	f := &Frame{DeviceID: id, Flags: FlagCommand | FlagAckRequested, CRC: 0xbeef, Timestamp: now}
	_ = f.Add(&Packet{ServiceIndex: 3, ServiceCommand: 0x80})
	_ = f.Add(&Packet{ServiceIndex: 4, ServiceCommand: 0x81})

	pkts := f.Split()
	if len(pkts) != 2 {
		t.Fatalf("Split = %d packets, want 2", len(pkts))
	}
	for i, p := range pkts {
		if p.DeviceID != id || p.CRC != 0xbeef || !p.Timestamp.Equal(now) {
			t.Errorf("packet %d did not inherit frame header: %v", i, p)
		}
		if !p.IsCommand() || !p.RequiresAck() {
			t.Errorf("packet %d flags = 0x%02x", i, p.Flags)
		}
	}
	if pkts[1].ServiceIndex != 4 {
		t.Errorf("packet 1 index = %d, want 4", pkts[1].ServiceIndex)
	}
}

func TestFrameKnownEncoding(t *testing.T) {
	id, _ := ParseDeviceID("a1b2c3d4e5f6a7b8")
	f := NewFrame(&Packet{DeviceID: id, ServiceIndex: 0, ServiceCommand: CmdAnnounce, Data: []byte{0x01, 0x01, 0, 0}})
	data, err := f.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}
	want := "08" + "00" + "a1b2c3d4e5f6a7b8" + "04000000" + "01010000"
	if got := hex.EncodeToString(data[2:]); got != want {
		t.Errorf("encoding = %s, want %s", got, want)
	}
}

func rewriteCRC(b []byte) {
	crc := CRC16(b[2 : FrameHeaderSize+int(b[2])])
	b[0] = byte(crc)
	b[1] = byte(crc >> 8)
}
