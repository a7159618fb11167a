package wire

import (
	"strings"
	"testing"
)

func TestPacketOpClass(t *testing.T) {
	tests := []struct {
		cmd   uint16
		get   bool
		set   bool
		code  uint16
		opcls uint8
	}{
		{GetRegister(RegStatusCode), true, false, 0x103, OpClassGet},
		{SetRegister(RegStreamingSamples), false, true, 0x003, OpClassSet},
		{CtrlCmdIdentify, false, false, 0x081, OpClassEvent},
		{0x8001, false, false, 0x001, OpClassCommand},
	}
	for _, tt := range tests {
		p := OnlyHeader(tt.cmd)
		if p.IsRegGet() != tt.get || p.IsRegSet() != tt.set {
			t.Errorf("0x%04x: get=%v set=%v, want get=%v set=%v", tt.cmd, p.IsRegGet(), p.IsRegSet(), tt.get, tt.set)
		}
		if p.Code() != tt.code {
			t.Errorf("0x%04x: Code = 0x%03x, want 0x%03x", tt.cmd, p.Code(), tt.code)
		}
		if p.OpClass() != tt.opcls {
			t.Errorf("0x%04x: OpClass = %d, want %d", tt.cmd, p.OpClass(), tt.opcls)
		}
	}
}

func TestPacketEvent(t *testing.T) {
	p := NewPacket(CmdEvent, []byte{0x03, 0, 0, 0, 0xff, 0xff, 0xff, 0xff})
	code, arg, hasArg, ok := p.Event()
	if !ok || code != EventChange || !hasArg || arg != -1 {
		t.Errorf("Event() = %d, %d, %v, %v", code, arg, hasArg, ok)
	}

	p = NewPacket(CmdEvent, []byte{0x01, 0, 0, 0})
	code, _, hasArg, ok = p.Event()
	if !ok || code != EventActive || hasArg {
		t.Errorf("Event() without argument = %d, %v, %v", code, hasArg, ok)
	}

	if _, _, _, ok := NewPacket(CmdEvent, []byte{1}).Event(); ok {
		t.Error("Event() on short payload should fail")
	}
}

func TestPacketMulticastClass(t *testing.T) {
	p := &Packet{DeviceID: MulticastID(0x1e4b7e66), Flags: FlagCommand | FlagIdentifierIsServiceClass}
	if !p.IsMulticast() {
		t.Fatal("IsMulticast = false")
	}
	if got := p.MulticastClass(); got != 0x1e4b7e66 {
		t.Errorf("MulticastClass = 0x%08x", got)
	}
}

func TestPacketString(t *testing.T) {
	id, _ := ParseDeviceID("a1b2c3d4e5f6a7b8")
	p := &Packet{DeviceID: id, ServiceIndex: 2, ServiceCommand: 0x2003, Data: []byte{0x0a, 0}, Flags: FlagCommand}
	if got := p.String(); !strings.HasPrefix(got, "a1b2c3d4e5f6a7b8/2[C] 0x2003 0a00") {
		t.Errorf("String = %q", got)
	}
}

func TestPacketClone(t *testing.T) {
	p := NewPacket(1, []byte{1, 2})
	c := p.Clone()
	c.Data[0] = 9
	if p.Data[0] != 1 {
		t.Error("Clone shares data with original")
	}
}
