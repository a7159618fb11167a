package shell

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/rolemgr"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

const classButton uint32 = 0x1473a263

var remote = wire.DeviceID{0xb1, 2, 3, 4, 5, 6, 7, 8}

type sink struct {
	mu  sync.Mutex
	out []*wire.Packet
}

func (s *sink) Send(f *wire.Frame) error {
	s.mu.Lock()
	s.out = append(s.out, f.Clone().Split()...)
	s.mu.Unlock()
	return nil
}

func (s *sink) Receive(ctx context.Context) (*wire.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *sink) sent(cmd uint16) []*wire.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*wire.Packet
	for _, p := range s.out {
		if p.ServiceCommand == cmd {
			out = append(out, p)
		}
	}
	return out
}

func setup(t *testing.T) (*Shell, *bytes.Buffer, *bus.Bus, *sink) {
	t.Helper()
	tr := &sink{}
	cfg := bus.DefaultConfig()
	cfg.DeviceID = wire.DeviceID{0xa0, 0, 0, 0, 0, 0, 0, 1}
	b, err := bus.New(tr, cfg)
	require.NoError(t, err)
	m := rolemgr.New(b, rolemgr.Config{})
	var out bytes.Buffer
	return New(b, m, &out), &out, b, tr
}

func announce(b *bus.Bus) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data, 1|wire.AnnounceSupportsACK)
	binary.LittleEndian.PutUint32(data[4:], classButton)
	b.Route(&wire.Packet{DeviceID: remote, ServiceCommand: wire.CmdAnnounce, Data: data})
}

func TestExecHelpAndUnknown(t *testing.T) {
	s, out, _, _ := setup(t)

	assert.True(t, s.Exec(""))
	assert.True(t, s.Exec("help"))
	assert.Contains(t, out.String(), "setrole <device> <idx> <role>")

	out.Reset()
	assert.True(t, s.Exec("frobnicate"))
	assert.Contains(t, out.String(), "Unknown command: frobnicate")

	assert.False(t, s.Exec("exit"))
	assert.False(t, s.Exec("QUIT"))
}

func TestExecDevices(t *testing.T) {
	s, out, b, _ := setup(t)

	s.Exec("devices")
	assert.Contains(t, out.String(), "No devices")

	announce(b)
	out.Reset()
	s.Exec("devices")
	assert.Contains(t, out.String(), remote.String())
	assert.Contains(t, out.String(), "[1] 0x1473a263")
}

func TestExecRolesAndBinding(t *testing.T) {
	s, out, b, _ := setup(t)
	c := bus.NewClient(classButton, "panel/btn", nil)
	c.Start(b)

	s.Exec("clients")
	assert.Contains(t, out.String(), "role=panel/btn unbound")

	announce(b)
	out.Reset()
	s.Exec("autobind")
	assert.Contains(t, out.String(), "panel/btn -> "+remote.String()+"[1]")
	assert.True(t, c.Attached())

	out.Reset()
	s.Exec("roles")
	assert.Contains(t, out.String(), "all allocated: true")
	assert.Contains(t, out.String(), "Stored (1)")

	out.Reset()
	s.Exec("clearroles")
	assert.Contains(t, out.String(), "All stored roles cleared")
	stored, err := s.roles.Roles().List()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestExecSetRole(t *testing.T) {
	s, out, b, _ := setup(t)
	announce(b)

	s.Exec("setrole " + bus.ShortID(remote) + " 1 lamp")
	assert.Contains(t, out.String(), "Role lamp stored")
	role, err := s.roles.Roles().Get(remote, 1)
	require.NoError(t, err)
	assert.Equal(t, "lamp", role)

	out.Reset()
	s.Exec("setrole " + remote.String() + " 1")
	assert.Contains(t, out.String(), "Role removed")

	out.Reset()
	s.Exec("setrole nobody 1 x")
	assert.Contains(t, out.String(), "Unknown device: nobody")

	out.Reset()
	s.Exec("setrole " + remote.String() + " 300 x")
	assert.Contains(t, out.String(), "Invalid service index")
}

func TestExecAutoBindToggle(t *testing.T) {
	s, out, _, _ := setup(t)

	s.Exec("autobind off")
	assert.False(t, s.roles.AutoBindEnabled())
	s.Exec("autobind on")
	assert.True(t, s.roles.AutoBindEnabled())
	s.Exec("autobind maybe")
	assert.Contains(t, out.String(), "Usage: autobind")
}

func TestExecIdentify(t *testing.T) {
	s, out, b, tr := setup(t)
	announce(b)

	s.Exec("identify " + bus.ShortID(remote))
	assert.Contains(t, out.String(), "Identify sent")
	got := tr.sent(wire.CtrlCmdIdentify)
	require.Len(t, got, 1)
	assert.Equal(t, remote, got[0].DeviceID)
	assert.Equal(t, uint8(0), got[0].ServiceIndex)
}
