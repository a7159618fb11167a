package rolemgr

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/jdpack"
	"github.com/jacdac-protocol/jacdac-go/pkg/pipe"
	"github.com/jacdac-protocol/jacdac-go/pkg/settings"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

const (
	classLED    uint32 = 0x1609d4f0
	classButton uint32 = 0x1473a263
	classServo  uint32 = 0x12fc9103
)

var (
	selfID = wire.DeviceID{0xf0, 0, 0, 0, 0, 0, 0, 1}
	peerID = wire.DeviceID{0xf1, 0, 0, 0, 0, 0, 0, 1}
	dev1   = wire.DeviceID{0x11, 1, 1, 1, 1, 1, 1, 1}
	dev2   = wire.DeviceID{0x22, 2, 2, 2, 2, 2, 2, 2}
)

// link records sent frames and hands them to an optional peer bus.
type link struct {
	mu   sync.Mutex
	peer *bus.Bus
	sent []*wire.Frame
}

func (l *link) Send(f *wire.Frame) error {
	c := f.Clone()
	l.mu.Lock()
	l.sent = append(l.sent, c)
	peer := l.peer
	l.mu.Unlock()
	if peer != nil {
		peer.RouteFrame(c.Clone())
	}
	return nil
}

func (l *link) Receive(ctx context.Context) (*wire.Frame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (l *link) packets() []*wire.Packet {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*wire.Packet
	for _, f := range l.sent {
		out = append(out, f.Split()...)
	}
	return out
}

func newBus(t *testing.T, id wire.DeviceID, tr bus.Transport, names settings.Store) *bus.Bus {
	t.Helper()
	cfg := bus.DefaultConfig()
	cfg.DeviceID = id
	cfg.Names = names
	cfg.AckTimeout = 50 * time.Millisecond
	b, err := bus.New(tr, cfg)
	require.NoError(t, err)
	return b
}

type fixture struct {
	bus   *bus.Bus
	link  *link
	mgr   *Manager
	store *settings.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{link: &link{}, store: settings.NewMemoryStore()}
	f.bus = newBus(t, selfID, f.link, f.store)
	f.mgr = New(f.bus, Config{})
	return f
}

func (f *fixture) client(class uint32, role string) *bus.Client {
	c := bus.NewClient(class, role, nil)
	c.Start(f.bus)
	return c
}

func (f *fixture) announce(id wire.DeviceID, classes ...uint32) {
	data := make([]byte, 4*(len(classes)+1))
	binary.LittleEndian.PutUint32(data, 1|wire.AnnounceSupportsACK)
	for i, c := range classes {
		binary.LittleEndian.PutUint32(data[4*(i+1):], c)
	}
	f.bus.Route(&wire.Packet{DeviceID: id, ServiceCommand: wire.CmdAnnounce, Data: data})
}

func (f *fixture) command(cmd uint16, data []byte) {
	f.bus.Route(&wire.Packet{
		DeviceID:       selfID,
		ServiceIndex:   f.mgr.Host().ServiceIndex(),
		ServiceCommand: cmd,
		Data:           data,
		Flags:          wire.FlagCommand,
	})
}

func (f *fixture) reports(cmd uint16) []*wire.Packet {
	var out []*wire.Packet
	for _, p := range f.link.packets() {
		if p.ServiceIndex == f.mgr.Host().ServiceIndex() && p.ServiceCommand == cmd {
			out = append(out, p)
		}
	}
	return out
}

func boundTo(t *testing.T, c *bus.Client, id wire.DeviceID, idx uint8) {
	t.Helper()
	dev := c.Device()
	require.NotNil(t, dev, "%s not attached", c.Role())
	got, _ := c.ServiceIndex()
	assert.Equal(t, id, dev.ID(), "%s device", c.Role())
	assert.Equal(t, idx, got, "%s index", c.Role())
}

func TestRoleStore(t *testing.T) {
	s := settings.NewMemoryStore()
	r := NewRoles(s)

	require.NoError(t, r.Set(dev1, 2, "led/left"))
	require.NoError(t, r.Set(dev2, 1, "button"))
	require.NoError(t, s.Set(KeyPrefix+"garbage", "x"))

	v, ok, err := s.Get("#jdr:1101010101010101:2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "led/left", v)

	list, err := r.List()
	require.NoError(t, err)
	assert.Equal(t, []StoredRole{
		{DeviceID: dev1, ServiceIndex: 2, Role: "led/left"},
		{DeviceID: dev2, ServiceIndex: 1, Role: "button"},
	}, list)

	require.NoError(t, r.Set(dev1, 2, ""))
	got, err := r.Get(dev1, 2)
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, r.Clear())
	list, err = r.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHostPrefix(t *testing.T) {
	tests := map[string]string{
		"led":           "led",
		"led/left":      "led",
		"arm/servo/top": "arm",
		"/x":            "",
	}
	for role, want := range tests {
		b := &binding{role: role}
		assert.Equal(t, want, b.host(), role)
	}
}

func TestAutoBindKeepsGroupTogether(t *testing.T) {
	f := newFixture(t)
	a := f.client(classLED, "led/a")
	b := f.client(classLED, "led/b")
	btn := f.client(classButton, "btn")

	f.announce(dev1, classLED)
	f.announce(dev2, classLED, classLED, classButton)
	require.False(t, a.Attached())

	got := f.mgr.AutoBind()
	assert.Len(t, got, 3)
	boundTo(t, a, dev2, 1)
	boundTo(t, b, dev2, 2)
	boundTo(t, btn, dev2, 3)

	role, err := f.mgr.Roles().Get(dev2, 3)
	require.NoError(t, err)
	assert.Equal(t, "btn", role)
	assert.True(t, f.mgr.AllRolesAllocated())
}

func TestAutoBindGroupTieBreak(t *testing.T) {
	f := newFixture(t)
	a := f.client(classLED, "a")
	b := f.client(classLED, "b")
	f.announce(dev1, classLED)

	f.mgr.AutoBind()
	boundTo(t, b, dev1, 1)
	assert.False(t, a.Attached())
	assert.False(t, f.mgr.AllRolesAllocated())
}

func TestAutoBindDeviceTieBreak(t *testing.T) {
	f := newFixture(t)
	c := f.client(classLED, "x")
	f.announce(dev1, classLED)
	f.announce(dev2, classLED)

	f.mgr.AutoBind()
	boundTo(t, c, dev2, 1)
}

func TestAutoBindSortsRolesWithinGroup(t *testing.T) {
	f := newFixture(t)
	s2 := f.client(classServo, "arm/servo2")
	s1 := f.client(classServo, "arm/servo1")
	f.announce(dev1, classServo, classServo)

	got := f.mgr.AutoBind()
	require.Len(t, got, 2)
	assert.Equal(t, "arm/servo1", got[0].Role)
	boundTo(t, s1, dev1, 1)
	boundTo(t, s2, dev1, 2)
}

func TestAutoBindIsDeterministic(t *testing.T) {
	run := func() []Assignment {
		f := newFixture(t)
		f.client(classLED, "led/a")
		f.client(classLED, "led/b")
		f.client(classServo, "arm/1")
		f.client(classLED, "solo")
		f.announce(dev2, classLED, classServo)
		f.announce(dev1, classLED, classLED, classServo)
		return f.mgr.AutoBind()
	}
	first := run()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, run())
	}
}

func TestAutoBindPrefersDeviceWithBoundMember(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Roles().Set(dev2, 1, "led/a"))
	a := f.client(classLED, "led/a")
	b := f.client(classLED, "led/b")

	f.announce(dev1, classLED, classLED)
	f.announce(dev2, classLED, classLED)
	boundTo(t, a, dev2, 1)
	require.False(t, b.Attached())

	f.mgr.AutoBind()
	boundTo(t, b, dev2, 2)
}

func TestAutoBindDefersUnsatisfiable(t *testing.T) {
	f := newFixture(t)
	c := f.client(classServo, "servo")
	f.announce(dev1, classLED)

	assert.Empty(t, f.mgr.AutoBind())
	assert.False(t, c.Attached())

	f.announce(dev2, classServo)
	assert.False(t, c.Attached())
	assert.Len(t, f.mgr.AutoBind(), 1)
	boundTo(t, c, dev2, 1)
}

func TestAutoBindSkipsSlotsOfRolelessClients(t *testing.T) {
	f := newFixture(t)
	free := f.client(classLED, "")
	f.announce(dev1, classLED, classLED)
	boundTo(t, free, dev1, 1)

	named := f.client(classLED, "status")
	f.mgr.AutoBind()
	boundTo(t, named, dev1, 2)
	boundTo(t, free, dev1, 1)
}

func TestAutoBindNoDevices(t *testing.T) {
	f := newFixture(t)
	f.client(classLED, "x")
	assert.Empty(t, f.mgr.AutoBind())
}

func TestRolesSurviveRestart(t *testing.T) {
	f := newFixture(t)
	f.client(classLED, "led")
	f.announce(dev1, classLED)
	require.Len(t, f.mgr.AutoBind(), 1)

	b := newBus(t, selfID, &link{}, f.store)
	New(b, Config{})
	c := bus.NewClient(classLED, "led", nil)
	c.Start(b)
	f2 := &fixture{bus: b}
	f2.announce(dev1, classLED)
	boundTo(t, c, dev1, 1)
}

func TestSetRoleReattaches(t *testing.T) {
	f := newFixture(t)
	c := f.client(classLED, "lamp")
	f.announce(dev1, classLED)
	require.False(t, c.Attached())

	require.NoError(t, f.mgr.SetRole(dev1, 1, "lamp"))
	f.announce(dev1, classLED)
	boundTo(t, c, dev1, 1)

	require.NoError(t, f.mgr.ClearRoles())
	f.announce(dev1, classLED)
	assert.False(t, c.Attached())
}

func TestAutoBindOnAnnounce(t *testing.T) {
	f := newFixture(t)
	c := f.client(classLED, "lamp")
	f.announce(dev1, classLED)

	f.bus.Announce()
	assert.False(t, c.Attached(), "auto bind disabled")

	f.mgr.SetAutoBind(true)
	f.bus.Announce()
	boundTo(t, c, dev1, 1)
}

func TestHostAutoBindRegister(t *testing.T) {
	f := newFixture(t)
	f.command(wire.SetRegister(RegAutoBind), []byte{1})
	assert.True(t, f.mgr.AutoBindEnabled())

	f.command(wire.GetRegister(RegAutoBind), nil)
	got := f.reports(wire.GetRegister(RegAutoBind))
	require.Len(t, got, 1)
	assert.Equal(t, []byte{1}, got[0].Data)
}

func TestHostAllRolesAllocated(t *testing.T) {
	f := newFixture(t)
	f.client(classLED, "lamp")
	f.command(wire.GetRegister(RegAllRolesAllocated), nil)
	f.announce(dev1, classLED)
	f.mgr.AutoBind()
	f.command(wire.GetRegister(RegAllRolesAllocated), nil)

	got := f.reports(wire.GetRegister(RegAllRolesAllocated))
	require.Len(t, got, 2)
	assert.Equal(t, []byte{0}, got[0].Data)
	assert.Equal(t, []byte{1}, got[1].Data)
}

func TestHostGetAndSetRole(t *testing.T) {
	f := newFixture(t)
	slot := append(append([]byte(nil), dev1[:]...), 3)

	f.command(CmdSetRole, append(append([]byte(nil), slot...), "fan"...))
	role, err := f.mgr.Roles().Get(dev1, 3)
	require.NoError(t, err)
	assert.Equal(t, "fan", role)

	f.command(CmdGetRole, slot)
	got := f.reports(CmdGetRole)
	require.Len(t, got, 1)
	assert.Equal(t, append(append([]byte(nil), slot...), "fan"...), got[0].Data)

	f.command(CmdGetRole, slot[:5])
	assert.Len(t, f.reports(CmdGetRole), 1, "short request ignored")

	events := f.reports(wire.CmdEvent)
	require.Len(t, events, 1)
	assert.Equal(t, wire.EventChange, binary.LittleEndian.Uint32(events[0].Data))

	f.command(CmdClearAllRoles, nil)
	list, err := f.mgr.Roles().List()
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Len(t, f.reports(wire.CmdEvent), 2)
}

// listing opens a pipe on a peer bus, sends cmd to the role manager and
// collects the pipe payloads.
func listing(t *testing.T, f *fixture, cmd uint16) [][]byte {
	t.Helper()
	peerLink := &link{peer: f.bus}
	peer := newBus(t, peerID, peerLink, settings.NewMemoryStore())
	f.link.mu.Lock()
	f.link.peer = peer
	f.link.mu.Unlock()

	in, err := pipe.NewManager(peer).Open()
	require.NoError(t, err)
	f.command(cmd, in.OpenCommand(cmd).Data)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var out [][]byte
	for {
		b, err := in.Read(ctx)
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		if len(b) > 0 {
			out = append(out, b)
		}
	}
}

func TestHostListStoredRoles(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.mgr.Roles().Set(dev1, 1, "a"))
	require.NoError(t, f.mgr.Roles().Set(dev2, 4, "b/c"))

	items := listing(t, f, CmdListStoredRoles)
	require.Len(t, items, 2)
	v, err := jdpack.Unpack(items[1], storedRoleFormat)
	require.NoError(t, err)
	assert.Equal(t, dev2[:], v[0])
	assert.Equal(t, uint64(4), v[1])
	assert.Equal(t, "b/c", v[2])
}

func TestHostListRequiredRoles(t *testing.T) {
	f := newFixture(t)
	f.client(classServo, "arm")
	f.client(classLED, "lamp")
	f.announce(dev1, classLED)
	f.mgr.AutoBind()

	items := listing(t, f, CmdListRequiredRoles)
	require.Len(t, items, 2)

	arm, err := jdpack.Unpack(items[0], requiredRoleFormat)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8), arm[0])
	assert.Equal(t, uint64(classServo), arm[1])
	assert.Equal(t, uint64(0), arm[2])
	assert.Equal(t, "arm", arm[3])

	lamp, err := jdpack.Unpack(items[1], requiredRoleFormat)
	require.NoError(t, err)
	assert.Equal(t, dev1[:], lamp[0])
	assert.Equal(t, uint64(1), lamp[2])
}
