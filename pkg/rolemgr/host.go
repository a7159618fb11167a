package rolemgr

import (
	"context"

	"github.com/jacdac-protocol/jacdac-go/pkg/jdpack"
	"github.com/jacdac-protocol/jacdac-go/pkg/pipe"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// Role manager registers and commands.
const (
	RegAutoBind          uint16 = 0x80
	RegAllRolesAllocated uint16 = 0x181

	CmdGetRole           uint16 = 0x80
	CmdSetRole           uint16 = 0x81
	CmdListStoredRoles   uint16 = 0x82
	CmdListRequiredRoles uint16 = 0x83
	CmdClearAllRoles     uint16 = 0x84
)

const (
	storedRoleFormat   = "b[8] u8 s"
	requiredRoleFormat = "b[8] u32 u8 s"
)

// service handles packets for the role manager host.
type service struct {
	m *Manager
}

func (s *service) HandlePacket(pkt *wire.Packet) {
	m := s.m
	h := m.host
	m.SetAutoBind(h.HandleRegBool(pkt, RegAutoBind, m.AutoBindEnabled()))

	switch pkt.ServiceCommand {
	case wire.GetRegister(RegAllRolesAllocated):
		var v uint8
		if m.AllRolesAllocated() {
			v = 1
		}
		s.reply(wire.NewPacket(pkt.ServiceCommand, []byte{v}))

	case CmdGetRole:
		if len(pkt.Data) != wire.DeviceIDSize+1 {
			return
		}
		id, _ := wire.DeviceIDFromBytes(pkt.Data)
		role, err := m.roles.Get(id, pkt.Data[8])
		if err != nil {
			m.bus.Logger().Warn("get role failed", "error", err)
		}
		data := append(append([]byte(nil), pkt.Data...), role...)
		s.reply(wire.NewPacket(CmdGetRole, data))

	case CmdSetRole:
		if len(pkt.Data) < wire.DeviceIDSize+1 {
			return
		}
		id, _ := wire.DeviceIDFromBytes(pkt.Data)
		if err := m.SetRole(id, pkt.Data[8], string(pkt.Data[9:])); err != nil {
			m.bus.Logger().Warn("set role failed", "error", err)
			return
		}
		s.changed()

	case CmdListStoredRoles:
		roles, err := m.roles.List()
		if err != nil {
			m.bus.Logger().Warn("list roles failed", "error", err)
			return
		}
		s.respond(pipe.RespondForEach(context.Background(), m.bus, pkt, roles, func(r StoredRole) []byte {
			return jdpack.MustParse(storedRoleFormat).MustPack(r.DeviceID, r.ServiceIndex, r.Role)
		}))

	case CmdListRequiredRoles:
		s.respond(pipe.RespondForEach(context.Background(), m.bus, pkt, m.RequiredRoles(), func(r RequiredRole) []byte {
			return jdpack.MustParse(requiredRoleFormat).MustPack(r.DeviceID, r.ServiceClass, r.ServiceIndex, r.Role)
		}))

	case CmdClearAllRoles:
		if err := m.ClearRoles(); err != nil {
			m.bus.Logger().Warn("clear roles failed", "error", err)
			return
		}
		s.changed()
	}
}

func (s *service) reply(pkt *wire.Packet) {
	if err := s.m.host.SendReport(pkt); err != nil {
		s.m.bus.Logger().Warn("role manager report failed", "error", err)
	}
}

func (s *service) changed() {
	if err := s.m.host.SendChangeEvent(); err != nil {
		s.m.bus.Logger().Warn("role manager change event failed", "error", err)
	}
}

func (s *service) respond(done <-chan error) {
	go func() {
		if err := <-done; err != nil {
			s.m.bus.Logger().Warn("role listing failed", "error", err)
		}
	}()
}
