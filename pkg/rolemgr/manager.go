package rolemgr

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/settings"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// DefaultBindInterval bounds how often announces trigger a binding pass.
const DefaultBindInterval = 100 * time.Millisecond

// Config configures a Manager.
type Config struct {
	// Store persists roles. Defaults to the bus name store.
	Store settings.Store

	// AutoBind enables binding passes on announce.
	AutoBind bool

	// BindInterval is the minimum time between announce triggered passes.
	BindInterval time.Duration
}

// Manager owns the role store of a bus, runs the auto-binder and serves the
// role manager service.
type Manager struct {
	bus      *bus.Bus
	roles    *Roles
	autoBind atomic.Bool
	limiter  *rate.Sometimes
	host     *bus.Host
}

// New installs a role manager on b. The role store becomes the bus role
// resolver and the role manager service is started.
func New(b *bus.Bus, cfg Config) *Manager {
	if cfg.Store == nil {
		cfg.Store = b.Names()
	}
	if cfg.BindInterval <= 0 {
		cfg.BindInterval = DefaultBindInterval
	}
	m := &Manager{
		bus:     b,
		roles:   NewRoles(cfg.Store),
		limiter: &rate.Sometimes{Interval: cfg.BindInterval},
	}
	m.autoBind.Store(cfg.AutoBind)
	b.SetRoleResolver(m.roles)
	b.OnAnnounce(m.onAnnounce)

	m.host = bus.NewHost("roleManager", wire.ServiceClassRoleManager, &service{m: m})
	m.host.Start(b)
	return m
}

// Roles returns the role store.
func (m *Manager) Roles() *Roles { return m.roles }

// Host returns the role manager service host.
func (m *Manager) Host() *bus.Host { return m.host }

// AutoBindEnabled reports whether announces trigger binding passes.
func (m *Manager) AutoBindEnabled() bool { return m.autoBind.Load() }

// SetAutoBind enables or disables binding on announce.
func (m *Manager) SetAutoBind(on bool) { m.autoBind.Store(on) }

// SetRole stores role for a service slot and forces clients to reattach.
// An empty role removes the assignment.
func (m *Manager) SetRole(dev wire.DeviceID, idx uint8, role string) error {
	if err := m.roles.Set(dev, idx, role); err != nil {
		return err
	}
	m.bus.ClearNameCache()
	return nil
}

// ClearRoles removes every stored role.
func (m *Manager) ClearRoles() error {
	if err := m.roles.Clear(); err != nil {
		return err
	}
	m.bus.ClearNameCache()
	return nil
}

// AutoBind runs one binding pass now, regardless of the enable flag.
func (m *Manager) AutoBind() []Assignment {
	var out []Assignment
	m.bus.Exclusive(func(r *bus.Registry) {
		out = autoBind(r, m.roles, m.bus.Logger())
	})
	for _, a := range out {
		m.bus.Recorder().RoleAssigned()
		m.bus.Logger().Info("role assigned",
			"role", a.Role, "device", a.DeviceID.String(), "index", a.ServiceIndex)
	}
	return out
}

// AllRolesAllocated reports whether every unicast client is attached.
func (m *Manager) AllRolesAllocated() bool {
	for _, c := range m.bus.Clients() {
		if !c.Broadcast() && !c.Attached() {
			return false
		}
	}
	return true
}

// RequiredRole describes a client for ListRequiredRoles.
type RequiredRole struct {
	DeviceID     wire.DeviceID
	ServiceClass uint32
	ServiceIndex uint8
	Role         string
}

// RequiredRoles lists every started client with its current binding.
// Unattached clients report a zero device and index.
func (m *Manager) RequiredRoles() []RequiredRole {
	clients := m.bus.Clients()
	out := make([]RequiredRole, 0, len(clients))
	for _, c := range clients {
		rr := RequiredRole{ServiceClass: c.ServiceClass(), Role: c.Role()}
		if dev := c.Device(); dev != nil {
			rr.DeviceID = dev.ID()
			rr.ServiceIndex, _ = c.ServiceIndex()
		}
		out = append(out, rr)
	}
	return out
}

func (m *Manager) onAnnounce() {
	if !m.autoBind.Load() {
		return
	}
	m.limiter.Do(func() { m.AutoBind() })
}

func (m *Manager) String() string {
	return fmt.Sprintf("rolemgr(autobind=%t)", m.AutoBindEnabled())
}
