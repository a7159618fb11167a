package rolemgr

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// Assignment is a role the auto-binder bound to a service slot.
type Assignment struct {
	Role         string
	DeviceID     wire.DeviceID
	ServiceIndex uint8
}

type binding struct {
	client *bus.Client
	role   string
	class  uint32
	dev    *bus.Device
	idx    uint8
}

func (b *binding) host() string {
	if i := strings.IndexByte(b.role, '/'); i >= 0 {
		return b.role[:i]
	}
	return b.role
}

type group struct {
	host     string
	bindings []*binding
}

func (g *group) fullyBound() bool {
	for _, b := range g.bindings {
		if b.dev == nil {
			return false
		}
	}
	return true
}

type candidate struct {
	dev     *bus.Device
	claimed map[uint8]*binding
	score   int
}

type binder struct {
	reg    *bus.Registry
	roles  *Roles
	logger *slog.Logger
	out    []Assignment
}

// autoBind runs one binding pass over the locked registry and returns the
// committed assignments.
func autoBind(reg *bus.Registry, roles *Roles, logger *slog.Logger) []Assignment {
	devices := reg.Devices()
	if len(devices) == 0 || len(reg.Unattached()) == 0 {
		return nil
	}
	bd := &binder{reg: reg, roles: roles, logger: logger}

	wraps := make([]*candidate, len(devices))
	byDev := make(map[*bus.Device]*candidate, len(devices))
	for i, d := range devices {
		c := &candidate{dev: d, claimed: make(map[uint8]*binding)}
		wraps[i] = c
		byDev[d] = c
	}

	var groups []*group
	byHost := make(map[string]*group)
	for _, cl := range reg.Clients() {
		if cl.Broadcast() {
			continue
		}
		dev := cl.Device()
		idx, _ := cl.ServiceIndex()
		var b *binding
		if cl.Role() != "" {
			b = &binding{client: cl, role: cl.Role(), class: cl.ServiceClass()}
			if dev != nil {
				b.dev, b.idx = dev, idx
			}
			g := byHost[b.host()]
			if g == nil {
				g = &group{host: b.host()}
				byHost[g.host] = g
				groups = append(groups, g)
			}
			g.bindings = append(g.bindings, b)
		}
		// Any attached client claims its slot, with or without a role.
		if w := byDev[dev]; dev != nil && w != nil {
			w.claimed[idx] = b
		}
	}
	groups = removeBound(groups)

	for len(groups) > 0 {
		h := groups[0]
		for _, g := range groups[1:] {
			if len(g.bindings) > len(h.bindings) ||
				len(g.bindings) == len(h.bindings) && g.host > h.host {
				h = g
			}
		}

		for _, w := range wraps {
			w.score = bd.scoreFor(w, h, false)
		}
		best := wraps[0]
		for _, w := range wraps[1:] {
			if w.score > best.score || w.score == best.score && w.dev.ID().Compare(best.dev.ID()) > 0 {
				best = w
			}
		}

		if best.score == 0 {
			groups = removeGroup(groups, h)
			continue
		}

		sort.SliceStable(h.bindings, func(i, j int) bool { return h.bindings[i].role < h.bindings[j].role })
		bd.scoreFor(best, h, true)

		if h.fullyBound() {
			groups = removeGroup(groups, h)
			continue
		}
		kept := h.bindings[:0]
		for _, b := range h.bindings {
			if b.dev != best.dev {
				kept = append(kept, b)
			}
		}
		h.bindings = kept
	}

	if len(bd.out) > 0 {
		reg.ClearNameCache()
	}
	return bd.out
}

// scoreFor matches the unbound bindings of g against the free slots of w
// and returns bound<<8 | possible, or 0 when nothing new fits. With commit
// set every match is bound.
func (bd *binder) scoreFor(w *candidate, g *group, commit bool) int {
	numBound, numPossible := 0, 0
	var missing []*binding
	for _, b := range g.bindings {
		switch {
		case b.dev == w.dev:
			numBound++
		case b.dev == nil:
			missing = append(missing, b)
		}
	}

	n := w.dev.NumServices()
	for i := 1; i < n; i++ {
		idx := uint8(i)
		if _, taken := w.claimed[idx]; taken {
			continue
		}
		class := w.dev.ServiceClassAt(idx)
		for j, b := range missing {
			if b.class != class {
				continue
			}
			numPossible++
			if commit {
				bd.commit(w, b, idx)
			}
			missing = append(missing[:j], missing[j+1:]...)
			break
		}
	}

	if numPossible == 0 {
		return 0
	}
	return numBound<<8 | numPossible
}

func (bd *binder) commit(w *candidate, b *binding, idx uint8) {
	w.claimed[idx] = b
	b.dev, b.idx = w.dev, idx

	id := w.dev.ID()
	if err := bd.roles.Set(id, idx, b.role); err != nil {
		bd.logger.Warn("role not persisted", "role", b.role, "device", w.dev.ShortID(), "error", err)
	}
	if !bd.reg.Attach(b.client, w.dev, idx) {
		bd.logger.Warn("role attach refused", "role", b.role, "device", w.dev.ShortID(), "index", idx)
		return
	}
	bd.logger.Debug("role bound", "role", b.role, "device", w.dev.ShortID(), "index", idx)
	bd.out = append(bd.out, Assignment{Role: b.role, DeviceID: id, ServiceIndex: idx})
}

func removeBound(groups []*group) []*group {
	out := groups[:0]
	for _, g := range groups {
		if !g.fullyBound() {
			out = append(out, g)
		}
	}
	return out
}

func removeGroup(groups []*group, g *group) []*group {
	for i, o := range groups {
		if o == g {
			return append(groups[:i], groups[i+1:]...)
		}
	}
	return groups
}
