package rolemgr

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/settings"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

// KeyPrefix starts every role key in the settings store.
const KeyPrefix = "#jdr:"

// StoredRole is one persisted assignment.
type StoredRole struct {
	DeviceID     wire.DeviceID
	ServiceIndex uint8
	Role         string
}

// Roles is the persistent role store. It implements bus.RoleResolver.
type Roles struct {
	store settings.Store
}

// NewRoles returns a role store backed by store.
func NewRoles(store settings.Store) *Roles {
	return &Roles{store: store}
}

// Key returns the settings key of a service slot.
func Key(dev wire.DeviceID, idx uint8) string {
	return KeyPrefix + dev.String() + ":" + strconv.Itoa(int(idx))
}

// Get returns the role stored for a service slot, or "".
func (r *Roles) Get(dev wire.DeviceID, idx uint8) (string, error) {
	v, _, err := r.store.Get(Key(dev, idx))
	if err != nil {
		return "", fmt.Errorf("rolemgr: get role: %w", err)
	}
	return v, nil
}

// Role implements bus.RoleResolver. Store errors resolve to no role.
func (r *Roles) Role(dev *bus.Device, idx uint8) string {
	v, _ := r.Get(dev.ID(), idx)
	return v
}

// Set stores role for a service slot. An empty role removes the entry.
func (r *Roles) Set(dev wire.DeviceID, idx uint8, role string) error {
	key := Key(dev, idx)
	var err error
	if role == "" {
		err = r.store.Remove(key)
	} else {
		err = r.store.Set(key, role)
	}
	if err != nil {
		return fmt.Errorf("rolemgr: set role: %w", err)
	}
	return nil
}

// Clear removes every stored role.
func (r *Roles) Clear() error {
	if err := r.store.RemovePrefix(KeyPrefix); err != nil {
		return fmt.Errorf("rolemgr: clear roles: %w", err)
	}
	return nil
}

// List returns the stored roles ordered by key. Entries whose key does not
// parse are skipped.
func (r *Roles) List() ([]StoredRole, error) {
	entries, err := r.store.List(KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("rolemgr: list roles: %w", err)
	}
	out := make([]StoredRole, 0, len(entries))
	for _, e := range entries {
		sr, ok := parseKey(e.Key)
		if !ok {
			continue
		}
		sr.Role = e.Value
		out = append(out, sr)
	}
	return out, nil
}

func parseKey(key string) (StoredRole, bool) {
	devPart, idxPart, ok := strings.Cut(strings.TrimPrefix(key, KeyPrefix), ":")
	if !ok {
		return StoredRole{}, false
	}
	id, err := wire.ParseDeviceID(devPart)
	if err != nil {
		return StoredRole{}, false
	}
	idx, err := strconv.ParseUint(idxPart, 10, 8)
	if err != nil {
		return StoredRole{}, false
	}
	return StoredRole{DeviceID: id, ServiceIndex: uint8(idx)}, true
}

var _ bus.RoleResolver = (*Roles)(nil)
