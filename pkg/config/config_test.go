package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/wire"
)

func TestDefaultIsValid(t *testing.T) {
	n := Default()
	require.NoError(t, n.Validate())
	assert.Equal(t, ModeHub, n.Transport.Mode)
	assert.Equal(t, ":8082", n.Transport.Listen)
	assert.True(t, n.Roles.AutoBind)
}

func TestParseOverridesDefaults(t *testing.T) {
	n, err := Parse([]byte(`
device_id: 0102030405060708
description: bench node
transport:
  mode: dial
  address: 10.0.0.5:8082
bus:
  announce_interval: 250ms
store:
  kind: file
  path: /tmp/roles.json
log:
  level: debug
`))
	require.NoError(t, err)

	assert.Equal(t, wire.DeviceID{1, 2, 3, 4, 5, 6, 7, 8}, n.ID())
	assert.Equal(t, ModeDial, n.Transport.Mode)
	assert.Equal(t, "10.0.0.5:8082", n.Transport.Address)
	assert.Equal(t, 250*time.Millisecond, n.Bus.AnnounceInterval)
	assert.Equal(t, bus.DefaultLivenessTimeout, n.Bus.LivenessTimeout, "untouched fields keep defaults")
	assert.Equal(t, StoreFile, n.Store.Kind)

	lvl, err := ParseLevel(n.Log.Level)
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)
}

func TestParseEmpty(t *testing.T) {
	n, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), n)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("transprt:\n  mode: hub\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Node)
	}{
		{"bad device id", func(n *Node) { n.DeviceID = "zz" }},
		{"unknown mode", func(n *Node) { n.Transport.Mode = "serial" }},
		{"hub without listen", func(n *Node) { n.Transport.Listen = "" }},
		{"dial without address", func(n *Node) { n.Transport.Mode = ModeDial }},
		{"badger without path", func(n *Node) { n.Store.Kind = StoreBadger }},
		{"unknown store", func(n *Node) { n.Store.Kind = "redis" }},
		{"negative duration", func(n *Node) { n.Bus.AckTimeout = -time.Second }},
		{"liveness below announce", func(n *Node) { n.Bus.LivenessTimeout = n.Bus.AnnounceInterval }},
		{"advertise outside hub mode", func(n *Node) {
			n.Transport.Mode = ModeMemory
			n.Discovery.Advertise = true
		}},
		{"bad log level", func(n *Node) { n.Log.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Default()
			tt.modify(&n)
			err := n.Validate()
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	n := Default()
	n.Transport.Mode = "x"
	n.Store.Kind = "y"
	err := n.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transport.mode")
	assert.Contains(t, err.Error(), "store.kind")
}

func TestBusConfig(t *testing.T) {
	n := Default()
	n.DeviceID = "a1a2a3a4a5a6a7a8"
	n.Description = "desc"
	n.Bus.AckTimeout = time.Second
	n.Bus.AnnounceInterval = 0

	cfg := n.BusConfig()
	assert.Equal(t, wire.DeviceID{0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6, 0xa7, 0xa8}, cfg.DeviceID)
	assert.Equal(t, "desc", cfg.Description)
	assert.Equal(t, time.Second, cfg.AckTimeout)
	assert.Equal(t, bus.DefaultAnnounceInterval, cfg.AnnounceInterval, "zero keeps the bus default")
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport:\n  mode: memory\n"), 0o600))

	n, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ModeMemory, n.Transport.Mode)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
