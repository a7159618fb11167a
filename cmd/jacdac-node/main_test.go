package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/config"
	"github.com/jacdac-protocol/jacdac-go/pkg/rolemgr"
)

func TestLoadConfigFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport:
  mode: dial
  address: 10.0.0.1:8082
log:
  level: warn
`), 0o600))

	old := opts
	t.Cleanup(func() { opts = old })
	require.NoError(t, flag.CommandLine.Parse([]string{
		"-config", path,
		"-address", "10.0.0.2:9000",
		"-store", "file",
		"-store-path", filepath.Join(t.TempDir(), "roles.json"),
	}))

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, config.ModeDial, cfg.Transport.Mode, "file value kept when flag not set")
	assert.Equal(t, "10.0.0.2:9000", cfg.Transport.Address)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, config.StoreFile, cfg.Store.Kind)
}

func TestLoopback(t *testing.T) {
	assert.Equal(t, "127.0.0.1:8082", loopback(&net.TCPAddr{Port: 8082}))
	assert.Equal(t, "127.0.0.1:8082", loopback(&net.TCPAddr{IP: net.IPv6unspecified, Port: 8082}))
	assert.Equal(t, "10.1.2.3:99", loopback(&net.TCPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 99}))
}

func TestAppHubModeStartsAndStops(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Listen = "127.0.0.1:0"
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.Bus.AnnounceInterval = 20 * time.Millisecond
	cfg.Bus.LivenessTimeout = time.Second

	var (
		b     *bus.Bus
		roles *rolemgr.Manager
	)
	app := fx.New(options(cfg, slog.Default()), fx.Populate(&b, &roles), fx.NopLogger)
	require.NoError(t, app.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	assert.NotNil(t, roles.Host())
	assert.True(t, roles.Host().Running())
	require.NoError(t, app.Stop(ctx))
}

func TestAppMemoryMode(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.Mode = config.ModeMemory

	var b *bus.Bus
	app := fx.New(options(cfg, slog.Default()), fx.Populate(&b), fx.NopLogger)
	require.NoError(t, app.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))

	sim := startSimulation(b)
	assert.True(t, sim.Running())
	sim.Stop()
	require.NoError(t, app.Stop(ctx))
}
