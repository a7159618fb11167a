package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/jacdac-protocol/jacdac-go/cmd/jacdac-node/shell"
	"github.com/jacdac-protocol/jacdac-go/pkg/bus"
	"github.com/jacdac-protocol/jacdac-go/pkg/config"
	"github.com/jacdac-protocol/jacdac-go/pkg/discovery"
	"github.com/jacdac-protocol/jacdac-go/pkg/log"
	"github.com/jacdac-protocol/jacdac-go/pkg/metrics"
	"github.com/jacdac-protocol/jacdac-go/pkg/rolemgr"
	"github.com/jacdac-protocol/jacdac-go/pkg/settings"
	"github.com/jacdac-protocol/jacdac-go/pkg/transport"
)

const (
	startTimeout = 15 * time.Second
	stopTimeout  = 5 * time.Second
)

// options assembles the node. Providers that open resources register their
// cleanup on the lifecycle.
func options(cfg config.Node, logger *slog.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg, logger),
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),
		fx.Provide(
			newStore,
			newProtocolLogger,
			newRecorder,
			newTransport,
			newBus,
			newRoleManager,
		),
		fx.Invoke(runBus, serveMetrics, advertiseHub),
	)
}

func run(ctx context.Context, cancel context.CancelFunc, cfg config.Node, logger *slog.Logger) error {
	var (
		b     *bus.Bus
		roles *rolemgr.Manager
	)
	app := fx.New(options(cfg, logger), fx.Populate(&b, &roles))
	if err := app.Err(); err != nil {
		return err
	}

	startCtx, startCancel := context.WithTimeout(ctx, startTimeout)
	defer startCancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	logger.Info("node started", "device", b.SelfID(), "mode", cfg.Transport.Mode)

	if opts.Simulate {
		sim := startSimulation(b)
		defer sim.Stop()
	}

	if opts.Interactive {
		sh, err := shell.Open(b, roles)
		if err != nil {
			logger.Warn("interactive shell unavailable", "error", err)
		} else {
			slog.SetDefault(slog.New(slog.NewTextHandler(sh.Stdout(), nil)))
			go sh.Run(ctx, cancel)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	return app.Stop(stopCtx)
}

func newStore(lc fx.Lifecycle, cfg config.Node, logger *slog.Logger) (settings.Store, error) {
	switch cfg.Store.Kind {
	case config.StoreFile:
		return settings.OpenFileStore(cfg.Store.Path)
	case config.StoreBadger:
		s, err := settings.OpenBadgerStore(settings.BadgerConfig{
			Path:   cfg.Store.Path,
			Logger: logger.With("component", "badger"),
		})
		if err != nil {
			return nil, err
		}
		lc.Append(fx.StopHook(s.Close))
		return s, nil
	default:
		return settings.NewMemoryStore(), nil
	}
}

func newProtocolLogger(lc fx.Lifecycle, cfg config.Node, logger *slog.Logger) (log.Logger, error) {
	var loggers []log.Logger
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		loggers = append(loggers, log.NewSlogAdapter(logger.With("component", "protocol")))
	}
	if cfg.Log.Protocol != "" {
		fl, err := log.NewFileLogger(cfg.Log.Protocol)
		if err != nil {
			return nil, fmt.Errorf("open protocol log: %w", err)
		}
		lc.Append(fx.StopHook(fl.Close))
		loggers = append(loggers, fl)
	}
	if len(loggers) == 0 {
		return log.NoopLogger{}, nil
	}
	return log.NewMultiLogger(loggers...), nil
}

func newRecorder(cfg config.Node) *metrics.Recorder {
	name := cfg.Discovery.Name
	if name == "" {
		name, _ = os.Hostname()
	}
	return metrics.New(name)
}

type transportOut struct {
	fx.Out

	Transport bus.Transport
	Hub       *transport.Hub
}

func newTransport(lc fx.Lifecycle, cfg config.Node, logger *slog.Logger, plog log.Logger) (transportOut, error) {
	if cfg.Transport.Mode == config.ModeMemory {
		return transportOut{Transport: transport.NewWire(clock.New()).Port()}, nil
	}

	connCfg := transport.ConnConfig{
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		Logger:         logger.With("component", "transport"),
		ProtocolLogger: plog,
	}
	ctx := context.Background()

	var hub *transport.Hub
	address := cfg.Transport.Address
	switch cfg.Transport.Mode {
	case config.ModeHub:
		hub = transport.NewHub(transport.HubConfig{
			Address: cfg.Transport.Listen,
			Logger:  plog,
			OnError: func(c *transport.HubConn, err error) {
				logger.Warn("hub connection error", "conn", c.ConnID(), "error", err)
			},
		})
		if err := hub.Start(ctx); err != nil {
			return transportOut{}, err
		}
		lc.Append(fx.StopHook(hub.Stop))
		address = loopback(hub.Addr())
		logger.Info("hub listening", "address", hub.Addr())

	case config.ModeBrowse:
		browser := discovery.NewBrowser(discovery.BrowserConfig{
			Interface: cfg.Discovery.Interface,
			Logger:    logger,
		})
		svc, err := browser.FindHub(ctx)
		browser.Stop()
		if err != nil {
			return transportOut{}, fmt.Errorf("find hub: %w", err)
		}
		address = svc.Addr()
		logger.Info("found hub", "instance", svc.InstanceName, "address", address)
	}

	conn, err := transport.Dial(ctx, address, connCfg)
	if err != nil {
		return transportOut{}, err
	}
	lc.Append(fx.StopHook(conn.Close))
	return transportOut{Transport: conn, Hub: hub}, nil
}

// loopback turns a wildcard listen address into one the node can dial.
func loopback(addr net.Addr) string {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return addr.String()
	}
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		return net.JoinHostPort("127.0.0.1", fmt.Sprint(tcp.Port))
	}
	return tcp.String()
}

func newBus(t bus.Transport, cfg config.Node, logger *slog.Logger, plog log.Logger, store settings.Store, rec *metrics.Recorder) (*bus.Bus, error) {
	bc := cfg.BusConfig()
	bc.Names = store
	bc.Logger = logger.With("component", "bus")
	bc.ProtocolLogger = plog
	bc.Recorder = rec
	bc.OnIdentify = func() { logger.Info("identify requested") }
	return bus.New(t, bc)
}

func newRoleManager(b *bus.Bus, cfg config.Node) *rolemgr.Manager {
	return rolemgr.New(b, rolemgr.Config{
		AutoBind:     cfg.Roles.AutoBind,
		BindInterval: cfg.Roles.BindInterval,
	})
}

func runBus(lc fx.Lifecycle, b *bus.Bus, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("bus stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func serveMetrics(lc fx.Lifecycle, cfg config.Node, rec *metrics.Recorder, logger *slog.Logger) {
	if cfg.Metrics.Listen == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", rec.Handler())
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("metrics listen: %w", err)
			}
			logger.Info("serving metrics", "address", ln.Addr())
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("metrics server failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

type advertiseIn struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Node
	Logger    *slog.Logger
	Bus       *bus.Bus
	Hub       *transport.Hub
}

func advertiseHub(in advertiseIn) {
	if !in.Config.Discovery.Advertise || in.Hub == nil {
		return
	}
	cfg := discovery.DefaultAdvertiserConfig()
	cfg.Interface = in.Config.Discovery.Interface
	cfg.Logger = in.Logger
	adv := discovery.NewAdvertiser(cfg)

	in.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			port := 0
			if tcp, ok := in.Hub.Addr().(*net.TCPAddr); ok {
				port = tcp.Port
			}
			return adv.Advertise(ctx, &discovery.HubInfo{
				DeviceID: in.Bus.SelfID(),
				Port:     uint16(port),
				Name:     in.Config.Discovery.Name,
			})
		},
		OnStop: func(context.Context) error {
			adv.Stop()
			return nil
		},
	})
}
