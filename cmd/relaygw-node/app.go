package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"relaygw/pkg/config"
	"relaygw/pkg/core/netstack"
	"relaygw/pkg/gateway"
	"relaygw/pkg/observability"
	"relaygw/pkg/packer"
	"relaygw/pkg/peers"
	"relaygw/pkg/protocol/codec"
	"relaygw/pkg/relay"
	"relaygw/pkg/transport"
)

// run is the main entry point after CLI parsing.
func run(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("relaygw-node starting", zap.String("app", cfg.AppName), zap.String("version", version))
	zap.L().Debug("effective configuration", zap.Any("config", cfg))

	app := fx.New(nodeOptions(cfg, logger))
	startCtx, cancel := context.WithTimeout(ctx, app.StartTimeout())
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	zap.L().Info("node is running; press Ctrl+C to exit")

	select {
	case <-ctx.Done():
	case sig := <-app.Done():
		zap.L().Info("signal received", zap.Stringer("signal", sig))
	}
	stopCtx, cancelStop := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancelStop()
	return app.Stop(stopCtx)
}

// nodeOptions wires a node. Hooks start in the order they are invoked and
// stop in reverse: the book is saved after the gateway has shut down and the
// relay stops before it.
func nodeOptions(cfg *config.Config, logger *zap.Logger) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.WithLogger(func() fxevent.Logger { return &fxevent.ZapLogger{Logger: logger} }),
		fx.Provide(
			newPacker,
			newTransports,
			newGateway,
			newRegistry,
			newMetrics,
			newStore,
			peers.NewBook,
			newRelay,
		),
		fx.Invoke(
			registerObservers,
			registerBook,
			registerGateway,
			registerRelay,
			registerMetricsServer,
		),
	)
}

func newPacker() *packer.Packer { return packer.New(nil) }

func newTransports(cfg *config.Config, pk *packer.Packer) ([]transport.Transport, error) {
	return netstack.Transports(cfg.Transports, pk)
}

func newGateway(cfg *config.Config, ts []transport.Transport) (*gateway.Gateway, error) {
	return gateway.New(ts, netstack.Neighbors(cfg.Neighbors))
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func newMetrics(reg *prometheus.Registry) *observability.Metrics { return observability.NewMetrics(reg) }

func newStore(cfg *config.Config) *peers.Store {
	return peers.NewStore(cfg.Peers.StatsSize, cfg.Peers.StatsTTL)
}

func newRelay(cfg *config.Config, gw *gateway.Gateway, m *observability.Metrics, st *peers.Store) (*relay.Relay, error) {
	return relay.New(gw, relay.Options{
		DedupSize: cfg.Relay.DedupSize,
		OnForward: func(addr string) {
			m.Forwarded.Inc()
			st.RecordOut(addr)
		},
		OnDuplicate: m.Duplicates.Inc,
	})
}

func registerObservers(lc fx.Lifecycle, gw *gateway.Gateway, m *observability.Metrics, st *peers.Store, book *peers.Book) {
	subs := m.Observe(gw)
	subs = append(subs, st.Observe(gw)...)
	subs = append(subs, book.Observe(gw))
	lc.Append(fx.Hook{OnStop: func(context.Context) error {
		subs.Unsubscribe()
		return nil
	}})
}

func registerBook(lc fx.Lifecycle, cfg *config.Config, gw *gateway.Gateway, book *peers.Book) error {
	path := cfg.BookPath()
	if path == "" {
		return nil
	}
	c, err := codec.ByName(cfg.Peers.BookFormat)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := book.Load(path, c); err != nil {
				zap.L().Warn("peer book not loaded", zap.String("path", path), zap.Error(err))
				return nil
			}
			n := book.Restore(ctx, gw)
			zap.L().Info("peer book restored", zap.String("path", path), zap.Int("neighbors", n))
			return nil
		},
		OnStop: func(context.Context) error {
			if err := book.Save(path, c); err != nil {
				return fmt.Errorf("save peer book: %w", err)
			}
			zap.L().Info("peer book saved", zap.String("path", path), zap.Int("entries", len(book.Entries())))
			return nil
		},
	})
	return nil
}

func registerGateway(lc fx.Lifecycle, gw *gateway.Gateway) {
	lc.Append(fx.Hook{
		OnStart: gw.Run,
		OnStop:  gw.Shutdown,
	})
}

func registerRelay(lc fx.Lifecycle, cfg *config.Config, r *relay.Relay) {
	if !cfg.Relay.Enable {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			r.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			r.Stop()
			return nil
		},
	})
}

func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, reg *prometheus.Registry) {
	if !cfg.Metrics.Enable {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", cfg.Metrics.Listen)
			if err != nil {
				return fmt.Errorf("metrics listen: %w", err)
			}
			zap.L().Info("metrics listening", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					zap.L().Error("metrics server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
