package main

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/backends"
	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/mcpserver"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/registry"
	"github.com/isdmx/sandboxd/session"
	"github.com/isdmx/sandboxd/template"
	"github.com/isdmx/sandboxd/watchdog"
)

func main() {
	fx.New(appOptions()).Run()
}

func appOptions() fx.Option {
	return fx.Options(
		fx.Provide(
			// Config
			config.New,

			// Logger with configuration
			logger.NewFromConfig,

			// Adapters by kind, default built eagerly
			backends.New,

			newStore,
			newCatalog,
			newMetrics,
			newManager,
			newPool,
			newWatchdog,

			// MCP Server
			newMCPServer,
		),

		fx.Invoke(runWatchdog, runPool, runTransport),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
}

func newStore(cfg *config.Config, log *zap.Logger) *registry.Store {
	return registry.New(cfg.RegistryPath(), registry.WithLogger(log))
}

func newCatalog(cfg *config.Config, log *zap.Logger) *template.Catalog {
	return template.NewCatalog(cfg.TemplatesDBPath(), template.WithLogger(log))
}

func newMetrics(store *registry.Store) *metrics.Metrics {
	m := metrics.New()
	m.WatchRegistry(store)
	return m
}

func newManager(cfg *config.Config, log *zap.Logger, store *registry.Store, adapters *backends.Resolver, catalog *template.Catalog, m *metrics.Metrics) *session.Manager {
	return session.NewManagerFromConfig(cfg, log, store, adapters, catalog, session.WithMetrics(m))
}

// newPool returns nil when pool.size is zero.
func newPool(cfg *config.Config, log *zap.Logger, manager *session.Manager) (*session.Pool, error) {
	if cfg.Pool.Size == 0 {
		return nil, nil
	}
	return session.NewPool(manager, cfg.Pool.Size, session.WithPoolLogger(log))
}

func newMCPServer(cfg *config.Config, log *zap.Logger, manager *session.Manager, m *metrics.Metrics, pool *session.Pool) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, manager, m, mcpserver.WithPool(pool))
}

func newWatchdog(cfg *config.Config, log *zap.Logger, store *registry.Store, adapters *backends.Resolver, m *metrics.Metrics) *watchdog.Watchdog {
	return watchdog.NewFromConfig(cfg, log, store, adapters, watchdog.WithMetrics(m))
}

// runWatchdog reaps idle sessions for as long as the application runs.
func runWatchdog(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, w *watchdog.Watchdog) {
	if !cfg.Watchdog.Enabled {
		log.Info("watchdog disabled; idle sessions are reaped only by a separate sandboxctl watchdog")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				_ = w.Run(ctx)
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

// runPool prewarms the session pool in the background and shuts its
// sessions down when the application stops.
func runPool(lc fx.Lifecycle, log *zap.Logger, pool *session.Pool) {
	if pool == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := pool.Prewarm(ctx); err != nil {
					log.Warn("session pool prewarm failed, sessions will be created on demand", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
			return pool.Close(stopCtx)
		},
	})
}

// runTransport serves MCP on the configured transport and stops the
// application when the transport ends.
func runTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) error {
	var serve func() error
	switch cfg.Server.Transport {
	case "stdio":
		serve = server.ServeStdio
	case "http":
		serve = server.ServeHTTP
	default:
		return errors.New("unsupported transport: " + cfg.Server.Transport)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				err := serve()
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("MCP transport failed", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: server.Shutdown,
	})
	return nil
}
