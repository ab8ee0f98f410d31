package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/angeloszaimis/healing-proxy/config"
	"github.com/angeloszaimis/healing-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/healing-proxy/internal/handler"
	"github.com/angeloszaimis/healing-proxy/internal/metrics"
	"github.com/angeloszaimis/healing-proxy/internal/pool"
	"github.com/angeloszaimis/healing-proxy/internal/proxy"
	"github.com/angeloszaimis/healing-proxy/internal/supervisor"
	"github.com/angeloszaimis/healing-proxy/internal/watch"
	"github.com/angeloszaimis/healing-proxy/pkg/logger"
)

const metricsBufferSize = 1024

// App owns every piece of process-wide state: the manifest cache, the
// connection pools, the supervisor and the request path built on top of them.
type App struct {
	cfg *config.Config
	log *slog.Logger

	Metrics    *metrics.Collector
	Pools      *pool.Pools
	Supervisor *supervisor.Supervisor
	Forwarder  *proxy.Forwarder
	Handler    *handler.ProxyHandler

	manifest func() (*config.Manifest, error)
	fatal    chan error

	mu      sync.Mutex
	watcher *watch.Watcher
	cancel  context.CancelFunc
}

func New(cfg *config.Config, log *slog.Logger) *App {
	a := &App{
		cfg:   cfg,
		log:   log,
		fatal: make(chan error, 1),
	}

	a.manifest = sync.OnceValues(func() (*config.Manifest, error) {
		return config.LoadManifest(cfg.Backend.Manifest, cfg.Backend.Executable)
	})

	a.Metrics = metrics.NewCollector(metricsBufferSize, logger.Component(log, "metrics"))

	a.Pools = pool.New(pool.Options{
		MaxIdleConns:          cfg.Proxy.MaxIdleConns,
		IdleConnTimeout:       config.Duration(cfg.Proxy.IdleConnTimeout),
		ResponseHeaderTimeout: config.Duration(cfg.Proxy.Timeout),
	})

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.Startup.BreakerThreshold > 0 {
		breaker = circuitbreaker.NewCircuitBreaker(
			cfg.Startup.BreakerThreshold,
			config.Duration(cfg.Startup.BreakerReset),
		)
	}

	a.Supervisor = supervisor.New(supervisor.Options{
		Manifest:        a.manifest,
		Health:          a.Pools.Health(),
		Conns:           a.Pools,
		Host:            cfg.Backend.Host,
		Port:            cfg.Backend.Port,
		PortEnv:         cfg.Backend.PortEnv,
		StartupTimeout:  config.Duration(cfg.Startup.Timeout),
		PollInterval:    config.Duration(cfg.Startup.PollInterval),
		StopGrace:       config.Duration(cfg.Backend.StopGrace),
		MonitorInterval: config.Duration(cfg.Startup.MonitorInterval),
		MonitorFailures: cfg.Startup.MonitorFailures,
		Breaker:         breaker,
		Recorder:        a.Metrics,
		Logger:          logger.Component(log, "supervisor"),
	})

	a.Forwarder = proxy.NewForwarder(proxy.Options{
		Host:       cfg.Backend.Host,
		Port:       cfg.Backend.Port,
		Transport:  a.Pools.Proxy().Transport,
		BufferSize: cfg.Proxy.BufferSize,
		Readiness:  a.Supervisor,
		Recorder:   a.Metrics,
		Logger:     logger.Component(log, "proxy"),
	})

	var onFatal func(error)
	if cfg.Proxy.OnForwardFailure == config.PolicyExit {
		onFatal = a.reportFatal
	}

	a.Handler = handler.NewProxyHandler(
		logger.Component(log, "handler"),
		a.Supervisor,
		a.Forwarder,
		a.Metrics,
		onFatal,
	)

	return a
}

// Start loads the manifest, which makes a missing or malformed manifest
// fatal before any request arrives, and starts the background workers.
// The backend itself is started lazily by the first request.
func (a *App) Start(ctx context.Context) error {
	m, err := a.manifest()
	if err != nil {
		return fmt.Errorf("load backend manifest: %w", err)
	}

	a.log.Info("Backend manifest loaded",
		slog.String("executable", m.ExecutablePath),
		slog.String("healthcheck", m.HealthcheckPath))

	runCtx, cancel := context.WithCancel(ctx)

	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	a.Metrics.Start(runCtx)

	if a.cfg.Watch.Executable {
		a.startWatcher(runCtx, m.ExecutablePath)
	}

	return nil
}

func (a *App) startWatcher(ctx context.Context, path string) {
	log := logger.Component(a.log, "watch")

	w, err := watch.New(watch.Options{
		Path:     path,
		Debounce: config.Duration(a.cfg.Watch.Debounce),
		Logger:   log,
	})
	if err != nil {
		log.Warn("Executable watcher disabled", slog.String("error", err.Error()))
		return
	}

	a.mu.Lock()
	a.watcher = w
	a.mu.Unlock()

	go func() {
		if err := w.Run(ctx, a.Supervisor.MarkUnready); err != nil {
			log.Error("Executable watcher failed", slog.String("error", err.Error()))
		}
	}()
}

// Fatal delivers the first error that should terminate the process.
func (a *App) Fatal() <-chan error {
	return a.fatal
}

func (a *App) reportFatal(err error) {
	select {
	case a.fatal <- err:
	default:
	}
}

// Shutdown stops the backend and the background workers. Call it after the
// listeners have drained.
func (a *App) Shutdown() {
	a.Supervisor.Shutdown()

	a.mu.Lock()
	w, cancel := a.watcher, a.cancel
	a.mu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			a.log.Warn("Failed to close executable watcher", slog.String("error", err.Error()))
		}
	}
	if cancel != nil {
		cancel()
	}

	a.Pools.CloseIdleConnections()
	a.log.Info("Application stopped")
}
