package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/angeloszaimis/healing-proxy/config"
	"github.com/angeloszaimis/healing-proxy/internal/app"
	"github.com/angeloszaimis/healing-proxy/internal/httpserver"
	"github.com/angeloszaimis/healing-proxy/pkg/logger"
)

var version = "dev"

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		slog.Error("healing-proxy stopped with an error", slog.Any("err", err))
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "healing-proxy",
		Usage:   "reverse proxy that starts, health-checks and restarts its backend on demand",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "settings file (default: config.yaml in ./config or .)",
				Sources: cli.EnvVars("PROXY_CONFIG"),
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(cfg.Logging.Level, true, cfg.Server.Environment)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return serve(ctx, cfg, log)
}

// serve runs until ctx ends, a listener fails, or a forwarding failure is
// reported under the exit policy. Listeners are drained before the backend
// is stopped.
func serve(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	a := app.New(cfg, log)
	if err := a.Start(ctx); err != nil {
		a.Shutdown()
		return err
	}

	serverOpts := []httpserver.Option{
		httpserver.WithReadHeaderTimeout(config.Duration(cfg.Server.ReadHeaderTimeout)),
		httpserver.WithIdleTimeout(config.Duration(cfg.Server.IdleTimeout)),
		httpserver.WithErrorLog(log),
	}

	srv, err := httpserver.New(cfg.Server.Address, a.Handler, serverOpts...)
	if err != nil {
		a.Shutdown()
		return fmt.Errorf("create proxy server: %w", err)
	}

	var admin *httpserver.Server
	if cfg.Server.AdminAddress != "" {
		admin, err = httpserver.New(cfg.Server.AdminAddress, setupAdminRouter(a), serverOpts...)
		if err != nil {
			a.Shutdown()
			return fmt.Errorf("create admin server: %w", err)
		}
	}

	srvErrCh := make(chan error, 2)

	go func() {
		srvErrCh <- srv.Start()
	}()
	log.Info("Proxy listening",
		slog.String("address", cfg.Server.Address),
		slog.String("backend", fmt.Sprintf("%s:%d", cfg.Backend.Host, cfg.Backend.Port)))

	if admin != nil {
		go func() {
			srvErrCh <- admin.Start()
		}()
		log.Info("Admin listening", slog.String("address", cfg.Server.AdminAddress))
	}

	var runErr error

	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-srvErrCh:
		if err == nil {
			err = errors.New("listener closed unexpectedly")
		}
		runErr = fmt.Errorf("server: %w", err)
	case err := <-a.Fatal():
		log.Error("Exiting after forwarding failure", slog.Any("err", err))
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpserver.ShutdownTimeout+time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Error during shutdown", slog.Any("err", err))
	}
	if admin != nil {
		if err := admin.Shutdown(shutdownCtx); err != nil {
			log.Error("Error during admin shutdown", slog.Any("err", err))
		}
	}

	a.Shutdown()

	return runErr
}
