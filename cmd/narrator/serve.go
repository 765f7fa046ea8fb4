package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/narrator/internal/app"
	"github.com/MrWong99/narrator/internal/config"
	"github.com/MrWong99/narrator/internal/observe"
)

var (
	mcpStdio bool
	noWatch  bool

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, health probes, metrics and MCP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
)

func init() {
	serveCmd.Flags().BoolVar(&mcpStdio, "mcp-stdio", false, "also serve MCP over stdin/stdout; the server stops when the client disconnects")
	serveCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload the config file on change")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := telemetry.Shutdown(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	a, err := newApp(ctx, app.WithTelemetry(telemetry))
	if err != nil {
		return err
	}
	defer shutdown(a)

	if configFile != "" && !noWatch {
		w, err := a.Watch(configFile)
		if err != nil {
			return err
		}
		go reloadOnHangup(ctx, w)
	}

	slog.Info("narrator starting",
		"version", Version,
		"listen_addr", cfg.Server.ListenAddr,
		"backends", len(cfg.Backends),
		"sink", cfg.Persistence.Sink,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.Run(gctx) })
	if mcpStdio {
		g.Go(func() error {
			if err := a.RunMCPStdio(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			slog.Info("mcp client disconnected")
			// Ending the group stops the HTTP server as well.
			return context.Canceled
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("shutdown signal received, stopping")
	return nil
}

// reloadOnHangup re-reads the config file whenever the process gets SIGHUP.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			if err != nil {
				slog.Warn("config reload rejected, keeping previous config", "path", configFile, "err", err)
				continue
			}
			slog.Info("config reload requested", "changed", changed)
		}
	}
}
