// Command narrator generates speech from text through pluggable synthesis
// backends, caches voice catalogs and audio, and runs resumable batches.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/narrator/internal/app"
	"github.com/MrWong99/narrator/internal/config"
)

var (
	// Version as provided by the release build.
	Version = "dev"

	configFile string
	envFiles   []string
	logLevel   string
	logFormat  string

	// level is shared by the handler and config reloads.
	level = new(slog.LevelVar)

	rootCmd = &cobra.Command{
		Use:           "narrator",
		Short:         "Text-to-speech generation with cached voices and audio",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return setup(cmd)
		},
	}
)

// cfg is the loaded configuration, set by setup.
var cfg *config.Config

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "path to narrator.yaml (default: search the user config dirs)")
	pf.StringSliceVar(&envFiles, "env-file", nil, ".env files to load before reading the config (default: ./.env)")
	pf.StringVar(&logLevel, "log-level", "", "override the configured log level (debug, info, warn, error)")
	pf.StringVar(&logFormat, "log-format", "text", "log output format (text or json)")

	rootCmd.AddCommand(serveCmd, voicesCmd, sayCmd, batchCmd, credentialsCmd, cacheCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "narrator: %v\n", err)
		os.Exit(1)
	}
}

// setup loads .env files and the config, then installs the logger.
func setup(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return err
	}

	if configFile == "" {
		configFile = config.FindConfigFile()
	}
	var err error
	if configFile == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(configFile); err != nil {
		return err
	}
	if err := config.ResolvePaths(cfg); err != nil {
		return err
	}
	if logLevel != "" {
		lvl := config.LogLevel(logLevel)
		if !lvl.IsValid() {
			return fmt.Errorf("invalid --log-level %q", logLevel)
		}
		cfg.Server.LogLevel = lvl
	}

	level.Set(cfg.Server.LogLevel.Level())
	logger, err := newLogger(cmd.ErrOrStderr(), logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	slog.Debug("config loaded", "path", configFile, "backends", len(cfg.Backends))
	return nil
}

func newLogger(w io.Writer, format string) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid --log-format %q", format)
	}
}

// newApp builds the application for one command invocation.
func newApp(ctx context.Context, extra ...app.Option) (*app.App, error) {
	opts := []app.Option{
		app.WithLogger(slog.Default()),
		app.WithLevelVar(level),
		app.WithVersion(Version),
	}
	return app.New(ctx, cfg, append(opts, extra...)...)
}

// shutdown stops a with the configured timeout and logs failures.
func shutdown(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Warn("shutdown", "err", err)
	}
}
