package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryelan/ghostwrite/pkg/ghostwrite/config"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/gateway"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/persist"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/scheduler"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/session"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/store"
	"github.com/ryelan/ghostwrite/pkg/ghostwrite/transport"
)

// newServeCmd creates the `ghostwrite serve` command that starts the daemon.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon with the HTTP gateway",
		Long: `Start Ghostwrite as a daemon service. Sessions are started over
the HTTP gateway and stay connected until ended or shut down.

Examples:
  ghostwrite serve
  ghostwrite serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logger := buildLogger(cfg.Logging, verbose)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	queue := persist.New(st, logger)

	factory := transport.NewMeowFactory(transport.MeowConfig{
		SessionsDir: cfg.Transport.SessionsDir,
		DeviceName:  cfg.Transport.DeviceName,
	}, logger)

	registry := session.NewRegistry(factory, st, queue, cfg.Sessions.Codes, logger)

	sched := scheduler.New(
		scheduler.NewSQLiteStorage(st.DB()),
		func(ctx context.Context, code, number, message string) error {
			sess, err := registry.Get(code)
			if err != nil {
				return fmt.Errorf("session %s unavailable: %w", code, err)
			}
			if !sess.Ready() {
				return fmt.Errorf("session %s is not connected", code)
			}
			return sess.Client().SendText(ctx, number, message)
		},
		logger,
	)
	if err := sched.Start(context.Background()); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	maintenance := session.NewMaintenance(queue, registry, logger)
	if err := maintenance.Start(); err != nil {
		return fmt.Errorf("starting maintenance jobs: %w", err)
	}

	gw := gateway.New(gateway.Config{
		Addr:  cfg.Gateway.Addr,
		Token: cfg.Gateway.Token,
	}, registry, st, sched, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- gw.ListenAndServe() }()

	logger.Info("ghostwrite running, press Ctrl+C to stop",
		"addr", cfg.Gateway.Addr,
		"sessions", len(cfg.Sessions.Codes),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("shutdown signal received, stopping", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("gateway failed: %w", err)
		}
	}

	done := make(chan struct{})
	go func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		_ = gw.Shutdown(shutdownCtx)
		sched.Stop()
		maintenance.Stop()
		registry.Shutdown(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}
	return nil
}

// resolveConfig loads the config from the --config flag or the standard
// locations.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = config.FindFile()
	}
	if path == "" {
		return nil, fmt.Errorf("no config file found, pass one with --config")
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func buildLogger(cfg config.LoggingConfig, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose || cfg.Level == "debug" {
		level = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
