package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glia-ai/glia/internal/adapter"
	"github.com/glia-ai/glia/internal/api"
	"github.com/glia-ai/glia/internal/bridge"
	"github.com/glia-ai/glia/internal/config"
	"github.com/glia-ai/glia/internal/eventbus"
	"github.com/glia-ai/glia/internal/gatekeeper"
	"github.com/glia-ai/glia/internal/gateway"
	"github.com/glia-ai/glia/internal/store"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [config-file]",
		Short: "Start the daemon (default when no subcommand is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "glia-config.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	bus := eventbus.New()
	defer bus.Close()

	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(eventbus.NewSlogHandler(inner, bus))
	slog.SetDefault(logger)

	st, err := store.New(cfg.Storage)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = st.Close() }()

	gk, err := gatekeeper.New(cfg.Auth)
	if err != nil {
		logger.Error("failed to initialize gatekeeper", "error", err)
		os.Exit(1)
	}

	registry := adapter.NewRegistry()
	br := bridge.New(cfg, registry, st, bus)
	gw := gateway.New(br, gk, cfg.Server)
	srv := api.NewServer(br, st, gw, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	logger.Info("gliad starting", "version", version, "config", configPath,
		"backends", len(cfg.Backends), "addr", cfg.Server.Addr)

	err = srv.ListenAndServe(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace.Duration)
	br.Shutdown(stopCtx)
	stopCancel()
	if err != nil && err != context.Canceled {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}

	logger.Info("gliad stopped")
	return nil
}
