// Command dotsync runs the offline-first sync agent: it replays the durable
// operation queue against Supabase, follows the realtime feed of the active
// workspace and serves the local status/control API.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"dots-sync/internal/config"
	"dots-sync/internal/di"
	"dots-sync/internal/infrastructure/observability"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Failed to load .env: %v", err)
	}

	dir := os.Getenv("CONFIG_DIR")
	if dir == "" {
		dir = "config"
	}
	loader := config.NewLoader(dir, config.Environment(strings.ToLower(os.Getenv("DOTS_ENVIRONMENT"))))
	cfg, err := loader.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, level, err := observability.NewLogger(string(cfg.Environment), cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, loader, logger, level); err != nil {
		logger.Error("sync agent stopped with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, loader *config.Loader, logger *zap.Logger, level zap.AtomicLevel) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, cleanup, err := di.InitializeContainer(cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	watcher, err := config.NewWatcher(loader, cfg, logger)
	if err != nil {
		logger.Warn("configuration hot reloading unavailable", zap.Error(err))
	} else {
		defer watcher.Stop()
		container.Coordinator.WatchConfig(watcher, level)
	}

	coord := container.Coordinator
	coord.Start(ctx)
	if cfg.WorkspaceID != "" {
		if err := coord.SwitchWorkspace(ctx, cfg.WorkspaceID); err != nil {
			logger.Warn("initial workspace activation incomplete",
				zap.String("workspace_id", cfg.WorkspaceID),
				zap.Error(err))
		}
	}

	srv := container.HTTPServer
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting local api",
			zap.String("address", srv.Addr),
			zap.String("environment", string(cfg.Environment)),
			zap.Strings("config_sources", cfg.LoadedFrom))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case runErr = <-serverErr:
		logger.Error("local api failed", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("local api shutdown error", zap.Error(err))
	}
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Error("coordinator shutdown error", zap.Error(err))
	}
	return runErr
}
