package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/accelbench/accelbench/internal/api"
	"github.com/accelbench/accelbench/internal/app"
	"github.com/accelbench/accelbench/internal/backend"
	"github.com/accelbench/accelbench/internal/config"
	"github.com/accelbench/accelbench/internal/logging"
)

const shutdownTimeout = 15 * time.Second

func main() {
	// Load configuration
	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Initialize logging
	logger := logging.Setup(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	logger.Info("starting accelbench server",
		slog.String("version", "0.1.0"),
		slog.Int("port", cfg.Server.Port),
		slog.Bool("ssh", cfg.SSH.Enabled))

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	ctx := context.Background()
	if err := a.InitStore(ctx); err != nil {
		logger.Error("failed to initialize result store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if !a.Detector.DetectContainerTooling(ctx) {
		logger.Warn("container tooling not found, only the remote backend can run",
			slog.String("engine", cfg.Container.Engine))
	}

	server := api.New(a.Store, a.Runner, a.Registry, a.Catalog,
		api.WithLogger(logger),
		api.WithHost(cfg.Server.Host),
		api.WithPort(cfg.Server.Port),
		api.WithDefaultBackend(backend.RemoteName),
		api.WithSubmitInterval(cfg.Server.SubmitInterval))

	server.SetReady(true)

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logger.Info("shutting down...")
		server.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if active := a.Runner.Active(); active != nil {
			logger.Warn("interrupting benchmark batch, completed results will be saved",
				slog.String("run_id", active.RunID),
				slog.Int("completed", active.Completed),
				slog.Int("total", active.Total))
		}
		if err := a.Runner.Shutdown(shutdownCtx); err != nil {
			logger.Error("benchmark runner shutdown error", slog.String("error", err.Error()))
		}

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", slog.String("error", err.Error()))
		}
	}()

	// Start server
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
