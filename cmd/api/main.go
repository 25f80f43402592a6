package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xelth-com/foodlens/internal/app"
	"github.com/xelth-com/foodlens/internal/buildinfo"
	"github.com/xelth-com/foodlens/internal/config"
	"github.com/xelth-com/foodlens/internal/logging"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.New(os.Stdout, cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)

	// 2. Build components (storage, caches, queue, processor, remote gateways)
	ctx := context.Background()
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := application.Start(ctx); err != nil {
		logger.Error("failed to start", slog.String("error", err.Error()))
		application.Close()
		os.Exit(1)
	}

	// 3. Start server with graceful shutdown
	server := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           application.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for shutdown signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("server starting",
			slog.String("addr", server.Addr),
			slog.String("env", cfg.NodeEnv),
			slog.String("commit", buildinfo.CommitHash))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sig := <-shutdown
	logger.Info("shutting down", slog.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", slog.String("error", err.Error()))
	}

	// Stops the processor, waits for background persistence and closes the database
	if err := application.Close(); err != nil {
		logger.Warn("close error", slog.String("error", err.Error()))
	}

	logger.Info("shutdown complete")
}
