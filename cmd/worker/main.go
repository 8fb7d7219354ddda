package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/metricflow/internal/bootstrap"
	"github.com/dunamismax/metricflow/internal/config"
	"github.com/dunamismax/metricflow/internal/telemetry"
	"github.com/dunamismax/metricflow/internal/worker"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, logPath, err := bootstrap.Logger(cfg, "[worker]")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Fatal("tracing setup failed", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	app, err := bootstrap.Build(ctx, cfg, logger, bootstrap.Options{
		WithPublisher: true,
		WithStorage:   true,
		LogPath:       logPath,
	})
	if err != nil {
		logger.Fatal("pipeline setup failed", zap.Error(err))
	}
	defer func() { _ = app.Close() }()

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           app.Metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", zap.String("addr", cfg.Worker.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.Info("starting worker",
		zap.String("queue", cfg.Queue.Name),
		zap.String("redis", cfg.Queue.RedisAddr),
		zap.String("schedule", cfg.Worker.Schedule),
	)

	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, cfg.Pipeline, app.Runner)
	if err != nil {
		logger.Fatal("worker setup failed", zap.Error(err))
	}
	if err := srv.Run(); err != nil {
		logger.Error("worker failed", zap.Error(err))
		os.Exit(1)
	}
}
