package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/metricflow/internal/api"
	"github.com/dunamismax/metricflow/internal/bootstrap"
	"github.com/dunamismax/metricflow/internal/config"
	"github.com/dunamismax/metricflow/internal/queue"
	"github.com/dunamismax/metricflow/internal/ratelimit"
	"github.com/dunamismax/metricflow/internal/storage"
	"github.com/dunamismax/metricflow/internal/store"
	"github.com/dunamismax/metricflow/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()
	logger, _, err := bootstrap.Logger(cfg, "[api]")
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
		_ = shutdownTracing(flushCtx)
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close error", zap.Error(err))
		}
	}()

	opts := api.Options{
		Logger:    logger,
		Queue:     queueClient,
		Defaults:  cfg.Pipeline,
		SourceDir: cfg.API.SourceDir,
	}

	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		logger.Warn("database unavailable, keeping run history in memory", zap.Error(err))
		opts.Runs = store.NewMemoryRunStore()
	} else {
		defer func() { _ = db.Close() }()
		opts.DB = db
		runs, err := store.NewPostgresRunStore(ctx, db)
		if err != nil {
			logger.Warn("run history table unavailable, keeping runs in memory", zap.Error(err))
			opts.Runs = store.NewMemoryRunStore()
		} else {
			opts.Runs = runs
		}
	}

	if objects, err := storage.NewClient(cfg.Storage); err != nil {
		logger.Warn("object storage unavailable", zap.Error(err))
	} else {
		opts.Storage = objects
	}

	if cfg.API.RateLimitPerMinute > 0 {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer func() { _ = redisClient.Close() }()

		limiter, err := ratelimit.NewBucket(redisClient, ratelimit.ScopeAPI, cfg.API.RateLimitPerMinute, time.Minute)
		if err != nil {
			logger.Fatal("rate limiter setup failed", zap.Error(err))
		}
		opts.RateLimiter = limiter
	}

	app, err := api.NewServer(opts)
	if err != nil {
		logger.Fatal("api setup failed", zap.Error(err))
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}
