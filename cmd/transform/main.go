// Command transform loads the source file into the staging table and builds
// the per-user metrics table without publishing it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/metricflow/internal/bootstrap"
	"github.com/dunamismax/metricflow/internal/config"
	"github.com/dunamismax/metricflow/internal/telemetry"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("transform", pflag.ContinueOnError)
	fs.String("csv", config.DefaultSourcePath, "source CSV path or s3:// object key")
	fs.Int("chunksize", config.DefaultBatchSize, "rows per ingest batch")
	fs.String("raw_table", config.DefaultRawTable, "staging table name")
	fs.String("final_table", config.DefaultFinalTable, "destination table name")
	fs.String("log-level", config.DefaultLogLevel, "log level")
	fs.String("log-dir", config.DefaultLogDir, "log directory")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg := config.LoadWithFlags(fs)
	logger, logPath, err := bootstrap.Logger(cfg, "[transform]")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Error("tracing setup failed", zap.Error(err))
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	if err := cfg.Pipeline.Validate(); err != nil {
		logger.Error("invalid pipeline configuration", zap.Error(err))
		return 1
	}

	app, err := bootstrap.Build(ctx, cfg, logger, bootstrap.Options{LogPath: logPath})
	if err != nil {
		logger.Error("transform setup failed", zap.Error(err))
		return 1
	}
	defer func() { _ = app.Close() }()

	req := bootstrap.RequestFromConfig(cfg)
	req.SkipPublish = true
	summary, runErr := app.Runner.Run(ctx, req)
	if err := app.PushMetrics(context.WithoutCancel(ctx), cfg.Metrics, summary.RunID); err != nil {
		logger.Warn("metrics push failed", zap.Error(err))
	}
	if runErr != nil {
		return 1
	}
	return 0
}
