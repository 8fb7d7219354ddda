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
	fs := pflag.NewFlagSet("pipeline", pflag.ContinueOnError)
	fs.String("csv", config.DefaultSourcePath, "source CSV path or s3:// object key")
	fs.Int("chunksize", config.DefaultBatchSize, "rows per ingest batch")
	fs.String("raw_table", config.DefaultRawTable, "staging table name")
	fs.String("final_table", config.DefaultFinalTable, "destination table name")
	fs.String("sheet", config.DefaultSheetName, "Google spreadsheet name")
	fs.Int("worksheet", 0, "zero-based worksheet index")
	fs.String("publisher", config.PublishBackendSheets, "publish backend: sheets, xlsx or none")
	fs.String("xlsx", config.DefaultXLSXPath, "workbook output path for the xlsx publisher")
	fs.String("log-level", config.DefaultLogLevel, "log level")
	fs.String("log-dir", config.DefaultLogDir, "log directory")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg := config.LoadWithFlags(fs)
	logger, logPath, err := bootstrap.Logger(cfg, "[pipeline]")
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
	defer flushTracing(logger, shutdownTracing)

	if err := cfg.Pipeline.Validate(); err != nil {
		logger.Error("invalid pipeline configuration", zap.Error(err))
		return 1
	}

	app, err := bootstrap.Build(ctx, cfg, logger, bootstrap.Options{WithPublisher: true, LogPath: logPath})
	if err != nil {
		logger.Error("pipeline setup failed", zap.Error(err))
		return 1
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("close failed", zap.Error(err))
		}
	}()

	summary, runErr := app.Runner.Run(ctx, bootstrap.RequestFromConfig(cfg))
	if err := app.PushMetrics(context.WithoutCancel(ctx), cfg.Metrics, summary.RunID); err != nil {
		logger.Warn("metrics push failed", zap.Error(err))
	}
	if runErr != nil {
		return 1
	}
	return 0
}

func flushTracing(logger *zap.Logger, shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warn("tracing shutdown failed", zap.Error(err))
	}
}
