// Command publish writes an existing destination table to the configured
// spreadsheet backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dunamismax/metricflow/internal/bootstrap"
	"github.com/dunamismax/metricflow/internal/config"
	"github.com/dunamismax/metricflow/internal/publish"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("publish", pflag.ContinueOnError)
	fs.String("final_table", config.DefaultFinalTable, "table to publish")
	fs.String("sheet", config.DefaultSheetName, "Google spreadsheet name")
	fs.Int("worksheet", 0, "zero-based worksheet index")
	fs.String("publisher", config.PublishBackendSheets, "publish backend: sheets or xlsx")
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
	logger, _, err := bootstrap.Logger(cfg, "[publish]")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Publish.Backend == config.PublishBackendNone {
		logger.Error("publish backend is none, nothing to do")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.Build(ctx, cfg, logger, bootstrap.Options{WithPublisher: true})
	if err != nil {
		logger.Error("publish setup failed", zap.Error(err))
		return 1
	}
	defer func() { _ = app.Close() }()

	table, err := publish.ReadTable(ctx, app.DB, cfg.Pipeline.FinalTable)
	if err != nil {
		logger.Error("read table failed", zap.String("table", cfg.Pipeline.FinalTable), zap.Error(err))
		return 1
	}
	if err := app.Publisher.Publish(ctx, table); err != nil {
		logger.Error("publish failed", zap.String("publisher", app.Publisher.Name()), zap.Error(err))
		return 1
	}
	logger.Info("published table",
		zap.String("table", table.Name),
		zap.String("publisher", app.Publisher.Name()),
		zap.Int("rows", len(table.Rows)),
	)
	return 0
}
