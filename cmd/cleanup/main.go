// Command cleanup drops the staging and destination tables.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dunamismax/metricflow/internal/bootstrap"
	"github.com/dunamismax/metricflow/internal/config"
	"github.com/dunamismax/metricflow/internal/store"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("cleanup", pflag.ContinueOnError)
	fs.String("raw_table", config.DefaultRawTable, "staging table name")
	fs.String("final_table", config.DefaultFinalTable, "destination table name")
	extra := fs.StringSlice("table", nil, "additional tables to drop")
	fs.String("log-level", config.DefaultLogLevel, "log level")
	fs.String("log-dir", config.DefaultLogDir, "log directory")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg := config.LoadWithFlags(fs)
	logger, _, err := bootstrap.Logger(cfg, "[cleanup]")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		logger.Error("database setup failed", zap.Error(err))
		return 1
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	tables := append([]string{cfg.Pipeline.RawTable, cfg.Pipeline.FinalTable}, *extra...)
	if err := db.DropTables(ctx, tables...); err != nil {
		logger.Error("drop tables failed", zap.Error(err))
		return 1
	}
	logger.Info("dropped tables", zap.Strings("tables", tables))
	return 0
}
