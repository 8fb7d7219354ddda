// Package bootstrap builds the pipeline runner and its collaborators from
// configuration for the command binaries.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/metricflow/internal/aggregate"
	"github.com/dunamismax/metricflow/internal/config"
	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/dunamismax/metricflow/internal/ingest"
	"github.com/dunamismax/metricflow/internal/logging"
	"github.com/dunamismax/metricflow/internal/metrics"
	"github.com/dunamismax/metricflow/internal/pipeline"
	"github.com/dunamismax/metricflow/internal/publish"
	"github.com/dunamismax/metricflow/internal/ratelimit"
	"github.com/dunamismax/metricflow/internal/storage"
	"github.com/dunamismax/metricflow/internal/store"
	"github.com/dunamismax/metricflow/internal/webhook"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Logger builds the process logger from cfg.Logging.
func Logger(cfg config.Config, component string) (*zap.Logger, string, error) {
	return logging.New(logging.Config{
		Dir:       cfg.Logging.Dir,
		File:      cfg.Logging.File,
		Level:     cfg.Logging.Level,
		Component: component,
	})
}

type Options struct {
	// WithPublisher builds the configured publisher; otherwise runs stop
	// after TRANSFORM.
	WithPublisher bool
	// WithStorage builds the object storage client even when the configured
	// source and publisher do not need it.
	WithStorage bool
	LogPath     string
}

// App holds the long-lived resources behind a pipeline runner.
type App struct {
	DB        *store.DB
	Storage   *storage.Client
	Runs      store.RunStore
	Publisher publish.Publisher
	Metrics   *metrics.Pipeline
	Runner    *pipeline.Runner

	redis *redis.Client
}

// Build opens the database and wires ingest, transform and publish into a
// Runner. The caller owns the returned App and must Close it.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := store.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	app := &App{DB: db, Metrics: metrics.NewPipeline()}

	if opts.WithStorage || needsStorage(cfg, opts) {
		client, err := storage.NewClient(cfg.Storage)
		if err != nil {
			_ = app.Close()
			return nil, fmt.Errorf("%w: object storage: %v", domain.ErrConfiguration, err)
		}
		app.Storage = client
	}

	runs, err := store.NewPostgresRunStore(ctx, db)
	if err != nil {
		logger.Warn("run history unavailable, keeping runs in memory", zap.Error(err))
		app.Runs = store.NewMemoryRunStore()
	} else {
		app.Runs = runs
	}

	if opts.WithPublisher {
		deps := publish.Deps{Logger: logger}
		if app.Storage != nil {
			deps.Archiver = app.Storage
		}
		if app.Storage != nil && cfg.Publish.Backend == config.PublishBackendXLSX && cfg.Publish.ArchiveToStorage {
			if err := app.Storage.EnsureBucket(ctx); err != nil {
				_ = app.Close()
				return nil, fmt.Errorf("%w: %v", domain.ErrConnectivity, err)
			}
		}
		if cfg.Publish.Backend == config.PublishBackendSheets && cfg.Publish.WritesPerMinute > 0 {
			limiter, err := app.sheetsLimiter(cfg)
			if err != nil {
				_ = app.Close()
				return nil, err
			}
			deps.Limiter = limiter
		}

		publisher, err := publish.FromConfig(ctx, cfg.Publish, deps)
		if err != nil {
			_ = app.Close()
			return nil, err
		}
		app.Publisher = publisher
	}

	var objects ingest.ObjectOpener
	if app.Storage != nil {
		objects = app.Storage
	}

	runner, err := pipeline.NewRunner(pipeline.Deps{
		Ingester:          ingest.NewLoader(db, objects, logger),
		Transformer:       aggregate.NewTransformer(db, logger),
		Tables:            db,
		Publisher:         app.Publisher,
		Runs:              app.Runs,
		Webhooks:          webhook.FromConfig(cfg.Webhook),
		DefaultWebhookURL: cfg.Webhook.URL,
		Metrics:           app.Metrics,
		Logger:            logger,
		LogPath:           opts.LogPath,
	})
	if err != nil {
		_ = app.Close()
		return nil, err
	}
	app.Runner = runner
	return app, nil
}

func needsStorage(cfg config.Config, opts Options) bool {
	if strings.HasPrefix(cfg.Pipeline.SourcePath, domain.ObjectSourcePrefix) {
		return true
	}
	return opts.WithPublisher && cfg.Publish.Backend == config.PublishBackendXLSX && cfg.Publish.ArchiveToStorage
}

func (a *App) sheetsLimiter(cfg config.Config) (ratelimit.Allower, error) {
	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	})
	limiter, err := ratelimit.NewBucket(a.redis, ratelimit.ScopeSheets, cfg.Publish.WritesPerMinute, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("%w: sheets rate limiter: %v", domain.ErrConfiguration, err)
	}
	return limiter, nil
}

// PushMetrics sends the run metrics to the configured Pushgateway, if any.
func (a *App) PushMetrics(ctx context.Context, cfg config.MetricsConfig, runID string) error {
	if strings.TrimSpace(cfg.PushgatewayURL) == "" {
		return nil
	}
	return a.Metrics.Push(ctx, cfg.PushgatewayURL, cfg.JobName, map[string]string{"run_id": runID})
}

func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

// RequestFromConfig builds a run request from the pipeline defaults.
func RequestFromConfig(cfg config.Config) pipeline.RunRequest {
	return pipeline.RunRequest{
		SourcePath: cfg.Pipeline.SourcePath,
		RawTable:   cfg.Pipeline.RawTable,
		FinalTable: cfg.Pipeline.FinalTable,
		BatchSize:  cfg.Pipeline.BatchSize,
	}
}
