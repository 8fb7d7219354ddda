package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/dunamismax/metricflow/internal/id"
	"github.com/dunamismax/metricflow/internal/ingest"
	"github.com/dunamismax/metricflow/internal/metrics"
	"github.com/dunamismax/metricflow/internal/publish"
	"github.com/dunamismax/metricflow/internal/store"
	"github.com/dunamismax/metricflow/internal/telemetry"
	"github.com/dunamismax/metricflow/internal/webhook"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const bannerWidth = 70

type Ingester interface {
	Load(ctx context.Context, req ingest.Request) (int64, error)
}

type Transformer interface {
	Run(ctx context.Context, rawTable, finalTable string) (int, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Deps wires the stages and the optional side channels into a Runner.
// Publisher, Runs, Webhooks, and Metrics may be nil.
type Deps struct {
	Ingester    Ingester
	Transformer Transformer
	Tables      publish.TableReader
	Publisher   publish.Publisher
	Runs        store.RunStore
	Webhooks    webhookSender
	Metrics     *metrics.Pipeline
	Logger      *zap.Logger
	LogPath     string

	// DefaultWebhookURL is notified when a request carries no webhook URL.
	DefaultWebhookURL string
}

type RunRequest struct {
	RunID      string
	SourcePath string
	RawTable   string
	FinalTable string
	BatchSize  int
	// SkipPublish stops the run after TRANSFORM.
	SkipPublish bool
	WebhookURL  string
}

func (r RunRequest) Validate() error {
	if strings.TrimSpace(r.SourcePath) == "" {
		return fmt.Errorf("%w: source path is required", domain.ErrConfiguration)
	}
	if strings.TrimSpace(r.RawTable) == "" || strings.TrimSpace(r.FinalTable) == "" {
		return fmt.Errorf("%w: raw and final table names are required", domain.ErrConfiguration)
	}
	if r.RawTable == r.FinalTable {
		return fmt.Errorf("%w: raw and final table must differ", domain.ErrConfiguration)
	}
	if err := domain.CheckTableName(r.RawTable); err != nil {
		return fmt.Errorf("%w: raw table: %v", domain.ErrConfiguration, err)
	}
	if err := domain.CheckTableName(r.FinalTable); err != nil {
		return fmt.Errorf("%w: final table: %v", domain.ErrConfiguration, err)
	}
	if r.BatchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive, got %d", domain.ErrConfiguration, r.BatchSize)
	}
	return nil
}

type Summary struct {
	RunID          string
	Status         string
	FailedStage    string
	RawRows        int64
	UniqueUsers    int
	PublishedCells int64
	Published      bool
	Duration       time.Duration
}

type Runner struct {
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
}

func NewRunner(deps Deps) (*Runner, error) {
	if deps.Ingester == nil {
		return nil, errors.New("ingester is required")
	}
	if deps.Transformer == nil {
		return nil, errors.New("transformer is required")
	}
	if deps.Publisher != nil && deps.Tables == nil {
		return nil, errors.New("table reader is required when publishing")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		deps:   deps,
		logger: logger,
		tracer: telemetry.Tracer(),
	}, nil
}

// Run executes INGEST, TRANSFORM, and PUBLISH in order. The first stage error
// ends the run as FAILED and is returned wrapped with the stage name.
func (r *Runner) Run(ctx context.Context, req RunRequest) (Summary, error) {
	started := time.Now()
	if req.RunID == "" {
		req.RunID = id.New()
	}
	sum := Summary{RunID: req.RunID, Status: domain.RunStatusFailed}

	if err := req.Validate(); err != nil {
		r.logger.Error("pipeline request rejected", zap.String("run_id", req.RunID), zap.Error(err))
		return sum, err
	}

	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("run.source", req.SourcePath),
		attribute.String("run.raw_table", req.RawTable),
		attribute.String("run.final_table", req.FinalTable),
		attribute.Int("run.batch_size", req.BatchSize),
	))
	defer span.End()

	log := r.logger.With(zap.String("run_id", req.RunID))
	r.banner(log)
	r.startRun(ctx, log, req, started)
	if r.deps.Metrics != nil {
		r.deps.Metrics.RunStarted()
	}

	err := r.execute(ctx, log, req, &sum)
	sum.Duration = time.Since(started)

	if err != nil {
		sum.Status = domain.RunStatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		log.Error("PIPELINE FAILED",
			zap.String("stage", sum.FailedStage),
			zap.Duration("duration", sum.Duration),
			zap.Error(err),
		)
	} else {
		sum.Status = domain.RunStatusSucceeded
		span.SetStatus(codes.Ok, "pipeline succeeded")
		r.logSummary(log, sum)
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.RunFinished(sum.Status, sum.Duration)
	}
	// the run record and webhook must land even when ctx was cancelled
	finishCtx := context.WithoutCancel(ctx)
	r.finishRun(finishCtx, log, req, sum, err)
	r.notify(finishCtx, log, req, sum, err)

	return sum, err
}

func (r *Runner) execute(ctx context.Context, log *zap.Logger, req RunRequest, sum *Summary) error {
	log.Info("1/3 INGEST raw data", zap.String("source", req.SourcePath), zap.String("table", req.RawTable))
	err := r.stage(ctx, req.RunID, domain.StageIngest, func(ctx context.Context) error {
		n, err := r.deps.Ingester.Load(ctx, ingest.Request{
			Path:      req.SourcePath,
			Table:     req.RawTable,
			BatchSize: req.BatchSize,
		})
		sum.RawRows = n
		if r.deps.Metrics != nil {
			r.deps.Metrics.AddRowsIngested(n)
		}
		return err
	})
	if err != nil {
		sum.FailedStage = domain.StageIngest
		return fmt.Errorf("ingest stage: %w", err)
	}

	log.Info("2/3 TRANSFORM and aggregate", zap.String("table", req.FinalTable))
	err = r.stage(ctx, req.RunID, domain.StageTransform, func(ctx context.Context) error {
		users, err := r.deps.Transformer.Run(ctx, req.RawTable, req.FinalTable)
		if err != nil {
			return err
		}
		sum.UniqueUsers = users
		if r.deps.Metrics != nil {
			r.deps.Metrics.SetUniqueUsers(users)
		}
		return nil
	})
	if err != nil {
		sum.FailedStage = domain.StageTransform
		return fmt.Errorf("transform stage: %w", err)
	}

	if req.SkipPublish || r.deps.Publisher == nil {
		log.Info("3/3 PUBLISH skipped")
		return nil
	}

	log.Info("3/3 PUBLISH", zap.String("publisher", r.deps.Publisher.Name()))
	err = r.stage(ctx, req.RunID, domain.StagePublish, func(ctx context.Context) error {
		table, err := publish.ReadTable(ctx, r.deps.Tables, req.FinalTable)
		if err != nil {
			return err
		}
		log.Info("total cells to upload", zap.Int64("cells", table.Cells()))
		if err := r.deps.Publisher.Publish(ctx, table); err != nil {
			return err
		}
		sum.Published = true
		sum.PublishedCells = table.Cells()
		if r.deps.Metrics != nil {
			r.deps.Metrics.AddCellsPublished(table.Cells())
		}
		return nil
	})
	if err != nil {
		sum.FailedStage = domain.StagePublish
		return fmt.Errorf("publish stage: %w", err)
	}
	return nil
}

// stage runs fn inside a child span, records its duration, and moves the
// stored run to the stage's status first.
func (r *Runner) stage(ctx context.Context, runID, name string, fn func(ctx context.Context) error) error {
	r.setStatus(ctx, runID, name)

	ctx, span := r.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	started := time.Now()
	err := fn(ctx)
	status := domain.RunStatusSucceeded
	if err != nil {
		status = domain.RunStatusFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, name+" failed")
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ObserveStage(name, status, time.Since(started))
	}
	return err
}

func (r *Runner) banner(log *zap.Logger) {
	line := strings.Repeat("=", bannerWidth)
	cwd, _ := os.Getwd()
	log.Info(line)
	log.Info("FULL AUTOMATED ETL PIPELINE STARTED")
	log.Info("project path", zap.String("path", cwd))
	log.Info(line)
}

func (r *Runner) logSummary(log *zap.Logger, sum Summary) {
	log.Info("PIPELINE SUCCESS")
	log.Info("   raw rows", zap.Int64("value", sum.RawRows))
	log.Info("   unique users", zap.Int("value", sum.UniqueUsers))
	log.Info("   duration", zap.Duration("value", sum.Duration))
	if r.deps.LogPath != "" {
		log.Info("   log saved", zap.String("path", r.deps.LogPath))
	}
}

func (r *Runner) startRun(ctx context.Context, log *zap.Logger, req RunRequest, started time.Time) {
	if r.deps.Runs == nil {
		return
	}

	_, ok, err := r.deps.Runs.Get(ctx, req.RunID)
	if err != nil {
		log.Warn("run lookup failed", zap.Error(err))
		return
	}
	if ok {
		return
	}

	now := started.UTC()
	run := domain.Run{
		ID:         req.RunID,
		Status:     domain.RunStatusCreated,
		SourcePath: req.SourcePath,
		RawTable:   req.RawTable,
		FinalTable: req.FinalTable,
		BatchSize:  req.BatchSize,
		WebhookURL: req.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := r.deps.Runs.Create(ctx, run); err != nil {
		log.Warn("run record create failed", zap.Error(err))
	}
}

func (r *Runner) setStatus(ctx context.Context, runID, stage string) {
	if r.deps.Runs == nil {
		return
	}
	if _, err := r.deps.Runs.UpdateStatus(ctx, runID, domain.StatusForStage(stage)); err != nil {
		r.logger.Warn("run status update failed",
			zap.String("run_id", runID),
			zap.String("stage", stage),
			zap.Error(err),
		)
	}
}

func (r *Runner) finishRun(ctx context.Context, log *zap.Logger, req RunRequest, sum Summary, runErr error) {
	if r.deps.Runs == nil {
		return
	}

	run, ok, err := r.deps.Runs.Get(ctx, req.RunID)
	if err != nil || !ok {
		log.Warn("run record missing at finish", zap.Error(err))
		return
	}
	run.Status = sum.Status
	run.Stage = sum.FailedStage
	run.RawRows = sum.RawRows
	run.UniqueUsers = sum.UniqueUsers
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := r.deps.Runs.Save(ctx, run); err != nil {
		log.Warn("run record save failed", zap.Error(err))
	}
}

func (r *Runner) notify(ctx context.Context, log *zap.Logger, req RunRequest, sum Summary, runErr error) {
	endpoint := strings.TrimSpace(req.WebhookURL)
	if endpoint == "" {
		endpoint = strings.TrimSpace(r.deps.DefaultWebhookURL)
	}
	if r.deps.Webhooks == nil || endpoint == "" {
		return
	}

	event := webhook.RunEvent{
		Event:       webhook.EventPipelineCompleted,
		RunID:       sum.RunID,
		Status:      sum.Status,
		Stage:       sum.FailedStage,
		SourcePath:  req.SourcePath,
		FinalTable:  req.FinalTable,
		RawRows:     sum.RawRows,
		UniqueUsers: sum.UniqueUsers,
		DurationMS:  sum.Duration.Milliseconds(),
		OccurredAt:  time.Now().UTC(),
	}
	if runErr != nil {
		event.Event = webhook.EventPipelineFailed
		event.Error = runErr.Error()
	}

	if err := r.deps.Webhooks.Send(ctx, endpoint, event.Event, event); err != nil {
		log.Warn("webhook delivery failed", zap.String("event", event.Event), zap.Error(err))
	}
}
