package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/metricflow/internal/config"
	"github.com/dunamismax/metricflow/internal/id"
	"github.com/dunamismax/metricflow/internal/pipeline"
	"github.com/dunamismax/metricflow/internal/queue"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type pipelineRunner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (pipeline.Summary, error)
}

type Server struct {
	logger    *zap.Logger
	server    *asynq.Server
	scheduler *asynq.Scheduler
	runner    pipelineRunner
	defaults  config.PipelineConfig
	tracer    trace.Tracer
}

// NewServer builds a worker that processes one pipeline run at a time. When
// workerCfg.Schedule is set it also registers a periodic run built from
// defaults.
func NewServer(
	logger *zap.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	defaults config.PipelineConfig,
	runner pipelineRunner,
) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("pipeline runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				// stages share the staging and destination tables
				Concurrency: 1,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					logger.Error("task failed", zap.String("type", task.Type()), zap.Error(err))
				}),
			},
		),
		runner:   runner,
		defaults: defaults,
		tracer:   otel.Tracer("metricflow/worker"),
	}

	if workerCfg.Schedule != "" {
		scheduler, err := newScheduler(queueCfg, workerCfg.Schedule, defaults)
		if err != nil {
			return nil, err
		}
		s.scheduler = scheduler
	}
	return s, nil
}

func newScheduler(queueCfg config.QueueConfig, spec string, defaults config.PipelineConfig) (*asynq.Scheduler, error) {
	task, err := queue.NewRunPipelineTask(queue.RunPipelinePayload{
		SourcePath: defaults.SourcePath,
		RawTable:   defaults.RawTable,
		FinalTable: defaults.FinalTable,
		BatchSize:  defaults.BatchSize,
	})
	if err != nil {
		return nil, err
	}

	scheduler := asynq.NewScheduler(queueCfg.RedisClientOpt(), &asynq.SchedulerOpts{Location: time.UTC})
	if _, err := scheduler.Register(spec, task, queue.TaskOptions(queueCfg.Name)...); err != nil {
		return nil, fmt.Errorf("register schedule %q: %w", spec, err)
	}
	return scheduler, nil
}

// Run blocks until the process receives SIGINT or SIGTERM.
func (s *Server) Run() error {
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer s.scheduler.Shutdown()
	}

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypePipelineRun, s.handleRunPipeline)
	return s.server.Run(mux)
}

func (s *Server) handleRunPipeline(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseRunPipelinePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	req := s.requestFor(payload)

	ctx, span := s.tracer.Start(ctx, "worker.run_pipeline", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("run.id", req.RunID),
		attribute.String("run.source", req.SourcePath),
	)
	defer span.End()

	s.logger.Info("working",
		zap.String("run_id", req.RunID),
		zap.String("source", req.SourcePath),
		zap.Time("requested_at", payload.RequestedAt),
	)

	sum, err := s.runner.Run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return fmt.Errorf("run pipeline %s: %v: %w", req.RunID, err, asynq.SkipRetry)
	}

	span.SetStatus(codes.Ok, "pipeline succeeded")
	s.logger.Info("run finished",
		zap.String("run_id", sum.RunID),
		zap.Int64("raw_rows", sum.RawRows),
		zap.Int("unique_users", sum.UniqueUsers),
		zap.Duration("duration", sum.Duration),
	)
	return nil
}

// requestFor fills blank payload fields from the worker's configured defaults.
func (s *Server) requestFor(p queue.RunPipelinePayload) pipeline.RunRequest {
	req := pipeline.RunRequest{
		RunID:       p.RunID,
		SourcePath:  p.SourcePath,
		RawTable:    p.RawTable,
		FinalTable:  p.FinalTable,
		BatchSize:   p.BatchSize,
		SkipPublish: p.SkipPublish,
		WebhookURL:  p.WebhookURL,
	}
	if req.RunID == "" {
		req.RunID = id.New()
	}
	if req.SourcePath == "" {
		req.SourcePath = s.defaults.SourcePath
	}
	if req.RawTable == "" {
		req.RawTable = s.defaults.RawTable
	}
	if req.FinalTable == "" {
		req.FinalTable = s.defaults.FinalTable
	}
	if req.BatchSize <= 0 {
		req.BatchSize = s.defaults.BatchSize
	}
	return req
}
