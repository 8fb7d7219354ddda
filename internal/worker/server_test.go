package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/dunamismax/metricflow/internal/config"
	"github.com/dunamismax/metricflow/internal/domain"
	"github.com/dunamismax/metricflow/internal/pipeline"
	"github.com/dunamismax/metricflow/internal/queue"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

type captureRunner struct {
	req pipeline.RunRequest
	err error
}

func (c *captureRunner) Run(_ context.Context, req pipeline.RunRequest) (pipeline.Summary, error) {
	c.req = req
	if c.err != nil {
		return pipeline.Summary{RunID: req.RunID, Status: domain.RunStatusFailed}, c.err
	}
	return pipeline.Summary{RunID: req.RunID, Status: domain.RunStatusSucceeded}, nil
}

func newTestServer(runner pipelineRunner) *Server {
	return &Server{
		logger: zap.NewNop(),
		runner: runner,
		defaults: config.PipelineConfig{
			SourcePath: "100k_a.csv",
			BatchSize:  10_000,
			RawTable:   "raw_data_200k",
			FinalTable: "user_metrics",
		},
		tracer: otel.Tracer("test"),
	}
}

func TestHandleRunPipelineFillsDefaults(t *testing.T) {
	runner := &captureRunner{}
	s := newTestServer(runner)

	task, err := queue.NewRunPipelineTask(queue.RunPipelinePayload{RunID: "run-7", BatchSize: 500})
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := s.handleRunPipeline(context.Background(), task); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if runner.req.RunID != "run-7" {
		t.Fatalf("expected run id run-7, got %q", runner.req.RunID)
	}
	if runner.req.SourcePath != "100k_a.csv" || runner.req.FinalTable != "user_metrics" {
		t.Fatalf("expected defaults, got %+v", runner.req)
	}
	if runner.req.BatchSize != 500 {
		t.Fatalf("expected payload batch size to win, got %d", runner.req.BatchSize)
	}
}

func TestHandleRunPipelineDoesNotRetryFailures(t *testing.T) {
	s := newTestServer(&captureRunner{err: domain.ErrConnectivity})

	task, _ := queue.NewRunPipelineTask(queue.RunPipelinePayload{})
	err := s.handleRunPipeline(context.Background(), task)
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}
}

func TestHandleRunPipelineRejectsBadPayload(t *testing.T) {
	s := newTestServer(&captureRunner{})

	err := s.handleRunPipeline(context.Background(), asynq.NewTask(queue.TypePipelineRun, []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry for malformed payload, got %v", err)
	}
}
