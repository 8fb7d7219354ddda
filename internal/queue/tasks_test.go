package queue

import (
	"testing"
	"time"
)

func TestRunPipelineTaskRoundTrip(t *testing.T) {
	payload := RunPipelinePayload{
		RunID:       "run-123",
		SourcePath:  "s3://metricflow/incoming/100k_a.csv",
		RawTable:    "raw_data_200k",
		FinalTable:  "user_metrics",
		BatchSize:   10_000,
		WebhookURL:  "https://hooks.example.com/x",
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewRunPipelineTask(payload)
	if err != nil {
		t.Fatalf("NewRunPipelineTask returned error: %v", err)
	}
	if task.Type() != TypePipelineRun {
		t.Fatalf("expected task type %q, got %q", TypePipelineRun, task.Type())
	}

	parsed, err := ParseRunPipelinePayload(task)
	if err != nil {
		t.Fatalf("ParseRunPipelinePayload returned error: %v", err)
	}

	if parsed.RunID != payload.RunID {
		t.Fatalf("expected run_id %q, got %q", payload.RunID, parsed.RunID)
	}
	if parsed.BatchSize != 10_000 || parsed.FinalTable != "user_metrics" {
		t.Fatalf("unexpected payload %+v", parsed)
	}
	if !parsed.RequestedAt.Equal(payload.RequestedAt) {
		t.Fatalf("requested_at changed: %v vs %v", parsed.RequestedAt, payload.RequestedAt)
	}
}
