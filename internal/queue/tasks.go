package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypePipelineRun = "pipeline:run"

type RunPipelinePayload struct {
	RunID       string    `json:"run_id"`
	SourcePath  string    `json:"source_path"`
	RawTable    string    `json:"raw_table"`
	FinalTable  string    `json:"final_table"`
	BatchSize   int       `json:"batch_size"`
	SkipPublish bool      `json:"skip_publish,omitempty"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewRunPipelineTask(payload RunPipelinePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline payload: %w", err)
	}
	return asynq.NewTask(TypePipelineRun, body), nil
}

func ParseRunPipelinePayload(task *asynq.Task) (RunPipelinePayload, error) {
	var payload RunPipelinePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunPipelinePayload{}, fmt.Errorf("unmarshal pipeline payload: %w", err)
	}
	return payload, nil
}
