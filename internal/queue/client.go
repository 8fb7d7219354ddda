package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

// runTimeout bounds one pipeline run on the worker.
const runTimeout = 2 * time.Hour

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueRunPipeline queues one run. Stages are not retried, so neither is
// the task.
func (c *Client) EnqueueRunPipeline(ctx context.Context, payload RunPipelinePayload) (*asynq.TaskInfo, error) {
	task, err := NewRunPipelineTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, TaskOptions(c.queue)...)
}

func (c *Client) Close() error {
	return c.client.Close()
}

// TaskOptions are shared by ad hoc enqueues and the scheduler.
func TaskOptions(queueName string) []asynq.Option {
	return []asynq.Option{
		asynq.Queue(queueName),
		asynq.MaxRetry(0),
		asynq.Timeout(runTimeout),
	}
}
