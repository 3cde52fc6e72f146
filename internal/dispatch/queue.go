package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskwheel/taskwheel/internal/domain"
)

// QueueKey is the Redis list key for a named work queue.
func QueueKey(queueName string) string {
	return "queue:" + queueName + ":ready"
}

const defaultQueueName = "default"

// QueueTaskCreator handles task.create actions by pushing a JSON payload
// onto a Redis list queue consumed by downstream workers. The queue name
// comes from the action params ("queue"), defaulting to "default".
type QueueTaskCreator struct {
	rdb   *redis.Client
	clock func() time.Time
}

func NewQueueTaskCreator(rdb *redis.Client) *QueueTaskCreator {
	return &QueueTaskCreator{rdb: rdb, clock: time.Now}
}

type queuedTask struct {
	Params     map[string]string `json:"params"`
	EnqueuedAt string            `json:"enqueued_at"`
}

func (q *QueueTaskCreator) Execute(ctx context.Context, params map[string]string) error {
	queueName := params["queue"]
	if queueName == "" {
		queueName = defaultQueueName
	}

	payload, err := json.Marshal(queuedTask{
		Params:     params,
		EnqueuedAt: q.clock().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return PermanentError(domain.ActionTaskCreate, fmt.Errorf("marshal payload: %w", err))
	}

	if err := q.rdb.LPush(ctx, QueueKey(queueName), payload).Err(); err != nil {
		return RetryableError(domain.ActionTaskCreate, fmt.Errorf("enqueue: %w", err))
	}
	return nil
}
