// Package analytics keeps per-task execution counts in Redis, bucketed by
// time window. Counts are best-effort: a Redis outage never affects the
// outcome of a task run.
package analytics

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskwheel/taskwheel/internal/domain"
)

const (
	// DefaultWindow groups counts into hourly buckets.
	DefaultWindow = time.Hour
	// DefaultRetention keeps buckets for 30 days.
	DefaultRetention = 30 * 24 * time.Hour
)

type RedisSink struct {
	client    *redis.Client
	window    time.Duration
	retention time.Duration
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{
		client:    client,
		window:    DefaultWindow,
		retention: DefaultRetention,
	}
}

// WithWindow overrides the bucket width.
func (s *RedisSink) WithWindow(window time.Duration) *RedisSink {
	s.window = window
	return s
}

// WithRetention overrides how long buckets live.
func (s *RedisSink) WithRetention(retention time.Duration) *RedisSink {
	s.retention = retention
	return s
}

// Record increments the count for the task's outcome in the bucket holding
// result.FinishedAt. Errors are logged, never returned.
func (s *RedisSink) Record(ctx context.Context, result domain.ExecutionResult) {
	key := buildKey(result.TaskID.String(), result.Outcome, result.FinishedAt, s.window)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("analytics: record task=%s outcome=%s: %v", result.TaskID, result.Outcome, err)
	}
}

func buildKey(taskID string, outcome domain.Outcome, t time.Time, window time.Duration) string {
	return fmt.Sprintf("analytics:task:%s:%s:%s", taskID, outcome, truncateToBucket(t, window))
}

func truncateToBucket(t time.Time, window time.Duration) string {
	t = t.UTC()
	switch window {
	case time.Minute:
		return t.Format("200601021504")
	case 5 * time.Minute:
		minute := (t.Minute() / 5) * 5
		return t.Format("2006010215") + fmt.Sprintf("%02d", minute)
	case time.Hour:
		return t.Format("2006010215")
	default:
		return t.Format("200601021504")
	}
}
