package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaseKey is the Redis key guarding a task id.
func LeaseKey(taskID uuid.UUID) string {
	return "lease:task:" + taskID.String()
}

// releaseScript deletes the lease only when this worker still owns it, so a
// slow worker cannot release a lease that already expired and was re-acquired.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
else
	return 0
end`

// RedisManager implements Manager with SET NX + TTL. Safe across processes
// and hosts; this is the manager for horizontally scaled trigger fleets.
type RedisManager struct {
	rdb      *redis.Client
	workerID string
}

func NewRedisManager(rdb *redis.Client, workerID string) *RedisManager {
	return &RedisManager{rdb: rdb, workerID: workerID}
}

func (m *RedisManager) Acquire(ctx context.Context, taskID uuid.UUID, ttl time.Duration) error {
	ok, err := m.rdb.SetNX(ctx, LeaseKey(taskID), m.workerID, ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		return ErrHeld
	}
	return nil
}

func (m *RedisManager) Release(ctx context.Context, taskID uuid.UUID) error {
	err := m.rdb.Eval(ctx, releaseScript, []string{LeaseKey(taskID)}, m.workerID).Err()
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

var _ Manager = (*RedisManager)(nil)
