package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocalManager implements Manager in process memory. It serves single-node
// hosts and tests; fleets must use RedisManager.
type LocalManager struct {
	mu    sync.Mutex
	held  map[uuid.UUID]time.Time // expiry per task id
	clock func() time.Time
}

func NewLocalManager() *LocalManager {
	return &LocalManager{
		held:  make(map[uuid.UUID]time.Time),
		clock: time.Now,
	}
}

// WithClock replaces the time source, for TTL expiry tests.
func (m *LocalManager) WithClock(clock func() time.Time) *LocalManager {
	m.clock = clock
	return m
}

func (m *LocalManager) Acquire(ctx context.Context, taskID uuid.UUID, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()
	if expiry, ok := m.held[taskID]; ok && expiry.After(now) {
		return ErrHeld
	}
	m.held[taskID] = now.Add(ttl)
	return nil
}

func (m *LocalManager) Release(ctx context.Context, taskID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, taskID)
	return nil
}

var _ Manager = (*LocalManager)(nil)
