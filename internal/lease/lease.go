// Package lease provides short-lived exclusive claims on task ids so that
// concurrent trigger workers execute each due occurrence at most once.
//
// Leases carry a TTL: a worker that crashes mid-execution cannot wedge a
// task forever, the claim simply expires.
package lease

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrHeld means another worker holds the lease. Pollers treat it as
// "skip this task this cycle", not as a failure.
var ErrHeld = errors.New("lease held by another worker")

// Manager is the contract trigger workers use.
type Manager interface {
	// Acquire claims the task id for ttl. Returns ErrHeld on conflict.
	Acquire(ctx context.Context, taskID uuid.UUID, ttl time.Duration) error
	// Release drops the claim if this manager still owns it.
	Release(ctx context.Context, taskID uuid.UUID) error
}
