// Package leaderelection elects a single instance to run singleton duties
// using a Postgres session-scoped advisory lock.
//
// The lock lives as long as the dedicated database connection that took it;
// there is no renewal or TTL. When the connection dies Postgres releases the
// lock server-side (timing depends on TCP keepalive settings). The heartbeat
// ping only detects local connection death so the leader can stand down
// promptly; it does not renew anything.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// DefaultLockKey identifies the scheduler's advisory lock. All instances of
// a deployment must agree on it.
const DefaultLockKey int64 = 0x7461736b7768 // "taskwh"

// MetricsSink receives leadership transitions. All methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string) // reason: "shutdown", "conn_lost", "error"
}

// Elector campaigns for a Postgres advisory lock and runs leader duties
// while it holds the lock.
type Elector struct {
	db                *sql.DB
	lockKey           int64
	retryInterval     time.Duration // follower: how often to campaign
	heartbeatInterval time.Duration // leader: how often to ping the dedicated connection
	onElected         func(ctx context.Context)
	onDemoted         func()
	metrics           MetricsSink // optional, nil = disabled
}

// New creates an Elector.
//
// onElected runs in a new goroutine when this instance takes the lock; its
// context is cancelled when leadership is lost. It should start leader
// duties (the doctor scan loop) and return quickly.
//
// onDemoted is called synchronously when leadership is lost. It must be
// idempotent and block until leader duties are fully stopped.
func New(
	db *sql.DB,
	lockKey int64,
	retryInterval, heartbeatInterval time.Duration,
	onElected func(ctx context.Context),
	onDemoted func(),
) *Elector {
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		retryInterval:     retryInterval,
		heartbeatInterval: heartbeatInterval,
		onElected:         onElected,
		onDemoted:         onDemoted,
	}
}

// WithMetrics attaches a metrics sink to the elector.
func (e *Elector) WithMetrics(sink MetricsSink) *Elector {
	e.metrics = sink
	return e
}

// Run campaigns until ctx is cancelled, sleeping retryInterval between
// attempts and between terms.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: election loop started (lock_key=%d, retry=%s, heartbeat=%s)",
		e.lockKey, e.retryInterval, e.heartbeatInterval)

	for ctx.Err() == nil {
		reason := e.campaign(ctx)

		if ctx.Err() != nil {
			break
		}
		if reason != "" {
			log.Printf("leader: lost leadership (reason=%s), retrying in %s", reason, e.retryInterval)
		}

		select {
		case <-ctx.Done():
		case <-time.After(e.retryInterval):
		}
	}
	log.Println("leader: election loop stopped")
}

// campaign makes one non-blocking attempt at the lock and, on success, holds
// it until the connection dies or ctx is cancelled. It returns the reason
// leadership ended, or "" when the lock was never acquired.
func (e *Elector) campaign(ctx context.Context) string {
	// Advisory locks are session-scoped: the same connection must take and
	// keep the lock, so a pooled *sql.DB query will not do.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: dedicated connection: %v", err)
		return ""
	}
	defer conn.Close()

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired); err != nil {
		log.Printf("leader: advisory lock query: %v", err)
		return ""
	}
	if !acquired {
		log.Printf("leader: lock %d held elsewhere, retrying in %s", e.lockKey, e.retryInterval)
		return ""
	}

	log.Printf("leader: acquired advisory lock %d", e.lockKey)
	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(true)
		e.metrics.LeaderAcquired()
	}

	termCtx, endTerm := context.WithCancel(ctx)
	go e.onElected(termCtx)

	reason := e.watchConn(ctx, conn)

	endTerm()
	e.onDemoted()

	if e.metrics != nil {
		e.metrics.LeaderStatusChanged(false)
		e.metrics.LeaderLost(reason)
	}

	log.Printf("leader: released advisory lock %d", e.lockKey)
	return reason
}

// watchConn pings the lock-holding connection until it fails or ctx is
// cancelled, and names what ended the term.
func (e *Elector) watchConn(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: heartbeat ping failed: %v", err)
				return "conn_lost"
			}
		}
	}
}
