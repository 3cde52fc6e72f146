package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Trigger metrics
	PassStarted()
	PassCompleted(duration time.Duration, due int, err error)
	DispatchCompleted(kind string, outcome string, duration time.Duration)
	LeaseConflict()
	ScheduleExhausted()

	// Doctor metrics
	NeverRunnableUpdate(count int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}
