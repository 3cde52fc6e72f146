package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) PassStarted()                                                   {}
func (n *NoopSink) PassCompleted(duration time.Duration, due int, err error)       {}
func (n *NoopSink) DispatchCompleted(kind, outcome string, duration time.Duration) {}
func (n *NoopSink) LeaseConflict()                                                 {}
func (n *NoopSink) ScheduleExhausted()                                             {}
func (n *NoopSink) NeverRunnableUpdate(count int)                                  {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                              {}
func (n *NoopSink) LeaderAcquired()                                                {}
func (n *NoopSink) LeaderLost(reason string)                                       {}

var _ Sink = (*NoopSink)(nil)
