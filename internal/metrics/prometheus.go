package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Trigger metrics
	passesTotal        prometheus.Counter
	passErrorsTotal    prometheus.Counter
	tasksDueTotal      prometheus.Counter
	passDuration       prometheus.Histogram
	dispatchesTotal    *prometheus.CounterVec
	dispatchDuration   prometheus.Histogram
	leaseConflictsTotal prometheus.Counter
	exhaustedTotal     prometheus.Counter

	// Doctor metrics
	neverRunnable prometheus.Gauge

	// Leader election metrics
	isLeader            prometheus.Gauge
	leaderAcquiredTotal prometheus.Counter
	leaderLostTotal     *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// Metrics that fail to register are logged and keep working as local collectors.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initTriggerMetrics(reg)
	s.initDoctorMetrics(reg)
	s.initLeaderMetrics(reg)
	return s
}

func (s *PrometheusSink) initTriggerMetrics(reg prometheus.Registerer) {
	s.passesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskwheel_trigger_passes_total",
		Help: "Total number of trigger passes started.",
	})
	s.passErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskwheel_trigger_pass_errors_total",
		Help: "Total number of trigger passes that failed to query due tasks.",
	})
	s.tasksDueTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskwheel_trigger_tasks_due_total",
		Help: "Total number of due tasks considered across all passes.",
	})
	s.passDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskwheel_trigger_pass_duration_seconds",
		Help:    "Duration of each trigger pass in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.dispatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskwheel_trigger_dispatches_total",
		Help: "Total number of dispatches per action kind and outcome.",
	}, []string{"kind", "outcome"})
	s.dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "taskwheel_trigger_dispatch_duration_seconds",
		Help:    "Per-task dispatch latency in seconds (lease to verdict).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.leaseConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskwheel_trigger_lease_conflicts_total",
		Help: "Total number of due tasks skipped because another worker held the lease.",
	})
	s.exhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskwheel_trigger_schedule_exhausted_total",
		Help: "Total number of times a schedule produced no next occurrence.",
	})

	s.register(reg, s.passesTotal, "taskwheel_trigger_passes_total")
	s.register(reg, s.passErrorsTotal, "taskwheel_trigger_pass_errors_total")
	s.register(reg, s.tasksDueTotal, "taskwheel_trigger_tasks_due_total")
	s.register(reg, s.passDuration, "taskwheel_trigger_pass_duration_seconds")
	s.register(reg, s.dispatchesTotal, "taskwheel_trigger_dispatches_total")
	s.register(reg, s.dispatchDuration, "taskwheel_trigger_dispatch_duration_seconds")
	s.register(reg, s.leaseConflictsTotal, "taskwheel_trigger_lease_conflicts_total")
	s.register(reg, s.exhaustedTotal, "taskwheel_trigger_schedule_exhausted_total")
}

func (s *PrometheusSink) initDoctorMetrics(reg prometheus.Registerer) {
	s.neverRunnable = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskwheel_doctor_never_runnable_tasks",
		Help: "Active tasks whose schedule cannot produce a next occurrence.",
	})
	s.register(reg, s.neverRunnable, "taskwheel_doctor_never_runnable_tasks")
}

func (s *PrometheusSink) initLeaderMetrics(reg prometheus.Registerer) {
	s.isLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskwheel_leader_status",
		Help: "1 when this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskwheel_leader_acquired_total",
		Help: "Total number of times this instance acquired leadership.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskwheel_leader_lost_total",
		Help: "Total number of times this instance lost leadership, by reason.",
	}, []string{"reason"})

	s.register(reg, s.isLeader, "taskwheel_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "taskwheel_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "taskwheel_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Trigger metrics implementation

func (s *PrometheusSink) PassStarted() {
	s.passesTotal.Inc()
}

func (s *PrometheusSink) PassCompleted(duration time.Duration, due int, err error) {
	s.passDuration.Observe(duration.Seconds())
	s.tasksDueTotal.Add(float64(due))
	if err != nil {
		s.passErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) DispatchCompleted(kind, outcome string, duration time.Duration) {
	s.dispatchesTotal.WithLabelValues(kind, outcome).Inc()
	s.dispatchDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) LeaseConflict() {
	s.leaseConflictsTotal.Inc()
}

func (s *PrometheusSink) ScheduleExhausted() {
	s.exhaustedTotal.Inc()
}

// Doctor metrics implementation

func (s *PrometheusSink) NeverRunnableUpdate(count int) {
	s.neverRunnable.Set(float64(count))
}

// Leader election metrics implementation

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.isLeader.Set(1)
	} else {
		s.isLeader.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}

var _ Sink = (*PrometheusSink)(nil)
