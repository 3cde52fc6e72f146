// Package doctor surfaces tasks that can never fire.
//
// A task is never-runnable when it is active but has no next run, either
// because its schedule is exhausted (a one-shot that already fired) or
// because its custom expression stopped producing occurrences. These tasks
// sit in the store silently; the doctor periodically scans for them, logs
// each one, and publishes the count as a gauge so operators can alert on it.
package doctor

import (
	"context"
	"log"
	"time"

	"github.com/taskwheel/taskwheel/internal/domain"
)

// Store lists active tasks whose next run is unset.
type Store interface {
	ListNeverRunnable(ctx context.Context, limit int) ([]domain.ScheduledTask, error)
}

// MetricsSink receives the never-runnable count after each scan.
type MetricsSink interface {
	NeverRunnableUpdate(count int)
}

// Config holds doctor configuration.
type Config struct {
	// Interval is how often the doctor scans.
	// Default: 5 minutes.
	Interval time.Duration

	// BatchSize is the maximum number of tasks to report per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default doctor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		BatchSize: 100,
	}
}

// Doctor scans for never-runnable tasks and reports them.
type Doctor struct {
	config  Config
	store   Store
	metrics MetricsSink // optional, nil = disabled
}

// New creates a new Doctor.
func New(config Config, store Store) *Doctor {
	return &Doctor{
		config: config,
		store:  store,
	}
}

// WithMetrics attaches a metrics sink fed after every scan.
func (d *Doctor) WithMetrics(sink MetricsSink) *Doctor {
	d.metrics = sink
	return d
}

// Run starts the scan loop. It blocks until ctx is cancelled.
func (d *Doctor) Run(ctx context.Context) {
	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	log.Printf("doctor: started (interval=%s, batch=%d)", d.config.Interval, d.config.BatchSize)

	// Run immediately on startup, then on ticker
	d.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("doctor: stopped")
			return
		case <-ticker.C:
			d.runCycle(ctx)
		}
	}
}

// runCycle executes one scan.
func (d *Doctor) runCycle(ctx context.Context) {
	tasks, err := d.store.ListNeverRunnable(ctx, d.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("doctor: failed to list never-runnable tasks: %v", err)
		return
	}

	if d.metrics != nil {
		d.metrics.NeverRunnableUpdate(len(tasks))
	}

	if len(tasks) == 0 {
		// Nothing to report. Silent success.
		return
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			log.Printf("doctor: cycle interrupted after %d tasks", len(tasks))
			return
		}
		log.Printf("doctor: task=%s name=%q kind=%s is active but has no next run",
			task.ID, task.Name, task.Schedule.Kind)
	}

	log.Printf("doctor: cycle complete, %d never-runnable tasks", len(tasks))
}
