package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/taskwheel/taskwheel/internal/analytics"
	"github.com/taskwheel/taskwheel/internal/circuitbreaker"
	"github.com/taskwheel/taskwheel/internal/config"
	"github.com/taskwheel/taskwheel/internal/dispatch"
	"github.com/taskwheel/taskwheel/internal/doctor"
	"github.com/taskwheel/taskwheel/internal/domain"
	"github.com/taskwheel/taskwheel/internal/leaderelection"
	"github.com/taskwheel/taskwheel/internal/lease"
	"github.com/taskwheel/taskwheel/internal/metrics"
	"github.com/taskwheel/taskwheel/internal/recurrence"
	"github.com/taskwheel/taskwheel/internal/store/postgres"
	"github.com/taskwheel/taskwheel/internal/transport/channel"
	"github.com/taskwheel/taskwheel/internal/trigger"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`taskwheel - recurring task scheduling engine

Usage:
  taskwheel <command>

Commands:
  serve      Start the trigger loop and supporting services
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address for leases, queues, analytics (optional)
  HTTP_ADDR                 HTTP server address for metrics/health (default: ":8080")
  WORKER_ID                 Instance identity in lease records (default: hostname)

  POLL_INTERVAL             Trigger poll cadence (default: "10s")
  BATCH_SIZE                Max due tasks per pass (default: "100")
  LEASE_TTL                 Per-task lease lifetime (default: "60s")
  DISPATCH_TIMEOUT          Per-action dispatch timeout (default: "30s")

  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")
  ANALYTICS_ENABLED         Enable Redis execution analytics (default: "false")
  EVENTBUS_BUFFER_SIZE      Execution result bus buffer (default: "100")

  DOCTOR_ENABLED            Enable never-runnable task reporting (default: "false")
  DOCTOR_INTERVAL           How often the doctor scans (default: "5m")
  DOCTOR_BATCH_SIZE         Max tasks per doctor cycle (default: "100")

  CIRCUIT_BREAKER_THRESHOLD Consecutive failures before a webhook endpoint
                            is cut off; 0 disables (default: "5")
  CIRCUIT_BREAKER_COOLDOWN  Open-circuit cooldown (default: "2m")

  LEADER_LOCK_KEY           Advisory lock key shared by all instances
  LEADER_RETRY_INTERVAL     Follower campaign cadence (default: "5s")
  LEADER_HEARTBEAT_INTERVAL Leader connection heartbeat (default: "2s")`)
}

// logConfigWarnings flags configurations that run but degrade silently.
func logConfigWarnings(cfg *config.Config) {
	if cfg.RedisAddr == "" {
		log.Println("WARNING: REDIS_ADDR not set; leases are process-local and task.create actions are disabled. " +
			"Running more than one instance this way can double-fire tasks.")
	}
	if !cfg.DoctorEnabled {
		log.Println("WARNING: DOCTOR_ENABLED=false; tasks whose schedule stops producing occurrences " +
			"will sit inactive with no report.")
	}
	if !cfg.MetricsEnabled {
		log.Println("INFO: METRICS_ENABLED=false; no Prometheus metrics will be exported.")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("INFO: CIRCUIT_BREAKER_THRESHOLD=0; flapping webhook endpoints will be retried without backpressure.")
	}
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	log.Printf("taskwheel: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db)
	calc := recurrence.NewCalculator(recurrence.NewCronEvaluator())

	// Redis backs leases, the task.create queue and analytics.
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
	}

	var leases lease.Manager
	if redisClient != nil {
		leases = lease.NewRedisManager(redisClient, cfg.WorkerID)
		log.Printf("taskwheel: redis leases enabled (addr=%s, worker=%s)", cfg.RedisAddr, cfg.WorkerID)
	} else {
		leases = lease.NewLocalManager()
		log.Println("taskwheel: REDIS_ADDR not set; using process-local leases")
	}

	// Action handlers
	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerThreshold > 0 {
		breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
		log.Printf("taskwheel: circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}

	disp := dispatch.NewDispatcher()
	for _, kind := range []domain.ActionKind{
		domain.ActionNotificationSend,
		domain.ActionEmailSend,
		domain.ActionWorkflowExecute,
		domain.ActionCustom,
	} {
		handler := dispatch.NewWebhookHandler(kind)
		if breaker != nil {
			handler = handler.WithBreaker(breaker)
		}
		disp.Register(kind, handler)
	}
	if redisClient != nil {
		disp.Register(domain.ActionTaskCreate, dispatch.NewQueueTaskCreator(redisClient))
	}

	// Metrics and health server
	var metricsSink *metrics.PrometheusSink
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
		log.Printf("taskwheel: metrics enabled (path=%s)", cfg.MetricsPath)
	}
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}
	go func() {
		log.Printf("taskwheel: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("taskwheel: http server error: %v", err)
		}
	}()

	// Execution result bus with a logging consumer.
	bus := channel.NewEventBus(cfg.EventBusBufferSize)
	consumerCtx, cancelConsumer := context.WithCancel(context.Background())
	var consumerWg sync.WaitGroup
	consumerWg.Add(1)
	go func() {
		defer consumerWg.Done()
		for {
			select {
			case <-consumerCtx.Done():
				return
			case result := <-bus.Channel():
				if result.Err != "" {
					log.Printf("taskwheel: task=%s kind=%s outcome=%s err=%q",
						result.TaskID, result.Kind, result.Outcome, result.Err)
				} else {
					log.Printf("taskwheel: task=%s kind=%s outcome=%s duration=%s",
						result.TaskID, result.Kind, result.Outcome,
						result.FinishedAt.Sub(result.StartedAt))
				}
			}
		}
	}()

	trig := trigger.New(trigger.Config{
		PollInterval:    cfg.PollInterval,
		BatchSize:       cfg.BatchSize,
		LeaseTTL:        cfg.LeaseTTL,
		DispatchTimeout: cfg.DispatchTimeout,
	}, store, leases, disp, calc).WithResults(bus)
	if metricsSink != nil {
		trig = trig.WithMetrics(metricsSink)
	}

	if cfg.AnalyticsEnabled && redisClient != nil {
		trig = trig.WithAnalytics(analytics.NewRedisSink(redisClient))
		log.Printf("taskwheel: analytics enabled (redis=%s)", cfg.RedisAddr)
	}

	triggerCtx, cancelTrigger := context.WithCancel(context.Background())
	var triggerWg sync.WaitGroup
	triggerWg.Add(1)
	go func() {
		defer triggerWg.Done()
		trig.Run(triggerCtx)
	}()

	// The doctor runs on the leader only; every instance campaigns.
	var electorWg sync.WaitGroup
	var cancelElector context.CancelFunc
	if cfg.DoctorEnabled {
		doc := doctor.New(doctor.Config{
			Interval:  cfg.DoctorInterval,
			BatchSize: cfg.DoctorBatchSize,
		}, store)
		if metricsSink != nil {
			doc = doc.WithMetrics(metricsSink)
		}

		elector := leaderelection.New(
			db,
			cfg.LeaderLockKey,
			cfg.LeaderRetryInterval,
			cfg.LeaderHeartbeatInterval,
			func(leaderCtx context.Context) { doc.Run(leaderCtx) },
			func() {},
		)
		if metricsSink != nil {
			elector = elector.WithMetrics(metricsSink)
		}

		var electorCtx context.Context
		electorCtx, cancelElector = context.WithCancel(context.Background())
		electorWg.Add(1)
		go func() {
			defer electorWg.Done()
			elector.Run(electorCtx)
		}()
		log.Printf("taskwheel: doctor enabled under leader election (interval=%s, batch=%d)",
			cfg.DoctorInterval, cfg.DoctorBatchSize)
	}

	log.Printf("taskwheel: started (poll=%s, batch=%d, http=%s)", cfg.PollInterval, cfg.BatchSize, cfg.HTTPAddr)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("taskwheel: received signal %v, shutting down", received)

	// Phase 1: Stop the trigger (no new dispatches; in-flight ones finish)
	log.Println("taskwheel: stopping trigger...")
	cancelTrigger()
	triggerWg.Wait()
	log.Println("taskwheel: trigger stopped")

	// Phase 2: Stop the elector (demotes and stops the doctor)
	if cancelElector != nil {
		log.Println("taskwheel: stopping leader election...")
		cancelElector()
		electorWg.Wait()
		log.Println("taskwheel: leader election stopped")
	}

	// Phase 3: Stop the result consumer once no producer remains
	cancelConsumer()
	consumerWg.Wait()

	// Phase 4: Stop HTTP server with graceful shutdown
	log.Println("taskwheel: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("taskwheel: http server shutdown error: %v", err)
	}
	log.Println("taskwheel: http server stopped")

	log.Println("taskwheel: stopped")
	return exitSuccess
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("taskwheel version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
