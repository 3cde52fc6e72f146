// Command worker runs a standalone trigger worker against a shared store.
// It carries no leader election and no doctor; deploy it alongside the main
// taskwheel binary to scale dispatch horizontally. Redis leases keep the
// workers from double-firing the same task.
package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/taskwheel/taskwheel/internal/analytics"
	"github.com/taskwheel/taskwheel/internal/circuitbreaker"
	"github.com/taskwheel/taskwheel/internal/config"
	"github.com/taskwheel/taskwheel/internal/dispatch"
	"github.com/taskwheel/taskwheel/internal/domain"
	"github.com/taskwheel/taskwheel/internal/lease"
	"github.com/taskwheel/taskwheel/internal/recurrence"
	"github.com/taskwheel/taskwheel/internal/store/postgres"
	"github.com/taskwheel/taskwheel/internal/trigger"

	_ "github.com/lib/pq"
)

func main() {
	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("worker: configuration error: %v", err)
	}
	if cfg.RedisAddr == "" {
		// Local leases cannot coordinate across processes.
		log.Fatal("worker: REDIS_ADDR is required; a worker without shared leases can double-fire tasks")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("worker: failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)

	if err := db.Ping(); err != nil {
		log.Fatalf("worker: failed to connect to database: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	store := postgres.New(db)
	calc := recurrence.NewCalculator(recurrence.NewCronEvaluator())
	leases := lease.NewRedisManager(redisClient, cfg.WorkerID)

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.CircuitBreakerThreshold > 0 {
		breaker = circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
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
	disp.Register(domain.ActionTaskCreate, dispatch.NewQueueTaskCreator(redisClient))

	trig := trigger.New(trigger.Config{
		PollInterval:    cfg.PollInterval,
		BatchSize:       cfg.BatchSize,
		LeaseTTL:        cfg.LeaseTTL,
		DispatchTimeout: cfg.DispatchTimeout,
	}, store, leases, disp, calc)

	if cfg.AnalyticsEnabled {
		trig = trig.WithAnalytics(analytics.NewRedisSink(redisClient))
		log.Printf("worker: analytics enabled (redis=%s)", cfg.RedisAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		trig.Run(ctx)
	}()

	log.Printf("worker: started (id=%s, poll=%s, batch=%d)", cfg.WorkerID, cfg.PollInterval, cfg.BatchSize)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("worker: received signal %v, shutting down", received)
	cancel()
	wg.Wait()
	log.Println("worker: stopped")
}
