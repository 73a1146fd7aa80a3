package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"targeting/internal/catalog"
	"targeting/internal/criteria"
	"targeting/internal/platform/config"
	"targeting/internal/platform/httpserver"
	"targeting/internal/platform/jobs"
	"targeting/internal/platform/lock"
	"targeting/internal/platform/postgres"
	"targeting/internal/platform/redis"
	"targeting/internal/registry"
	"targeting/internal/scoring"
	scoringmetrics "targeting/internal/scoring/metrics"
	"targeting/internal/selection/metrics"
	"targeting/internal/selection/models"
	"targeting/internal/selection/rebuild"
	"targeting/internal/selection/service"
	"targeting/internal/selection/store"
	"targeting/pkg/platform/audit"
	auditmemory "targeting/pkg/platform/audit/store/memory"
	"targeting/pkg/platform/audit/publisher"
	auditpostgres "targeting/pkg/platform/audit/store/postgres"
	"targeting/pkg/platform/circuit"
)

// selectionStore is what every selection consumer in the process needs.
type selectionStore interface {
	service.Store
	rebuild.Store
	scoring.Store
}

// app holds the wired process. Backends fall back to in-memory
// implementations when their configuration is empty.
type app struct {
	logger     *slog.Logger
	db         *sql.DB
	redis      *redis.Client
	kafka      *jobs.KafkaQueue
	queue      jobs.Queue
	source     jobs.Source
	locker     lock.Locker
	publisher  *publisher.Publisher
	rules      *scoring.Registry
	selections *service.Service
	rebuild    *rebuild.Pipeline
	scoring    *scoring.Service
	runner     *jobs.Runner
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{logger: logger}

	cat, err := catalog.NewWithCore()
	if err != nil {
		return nil, err
	}
	compiler := criteria.NewCompiler(cat)

	var (
		selections selectionStore
		source     registry.Source
		auditStore audit.Store
	)
	if cfg.Database.URL != "" {
		a.db, err = postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, a.db); err != nil {
			a.close()
			return nil, err
		}
		selections = store.NewPostgres(a.db)
		source = registry.NewPostgres(a.db)
		auditStore = auditpostgres.New(a.db)
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory stores")
		selections = store.NewInMemory()
		source = registry.NewInMemory()
		auditStore = auditmemory.NewInMemoryStore()
	}

	lockOpts := lock.Options{
		AcquireTimeout: cfg.Lock.AcquireTimeout,
		TTL:            cfg.Lock.TTL,
		PollInterval:   cfg.Lock.PollInterval,
	}
	a.redis, err = redis.New(ctx, cfg.Redis)
	if err != nil {
		a.close()
		return nil, err
	}
	if a.redis != nil {
		a.locker = lock.NewRedisLocker(a.redis.Client, lockOpts)
	} else {
		logger.Warn("REDIS_URL not set, using in-process locker")
		a.locker = lock.NewMemoryLocker(lockOpts)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		a.kafka, err = jobs.NewKafkaQueue(cfg.Kafka)
		if err != nil {
			a.close()
			return nil, err
		}
		if err := a.kafka.EnsureTopic(ctx, 6, 1); err != nil {
			a.close()
			return nil, err
		}
		a.queue, a.source = a.kafka, a.kafka
	} else {
		logger.Warn("KAFKA_BROKERS not set, using in-memory job queue")
		mem := jobs.NewMemoryQueue(1024)
		a.queue, a.source = mem, mem
	}

	a.publisher = publisher.NewPublisher(auditStore, publisher.WithAsyncBuffer(1024), publisher.WithLogger(logger))
	selectionMetrics := metrics.New()
	scoringMetrics := scoringmetrics.New()

	a.rules = scoring.NewRegistry(
		scoring.WithBreakerOptions(
			circuit.WithFailureThreshold(cfg.Scoring.BreakerThreshold),
			circuit.WithCooldown(cfg.Scoring.BreakerCooldown),
		),
		scoring.WithBreakerListener(func(ref models.ScoringRuleRef, state circuit.State) {
			scoringMetrics.ObserveBreaker(ref.String(), string(state))
			logger.Warn("scoring rule circuit changed state", "rule", ref.String(), "state", state)
		}),
	)

	a.selections = service.New(selections, compiler, source,
		service.WithLogger(logger),
		service.WithAuditPublisher(a.publisher),
		service.WithMetrics(selectionMetrics),
		service.WithQueue(a.queue),
		service.WithRuleCatalog(a.rules),
	)
	a.rebuild = rebuild.New(selections, compiler, source, a.locker,
		rebuild.WithLogger(logger),
		rebuild.WithAuditPublisher(a.publisher),
		rebuild.WithMetrics(selectionMetrics),
	)
	a.scoring = scoring.New(selections, a.rules, source, a.locker,
		scoring.WithLogger(logger),
		scoring.WithAuditPublisher(a.publisher),
		scoring.WithMetrics(scoringMetrics),
		scoring.WithConcurrency(cfg.Scoring.Concurrency),
	)

	a.runner = jobs.NewRunner(a.source,
		jobs.WithLogger(logger),
		jobs.WithRetryPolicy(jobs.RetryPolicy{MaxAttempts: cfg.Retry.MaxAttempts, Backoff: cfg.Retry.Backoff}),
		jobs.WithConcurrency(cfg.Worker.Concurrency),
		jobs.WithPollBackoff(cfg.Worker.PollBackoff),
	)
	a.rebuild.Register(a.runner)
	a.scoring.Register(a.runner)
	return a, nil
}

// checks are the readiness probes for the configured backends.
func (a *app) checks() map[string]httpserver.Check {
	checks := make(map[string]httpserver.Check)
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Health
	}
	return checks
}

func (a *app) close() {
	if a.kafka != nil {
		a.kafka.Close()
	}
	if a.publisher != nil {
		a.publisher.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}

func describe(cfg config.Config) string {
	return fmt.Sprintf("database=%t redis=%t kafka=%t", cfg.Database.URL != "", cfg.Redis.URL != "", len(cfg.Kafka.Brokers) > 0)
}
