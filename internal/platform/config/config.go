package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config aggregates process configuration. Every section has a usable default
// so tests can start from DefaultConfig and override only what they need.
type Config struct {
	Server   Server
	Database Database
	Redis    RedisConfig
	Kafka    Kafka
	Lock     Lock
	Retry    Retry
	Worker   Worker
	Scoring  Scoring
	Log      Log
}

// Server captures the ops HTTP endpoint (health, readiness, metrics).
type Server struct {
	OpsAddr string
}

// Database configures the Postgres connection. An empty URL selects the
// in-memory stores.
type Database struct {
	URL          string
	MaxOpenConns int
}

// RedisConfig configures the Redis client backing the distributed locker.
// An empty URL selects the in-process locker.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Kafka configures the job queue. No brokers selects the in-memory queue.
type Kafka struct {
	Brokers       []string
	JobsTopic     string
	ConsumerGroup string
}

// Lock bounds how long a job waits for a per-selection lock and how long a
// held lock survives a crashed worker.
type Lock struct {
	AcquireTimeout time.Duration
	TTL            time.Duration
	PollInterval   time.Duration
}

// Retry is the fixed-backoff policy for background jobs.
type Retry struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Worker bounds how many jobs a worker runs at once.
type Worker struct {
	Concurrency int
	PollBackoff time.Duration
}

// Scoring configures calls into the external scoring engine.
type Scoring struct {
	Concurrency      int
	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Log configures the slog handler.
type Log struct {
	Level  string
	Format string
}

// DefaultConfig returns the configuration used when no environment is set.
func DefaultConfig() Config {
	return Config{
		Server: Server{OpsAddr: ":9090"},
		Database: Database{
			MaxOpenConns: 10,
		},
		Redis: RedisConfig{
			PoolSize:     10,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka: Kafka{
			JobsTopic:     "targeting.jobs",
			ConsumerGroup: "targeting-worker",
		},
		Lock: Lock{
			AcquireTimeout: 10 * time.Minute,
			TTL:            2 * time.Hour,
			PollInterval:   250 * time.Millisecond,
		},
		Retry: Retry{
			MaxAttempts: 3,
			Backoff:     30 * time.Second,
		},
		Worker: Worker{
			Concurrency: 4,
			PollBackoff: time.Second,
		},
		Scoring: Scoring{
			Concurrency:      8,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Minute,
		},
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := DefaultConfig()

	cfg.Server.OpsAddr = envString("TARGETING_OPS_ADDR", cfg.Server.OpsAddr)

	cfg.Database.URL = os.Getenv("DATABASE_URL")
	cfg.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)

	cfg.Redis.URL = os.Getenv("REDIS_URL")
	cfg.Redis.PoolSize = envInt("REDIS_POOL_SIZE", cfg.Redis.PoolSize)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.Kafka.Brokers = strings.Split(brokers, ",")
	}
	cfg.Kafka.JobsTopic = envString("KAFKA_JOBS_TOPIC", cfg.Kafka.JobsTopic)
	cfg.Kafka.ConsumerGroup = envString("KAFKA_CONSUMER_GROUP", cfg.Kafka.ConsumerGroup)

	cfg.Lock.AcquireTimeout = envDuration("LOCK_ACQUIRE_TIMEOUT", cfg.Lock.AcquireTimeout)
	cfg.Lock.TTL = envDuration("LOCK_TTL", cfg.Lock.TTL)

	cfg.Retry.MaxAttempts = envInt("JOB_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)
	cfg.Retry.Backoff = envDuration("JOB_RETRY_BACKOFF", cfg.Retry.Backoff)

	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency)

	cfg.Scoring.Concurrency = envInt("SCORING_CONCURRENCY", cfg.Scoring.Concurrency)

	cfg.Log.Level = envString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envString("LOG_FORMAT", cfg.Log.Format)

	return cfg
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
