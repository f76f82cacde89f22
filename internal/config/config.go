// Package config loads runtime configuration from environment variables
// with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tonglam/letletme-data-sub003/internal/logger"
)

// Config holds all configuration for the queue runtime
type Config struct {
	Redis     RedisConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Scheduler SchedulerConfig
	Monitor   MonitorConfig
	// Logging configuration
	Logging *logger.Config
}

// RedisConfig holds the Redis connection settings
type RedisConfig struct {
	// URL is the connection URL (redis://...); takes precedence over
	// Host/Port when set
	URL      string
	Host     string
	Port     int
	Password string
	DB       int
	TLS      bool
	// RetryBackoffMax caps the retry backoff for transient Redis errors
	RetryBackoffMax time.Duration
	// RetryAttempts bounds retries of transient Redis errors
	RetryAttempts int
}

// QueueConfig holds queue-level settings
type QueueConfig struct {
	// Name is the queue this process serves
	Name string
	// Prefix namespaces every Redis key
	Prefix string
	// DefaultAttempts is the default retry budget per job
	DefaultAttempts int
	// DefaultBackoff is the default base delay between retries
	DefaultBackoff time.Duration
}

// WorkerConfig holds worker dispatch settings
type WorkerConfig struct {
	// Concurrency is the number of parallel processor slots
	Concurrency int
	// LockTTL is the job lock lifetime between heartbeats
	LockTTL time.Duration
	// StalledInterval is how often the stall scanner runs
	StalledInterval time.Duration
	// MaxStalledCount is how many stall recoveries a job gets before
	// failing outright
	MaxStalledCount int
	// JobTimeout bounds handler execution when the job sets no timeout
	JobTimeout time.Duration
	// ShutdownGrace is how long in-flight jobs get on shutdown
	ShutdownGrace time.Duration
}

// SchedulerConfig holds scheduler tick settings
type SchedulerConfig struct {
	// Enabled starts the tick loop in this process
	Enabled bool
	// TickInterval is how often the elected leader scans for due fires
	TickInterval time.Duration
	// LeaderTTL is the leader lock lifetime
	LeaderTTL time.Duration
	// CatchupMax bounds emissions per scheduler per tick
	CatchupMax int
}

// MonitorConfig holds monitor sampling settings
type MonitorConfig struct {
	// Enabled starts the monitor in this process
	Enabled bool
	// PollInterval is how often job counts are sampled
	PollInterval time.Duration
	// HistorySize is the throughput window in samples
	HistorySize int
}

// LoadConfig loads configuration from environment variables with
// sensible defaults
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Redis: RedisConfig{
			URL:             getEnv("REDIS_URL", "redis://localhost:6379"),
			Host:            getEnv("REDIS_HOST", "localhost"),
			Port:            getEnvAsInt("REDIS_PORT", 6379),
			Password:        getEnv("REDIS_PASSWORD", ""),
			DB:              getEnvAsInt("REDIS_DB", 0),
			TLS:             getEnvAsBool("REDIS_TLS", false),
			RetryBackoffMax: getEnvAsDuration("REDIS_RETRY_BACKOFF_MAX", 30*time.Second),
			RetryAttempts:   getEnvAsInt("REDIS_RETRY_ATTEMPTS", 5),
		},
		Queue: QueueConfig{
			Name:            getEnv("QUEUE_NAME", "default"),
			Prefix:          getEnv("QUEUE_PREFIX", "letletme"),
			DefaultAttempts: getEnvAsInt("QUEUE_DEFAULT_ATTEMPTS", 3),
			DefaultBackoff:  getEnvAsDuration("QUEUE_DEFAULT_BACKOFF", 5*time.Second),
		},
		Worker: WorkerConfig{
			Concurrency:     getEnvAsInt("WORKER_CONCURRENCY", 5),
			LockTTL:         getEnvAsDuration("WORKER_LOCK_TTL", 30*time.Second),
			StalledInterval: getEnvAsDuration("WORKER_STALLED_INTERVAL", 30*time.Second),
			MaxStalledCount: getEnvAsInt("WORKER_MAX_STALLED_COUNT", 1),
			JobTimeout:      getEnvAsDuration("JOB_TIMEOUT", 5*time.Minute),
			ShutdownGrace:   getEnvAsDuration("WORKER_SHUTDOWN_GRACE", 30*time.Second),
		},
		Scheduler: SchedulerConfig{
			Enabled:      getEnvAsBool("SCHEDULER_ENABLED", true),
			TickInterval: getEnvAsDuration("SCHEDULER_TICK_INTERVAL", 1*time.Second),
			LeaderTTL:    getEnvAsDuration("SCHEDULER_LEADER_TTL", 30*time.Second),
			CatchupMax:   getEnvAsInt("SCHEDULER_CATCHUP_MAX", 1),
		},
		Monitor: MonitorConfig{
			Enabled:      getEnvAsBool("MONITOR_ENABLED", true),
			PollInterval: getEnvAsDuration("MONITOR_POLL_INTERVAL", 5*time.Second),
			HistorySize:  getEnvAsInt("MONITOR_HISTORY_SIZE", 60),
		},
		Logging: loadLoggingConfig(),
	}

	if cfg.Redis.URL == "" && cfg.Redis.Host == "" {
		return nil, fmt.Errorf("REDIS_URL or REDIS_HOST must be set")
	}
	if cfg.Queue.Name == "" {
		return nil, fmt.Errorf("QUEUE_NAME cannot be empty")
	}
	if cfg.Queue.Prefix == "" {
		return nil, fmt.Errorf("QUEUE_PREFIX cannot be empty")
	}
	if strings.ContainsAny(cfg.Queue.Name, ": ") || strings.ContainsAny(cfg.Queue.Prefix, ": ") {
		return nil, fmt.Errorf("queue name and prefix must not contain colons or spaces")
	}
	if cfg.Queue.DefaultAttempts < 1 {
		return nil, fmt.Errorf("QUEUE_DEFAULT_ATTEMPTS must be at least 1")
	}
	if cfg.Worker.Concurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if cfg.Worker.LockTTL < time.Second {
		return nil, fmt.Errorf("WORKER_LOCK_TTL must be at least 1s")
	}
	if cfg.Worker.MaxStalledCount < 1 {
		return nil, fmt.Errorf("WORKER_MAX_STALLED_COUNT must be at least 1")
	}
	if cfg.Scheduler.TickInterval < 100*time.Millisecond {
		return nil, fmt.Errorf("SCHEDULER_TICK_INTERVAL must be at least 100ms")
	}
	if cfg.Scheduler.LeaderTTL <= cfg.Scheduler.TickInterval {
		return nil, fmt.Errorf("SCHEDULER_LEADER_TTL must exceed SCHEDULER_TICK_INTERVAL")
	}
	if cfg.Scheduler.CatchupMax < 1 {
		return nil, fmt.Errorf("SCHEDULER_CATCHUP_MAX must be at least 1")
	}
	if cfg.Monitor.PollInterval < time.Second {
		return nil, fmt.Errorf("MONITOR_POLL_INTERVAL must be at least 1s")
	}

	if err := cfg.Logging.Validate(); err != nil {
		return nil, fmt.Errorf("invalid logging config: %w", err)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(strings.ToLower(level))
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(strings.ToLower(format))
	}

	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", cfg.Console.Enabled)
	cfg.Console.Color = getEnvAsBool("LOG_CONSOLE_COLOR", cfg.Console.Color)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", cfg.File.Enabled)
	if path := getEnv("LOG_FILE_PATH", ""); path != "" {
		cfg.File.Path = path
	}
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", cfg.File.MaxSizeMB)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", cfg.File.MaxBackups)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", cfg.File.MaxAgeDays)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", cfg.File.Compress)

	return cfg
}
