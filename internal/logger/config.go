package logger

import (
	"fmt"
	"time"
)

// LogLevel represents the severity level of a log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogFormat represents the output format for logs
type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

// LogSource distinguishes runtime logs from job execution logs
type LogSource string

const (
	LogSourceRuntime LogSource = "runtime" // Queue runtime internals
	LogSourceJob     LogSource = "job"     // Job execution logs
)

// Component identifies which part of the runtime generated the log
type Component string

const (
	ComponentQueue     Component = "queue"
	ComponentWorker    Component = "worker"
	ComponentScheduler Component = "scheduler"
	ComponentFlow      Component = "flow"
	ComponentMonitor   Component = "monitor"
	ComponentStore     Component = "store"
	ComponentRedis     Component = "redis"
	ComponentCLI       Component = "cli"
)

// Config holds the logging configuration for both tiers
type Config struct {
	Level  LogLevel  `json:"level"`
	Format LogFormat `json:"format"`

	// Tier 1: Console (always enabled)
	Console ConsoleConfig `json:"console"`

	// Tier 2: File (optional)
	File FileConfig `json:"file"`
}

// ConsoleConfig configures console/terminal logging (Tier 1)
type ConsoleConfig struct {
	Enabled       bool          `json:"enabled"`
	Color         bool          `json:"color"`          // Colored output (text mode only)
	BufferSize    int           `json:"buffer_size"`    // Async buffer size in bytes
	FlushInterval time.Duration `json:"flush_interval"` // Flush interval
}

// FileConfig configures file-based logging (Tier 2)
type FileConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`  // Max size before rotation
	MaxBackups int    `json:"max_backups"`  // Max number of old log files
	MaxAgeDays int    `json:"max_age_days"` // Max age in days
	Compress   bool   `json:"compress"`     // Compress rotated files

	BufferSize    int           `json:"buffer_size"`    // Channel buffer size
	BatchSize     int           `json:"batch_size"`     // Batch write size
	BatchInterval time.Duration `json:"batch_interval"` // Batch flush interval
}

// DefaultConfig returns a default logging configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Console: ConsoleConfig{
			Enabled:       true,
			Color:         true,
			BufferSize:    65536, // 64KB
			FlushInterval: 100 * time.Millisecond,
		},
		File: FileConfig{
			Enabled:       false,
			Path:          "/var/log/letletme/queue.log",
			MaxSizeMB:     100,
			MaxBackups:    5,
			MaxAgeDays:    30,
			Compress:      true,
			BufferSize:    10000,
			BatchSize:     100,
			BatchInterval: 100 * time.Millisecond,
		},
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	switch c.Level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return fmt.Errorf("invalid log level: %q", c.Level)
	}

	switch c.Format {
	case FormatJSON, FormatText:
	default:
		return fmt.Errorf("invalid log format: %q", c.Format)
	}

	if c.Console.Enabled {
		if c.Console.BufferSize <= 0 {
			return fmt.Errorf("console buffer size must be positive")
		}
		if c.Console.FlushInterval <= 0 {
			return fmt.Errorf("console flush interval must be positive")
		}
	}

	if c.File.Enabled {
		if c.File.Path == "" {
			return fmt.Errorf("file path cannot be empty when file logging is enabled")
		}
		if c.File.BufferSize <= 0 {
			return fmt.Errorf("file buffer size must be positive")
		}
		if c.File.BatchSize <= 0 {
			return fmt.Errorf("file batch size must be positive")
		}
		if c.File.BatchInterval <= 0 {
			return fmt.Errorf("file batch interval must be positive")
		}
	}

	return nil
}
