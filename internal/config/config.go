// Package config provides configuration management for the platform.
//
// Configuration is loaded from:
// 1. config.yaml file (optional)
// 2. Environment variables (standard names like DATABASE_URL, SERVER_PORT)
// 3. Default values
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Log         LogConfig         `mapstructure:"log"`
	Worker      WorkerConfig      `mapstructure:"worker"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// ServerConfig contains operator HTTP server settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig contains PostgreSQL connection settings.
type DatabaseConfig struct {
	// Backend is "postgres" or "memory". The memory backend keeps nothing
	// across restarts.
	Backend string `mapstructure:"backend"`

	URL string `mapstructure:"url"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`

	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`

	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Priority: DATABASE_URL > constructed from individual fields.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslmode,
	)
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// WorkerConfig contains worker pool settings.
type WorkerConfig struct {
	GeneralPoolSize int           `mapstructure:"general_pool_size"`
	JobsPoolSize    int           `mapstructure:"jobs_pool_size"`
	ReleaseTimeout  time.Duration `mapstructure:"release_timeout"`
}

// JobsConfig contains job orchestrator settings.
type JobsConfig struct {
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	MaxJobsPerProcess int           `mapstructure:"max_jobs_per_process"`
	MinJobsPerProcess int           `mapstructure:"min_jobs_per_process"`
	JobLostInterval   time.Duration `mapstructure:"job_lost_interval"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	Retry             RetryConfig   `mapstructure:"retry"`
}

// RetryConfig contains the default retry settings of job types.
type RetryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	WarnAttempts     int           `mapstructure:"warn_attempts"`
	MinBackoff       time.Duration `mapstructure:"min_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	BackoffJitterPct int           `mapstructure:"backoff_jitter_pct"`
}

// OutboxConfig contains outbox listener settings.
type OutboxConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	EphemeralBuffer int           `mapstructure:"ephemeral_buffer"`
	// RedisRelay fans ephemeral messages out to other processes.
	RedisRelay   bool   `mapstructure:"redis_relay"`
	RedisChannel string `mapstructure:"redis_channel"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Addrs    []string `mapstructure:"addrs"`
	Password string   `mapstructure:"password"`
	DB       int      `mapstructure:"db"`
}

// MaintenanceConfig contains settings of the built-in maintenance jobs.
type MaintenanceConfig struct {
	JobRetention      time.Duration `mapstructure:"job_retention"`
	RetentionSchedule string        `mapstructure:"retention_schedule"`
	OutboxTailLogger  bool          `mapstructure:"outbox_tail_logger"`
}

// Load reads configuration from file and environment variables.
// Nested keys map to environment variables: jobs.poll_interval → JOBS_POLL_INTERVAL.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/corebank")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Config file is optional, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Validate checks for critical configuration errors.
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("database.backend must be %q or %q, got %q", BackendPostgres, BackendMemory, c.Database.Backend)
	}
	if c.Jobs.MaxJobsPerProcess <= 0 {
		return fmt.Errorf("jobs.max_jobs_per_process must be positive")
	}
	if c.Jobs.MinJobsPerProcess > c.Jobs.MaxJobsPerProcess {
		return fmt.Errorf("jobs.min_jobs_per_process must not exceed jobs.max_jobs_per_process")
	}
	if c.Worker.JobsPoolSize < c.Jobs.MaxJobsPerProcess {
		return fmt.Errorf("worker.jobs_pool_size must be at least jobs.max_jobs_per_process")
	}
	r := c.Jobs.Retry
	if r.MaxAttempts < 0 {
		return fmt.Errorf("jobs.retry.max_attempts must not be negative")
	}
	if r.BackoffJitterPct < 0 || r.BackoffJitterPct > 100 {
		return fmt.Errorf("jobs.retry.backoff_jitter_pct must be within [0, 100]")
	}
	if r.MinBackoff <= 0 || r.MaxBackoff < r.MinBackoff {
		return fmt.Errorf("jobs.retry backoff must satisfy 0 < min_backoff <= max_backoff")
	}
	if _, err := cron.ParseStandard(c.Maintenance.RetentionSchedule); err != nil {
		return fmt.Errorf("maintenance.retention_schedule: %w", err)
	}
	if c.Outbox.RedisRelay && len(c.Redis.Addrs) == 0 {
		return fmt.Errorf("redis.addrs is required when outbox.redis_relay is enabled")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Database
	v.SetDefault("database.backend", BackendPostgres)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "corebank")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "corebank")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 50)
	v.SetDefault("database.min_conns", 5)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "10m")
	v.SetDefault("database.auto_migrate", false)

	// Log
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Worker pools
	v.SetDefault("worker.general_pool_size", 32)
	v.SetDefault("worker.jobs_pool_size", 20)
	v.SetDefault("worker.release_timeout", "30s")

	// Jobs
	v.SetDefault("jobs.poll_interval", "5s")
	v.SetDefault("jobs.max_jobs_per_process", 20)
	v.SetDefault("jobs.min_jobs_per_process", 10)
	v.SetDefault("jobs.job_lost_interval", "60s")
	v.SetDefault("jobs.shutdown_timeout", "5s")
	v.SetDefault("jobs.retry.max_attempts", 30)
	v.SetDefault("jobs.retry.warn_attempts", 3)
	v.SetDefault("jobs.retry.min_backoff", "1s")
	v.SetDefault("jobs.retry.max_backoff", "60s")
	v.SetDefault("jobs.retry.backoff_jitter_pct", 20)

	// Outbox
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.poll_interval", "5s")
	v.SetDefault("outbox.ephemeral_buffer", 256)
	v.SetDefault("outbox.redis_relay", false)
	v.SetDefault("outbox.redis_channel", "corebank:ephemeral")

	// Redis
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.db", 0)

	// Maintenance
	v.SetDefault("maintenance.job_retention", "720h")
	v.SetDefault("maintenance.retention_schedule", "@daily")
	v.SetDefault("maintenance.outbox_tail_logger", true)
}
