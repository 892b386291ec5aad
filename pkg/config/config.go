// Package config loads cobed configuration from the environment.
// Defaults are centralized here so individual handlers never carry their
// own rate-limit or circuit-breaker numbers.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration object, created once at startup and
// passed into the components that need it.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Sink     SinkConfig
	Sampling SamplingConfig
	Instance InstanceConfig
	Queue    QueueConfig
	Events   EventsConfig
	Hooks    HooksConfig
	Registry RegistryConfig

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// FlushToken guards system.flush. Empty disables flush entirely.
	FlushToken string
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string
	ShutdownTimeout time.Duration
	WSWriteTimeout  time.Duration
}

// StoreConfig holds the Redis store settings.
type StoreConfig struct {
	Addr     string
	Password string
	DB       int

	// DialTimeout bounds the initial connection attempt.
	DialTimeout time.Duration
	// OpTimeout is the default per-operation deadline applied when the
	// caller's context has none.
	OpTimeout time.Duration
}

// SinkConfig holds the relational sink (PostgreSQL) settings.
type SinkConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN builds a pgx-compatible connection string.
func (c SinkConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// SamplingConfig holds sampling provider client settings.
type SamplingConfig struct {
	Endpoint string

	// CallTimeout is the overall deadline for one provider call.
	CallTimeout time.Duration
	// MaxRetries bounds the backoff retry loop.
	MaxRetries int
	// InitialBackoff seeds the exponential backoff.
	InitialBackoff time.Duration
}

// InstanceConfig holds instance lifecycle settings.
type InstanceConfig struct {
	// OfflineAfter is how stale a heartbeat may be before the instance is
	// marked OFFLINE and its subtasks reassigned.
	OfflineAfter time.Duration
	// SweepInterval is how often the sweeper scans for stale heartbeats.
	SweepInterval time.Duration
	// DefaultMaxLoad applies when registration omits max_load.
	DefaultMaxLoad int
}

// QueueConfig holds ready-queue and pull settings.
type QueueConfig struct {
	// PullTimeout bounds a long-poll task pull.
	PullTimeout time.Duration
	// PullInterval is the poll interval inside a long-poll pull.
	PullInterval time.Duration
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	// StreamMaxLen caps each journal stream (XTRIM MAXLEN ~).
	StreamMaxLen int64
}

// HooksConfig holds hook validator settings.
type HooksConfig struct {
	// CacheTTL bounds the validation decision cache.
	CacheTTL time.Duration
	// CacheSize bounds the number of cached decisions.
	CacheSize int
	// SessionRateLimit is hook evaluations per second per session.
	SessionRateLimit float64
	// SessionRateBurst is the token bucket burst per session.
	SessionRateBurst int
}

// RegistryConfig holds the registry-wide dispatch defaults.
type RegistryConfig struct {
	// DefaultTimeout applies to handlers that do not declare one.
	DefaultTimeout time.Duration
	// RateCapacity and RateRefillPerSec are the default per-client token
	// bucket when a handler enables rate limiting without overriding it.
	RateCapacity     int
	RateRefillPerSec float64
	// Circuit breaker defaults.
	CircuitFailures uint32
	CircuitTrip     time.Duration
	CircuitHalfOpen time.Duration
	// Result cache defaults.
	CacheTTL  time.Duration
	CacheSize int
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
			WSWriteTimeout:  10 * time.Second,
		},
		Store: StoreConfig{
			Addr:        "localhost:6379",
			DialTimeout: 5 * time.Second,
			OpTimeout:   5 * time.Second,
		},
		Sink: SinkConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "cobe",
			Database:        "cobe",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Sampling: SamplingConfig{
			Endpoint:       "http://localhost:8090",
			CallTimeout:    30 * time.Second,
			MaxRetries:     3,
			InitialBackoff: 500 * time.Millisecond,
		},
		Instance: InstanceConfig{
			OfflineAfter:   30 * time.Second,
			SweepInterval:  5 * time.Second,
			DefaultMaxLoad: 3,
		},
		Queue: QueueConfig{
			PullTimeout:  30 * time.Second,
			PullInterval: 500 * time.Millisecond,
		},
		Events: EventsConfig{
			StreamMaxLen: 10000,
		},
		Hooks: HooksConfig{
			CacheTTL:         30 * time.Second,
			CacheSize:        1024,
			SessionRateLimit: 20,
			SessionRateBurst: 40,
		},
		Registry: RegistryConfig{
			DefaultTimeout:   30 * time.Second,
			RateCapacity:     50,
			RateRefillPerSec: 25,
			CircuitFailures:  5,
			CircuitTrip:      30 * time.Second,
			CircuitHalfOpen:  30 * time.Second,
			CacheTTL:         60 * time.Second,
			CacheSize:        512,
		},
		LogLevel: "info",
	}
}

// Load builds the configuration from defaults overridden by environment
// variables. Structurally invalid values return an error; unparseable
// numerics silently keep the default.
func Load() (*Config, error) {
	cfg := Default()

	cfg.Server.Port = getEnv("HTTP_PORT", cfg.Server.Port)
	cfg.Store.Addr = getEnv("REDIS_ADDR", cfg.Store.Addr)
	cfg.Store.Password = getEnv("REDIS_PASSWORD", cfg.Store.Password)
	cfg.Store.DB = getEnvInt("REDIS_DB", cfg.Store.DB)

	cfg.Sink.Host = getEnv("POSTGRES_HOST", cfg.Sink.Host)
	cfg.Sink.Port = getEnvInt("POSTGRES_PORT", cfg.Sink.Port)
	cfg.Sink.User = getEnv("POSTGRES_USER", cfg.Sink.User)
	cfg.Sink.Password = getEnv("POSTGRES_PASSWORD", cfg.Sink.Password)
	cfg.Sink.Database = getEnv("POSTGRES_DB", cfg.Sink.Database)
	cfg.Sink.SSLMode = getEnv("POSTGRES_SSLMODE", cfg.Sink.SSLMode)

	cfg.Sampling.Endpoint = getEnv("SAMPLING_ENDPOINT", cfg.Sampling.Endpoint)
	cfg.Sampling.CallTimeout = getEnvDuration("SAMPLING_TIMEOUT", cfg.Sampling.CallTimeout)
	cfg.Sampling.MaxRetries = getEnvInt("SAMPLING_MAX_RETRIES", cfg.Sampling.MaxRetries)

	cfg.Instance.OfflineAfter = getEnvDuration("HEARTBEAT_TIMEOUT", cfg.Instance.OfflineAfter)
	cfg.Instance.SweepInterval = getEnvDuration("HEALTH_CHECK_INTERVAL", cfg.Instance.SweepInterval)

	cfg.Registry.RateCapacity = getEnvInt("RATE_LIMIT_CAPACITY", cfg.Registry.RateCapacity)
	cfg.Registry.RateRefillPerSec = getEnvFloat("RATE_LIMIT_REFILL", cfg.Registry.RateRefillPerSec)

	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.FlushToken = os.Getenv("FLUSH_ALL_DATA")

	if cfg.Instance.OfflineAfter <= 0 {
		return nil, fmt.Errorf("HEARTBEAT_TIMEOUT must be positive, got %v", cfg.Instance.OfflineAfter)
	}
	if cfg.Instance.SweepInterval <= 0 {
		return nil, fmt.Errorf("HEALTH_CHECK_INTERVAL must be positive, got %v", cfg.Instance.SweepInterval)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
