// Package config assembles the gateway's runtime configuration from the
// environment.
package config

import (
	"strconv"
	"time"

	envconfig "github.com/paygate/idempotency-gateway/pkg/config"
)

// Config is the gateway service configuration.
type Config struct {
	ServiceName string
	HTTPPort    int

	// PostgreSQL
	DBHost        string
	DBPort        int
	DBUser        string
	DBPassword    string
	DBName        string
	DBAutoMigrate bool

	// Redis (rate limit counters)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Idempotency protocol
	LockTTL    time.Duration
	ReclaimTTL time.Duration
	Retention  time.Duration

	// Background loops
	ReaperInterval        time.Duration
	DispatcherInterval    time.Duration
	DispatcherWorkers     int
	DispatcherMaxAttempts int

	// Tracing
	TracingEnabled  bool
	TracingEndpoint string
	TraceSampleRate float64
}

// Load reads configuration from the environment with development defaults.
func Load() *Config {
	return &Config{
		ServiceName: envconfig.GetEnv("SERVICE_NAME", "idempotency-gateway"),
		HTTPPort:    envconfig.GetEnvInt("HTTP_PORT", 8090),

		DBHost:        envconfig.GetEnv("DB_HOST", "localhost"),
		DBPort:        envconfig.GetEnvInt("DB_PORT", 5432),
		DBUser:        envconfig.GetEnv("DB_USER", "gateway"),
		DBPassword:    envconfig.GetEnv("DB_PASSWORD", "gateway123"),
		DBName:        envconfig.GetEnv("DB_NAME", "gateway"),
		DBAutoMigrate: envconfig.GetEnvBool("DB_AUTO_MIGRATE", true),

		RedisAddr:     envconfig.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envconfig.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       envconfig.GetEnvInt("REDIS_DB", 0),

		LockTTL:    envconfig.GetEnvDuration("LOCK_TTL", 5*time.Minute),
		ReclaimTTL: envconfig.GetEnvDuration("RECLAIM_TTL", 15*time.Second),
		Retention:  envconfig.GetEnvDuration("RECORD_RETENTION", 7*24*time.Hour),

		ReaperInterval:        envconfig.GetEnvDuration("REAPER_INTERVAL", 30*time.Second),
		DispatcherInterval:    envconfig.GetEnvDuration("DISPATCHER_INTERVAL", 10*time.Second),
		DispatcherWorkers:     envconfig.GetEnvInt("DISPATCHER_WORKERS", 4),
		DispatcherMaxAttempts: envconfig.GetEnvInt("DISPATCHER_MAX_ATTEMPTS", 5),

		TracingEnabled:  envconfig.GetEnvBool("TRACING_ENABLED", false),
		TracingEndpoint: envconfig.GetEnv("TRACING_ENDPOINT", "http://localhost:14268/api/traces"),
		TraceSampleRate: envconfig.GetEnvFloat64("TRACE_SAMPLE_RATE", 0.1),
	}
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}
