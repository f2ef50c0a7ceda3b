// Package config provides configuration loading for the coordinator.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the coordinator service.
type Config struct {
	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Storage configuration
	StoreType  string // "memory" or "sqlite"
	SQLitePath string

	// Lock configuration
	LockType string // "memory" or "redis"
	LockTTL  time.Duration

	// Coordinator configuration
	TickInterval     time.Duration
	ReconcileGrace   time.Duration
	ReconcileEvery   time.Duration
	RetentionMaxAge  time.Duration
	RetentionEvery   time.Duration
	ChainMinInterval time.Duration

	// Dispatch configuration
	QueueDepth       int
	DiscoveryWorkers int
	ReadWorkers      int
	ManualWorkers    int
	CleanupWorkers   int

	// Mode configuration
	InitialMode string // "simulation" or "production"

	// Simulation configuration
	SimSeed        int64
	SimFailureRate float64
	SimLatency     time.Duration

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	OTLPEndpoint      string
	TracingEnabled    bool
	TracingSampleRate float64

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		// Server
		Port:          getEnv("PORT", "7080"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// Storage
		StoreType:  getEnv("COORD_STORE", "memory"), // "memory" or "sqlite"
		SQLitePath: getEnv("COORD_SQLITE_PATH", "coordinator.db"),

		// Locks
		LockType: getEnv("COORD_LOCK", "memory"), // "memory" or "redis"
		LockTTL:  getDuration("COORD_LOCK_TTL", 2*time.Minute),

		// Coordinator
		TickInterval:     getDuration("COORD_TICK_INTERVAL", 5*time.Second),
		ReconcileGrace:   getDuration("COORD_RECONCILE_GRACE", 10*time.Minute),
		ReconcileEvery:   getDuration("COORD_RECONCILE_EVERY", time.Minute),
		RetentionMaxAge:  getDuration("COORD_RETENTION_MAX_AGE", 7*24*time.Hour),
		RetentionEvery:   getDuration("COORD_RETENTION_EVERY", time.Hour),
		ChainMinInterval: getDuration("COORD_CHAIN_MIN_INTERVAL", 5*time.Minute),

		// Dispatch
		QueueDepth:       getInt("DISPATCH_QUEUE_DEPTH", 256),
		DiscoveryWorkers: getInt("DISPATCH_DISCOVERY_WORKERS", 4),
		ReadWorkers:      getInt("DISPATCH_READ_WORKERS", 8),
		ManualWorkers:    getInt("DISPATCH_MANUAL_WORKERS", 2),
		CleanupWorkers:   getInt("DISPATCH_CLEANUP_WORKERS", 1),

		// Mode
		InitialMode: getEnv("COORD_MODE", "simulation"),

		// Simulation
		SimSeed:        getInt64("SIM_SEED", 1),
		SimFailureRate: getFloat("SIM_FAILURE_RATE", 0.05),
		SimLatency:     getDuration("SIM_LATENCY", 50*time.Millisecond),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		OTLPEndpoint:      getEnv("OTLP_ENDPOINT", "localhost:4317"),
		TracingEnabled:    getBool("TRACING_ENABLED", false),
		TracingSampleRate: getFloat("TRACING_SAMPLE_RATE", 1.0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		return strings.Split(val, ",")
	}
	return defaultVal
}
