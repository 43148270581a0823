// Package config provides environment-aware configuration management for
// the broker daemon, reading environment variables (optionally seeded from
// a .env file) the way internal/config does in the teacher repository.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Testing     Environment = "testing"
	Production  Environment = "production"
)

func parseEnvironment(s string) (Environment, bool) {
	switch Environment(strings.ToLower(s)) {
	case Development, Testing, Production:
		return Environment(strings.ToLower(s)), true
	default:
		return "", false
	}
}

// Config holds the broker daemon's process-wide configuration.
type Config struct {
	Env Environment

	// Socket addressing (spec §6.3).
	ServerAddress string // AKONADI_SERVER_ADDRESS override: "unix:path=..." or "pipe:name=..."
	Instance      string // AKONADI_INSTANCE
	SessionLog    string // AKONADI_SESSION_LOGFILE base path, empty disables per-session logging

	// SQL backend.
	DriverName       string // "postgres" or "sqlite3"
	DSN              string
	DBMaxConnections int
	DBIdleTimeout    time.Duration
	SerializeWrites  bool // true for backends without concurrent writers (sqlite)

	// External payload storage (C7).
	DataRoot           string
	PartSizeThreshold  int64
	DirectStreamingCap bool

	// Scheduler (C8).
	SchedulerMinInterval time.Duration
	SchedulerCoalesce    time.Duration

	// Client session defaults (C9).
	ProtocolVersion int
	PipelineSize    int

	// Logging.
	LogLevel  string
	LogFormat string

	// Admin/ops HTTP surface.
	AdminPort   int
	OpsPort     int
	MetricsPort int

	// Redis-backed entity cache mirror (optional; empty disables it).
	RedisAddr string

	// Rate limiting (C6).
	RateLimitRequestsPerSecond float64
	RateLimitBurst             int

	// Session auth.
	SessionJWTSecret string

	TestMode bool
}

// Load loads configuration based on the BROKER_ENV environment variable,
// optionally seeding from config/<env>.env via godotenv.
func Load() (*Config, error) {
	envStr := os.Getenv("BROKER_ENV")
	if envStr == "" {
		envStr = string(Development)
	}
	env, ok := parseEnvironment(envStr)
	if !ok {
		return nil, fmt.Errorf("invalid BROKER_ENV: %s (must be development, testing, or production)", envStr)
	}

	configFile := filepath.Join("config", fmt.Sprintf("%s.env", env))
	if err := godotenv.Load(configFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Printf("warning: could not load %s: %v\n", configFile, err)
		}
	}

	cfg := &Config{Env: env}
	if err := cfg.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFromEnv() error {
	c.ServerAddress = getEnv("AKONADI_SERVER_ADDRESS", "")
	c.Instance = getEnv("AKONADI_INSTANCE", "")
	c.SessionLog = getEnv("AKONADI_SESSION_LOGFILE", "")

	c.DriverName = getEnv("BROKER_DB_DRIVER", "postgres")
	c.DSN = getEnv("BROKER_DB_DSN", "")
	c.DBMaxConnections = getIntEnv("BROKER_DB_MAX_CONNECTIONS", 20)
	idleTimeout, err := time.ParseDuration(getEnv("BROKER_DB_IDLE_TIMEOUT", "5m"))
	if err != nil {
		return fmt.Errorf("invalid BROKER_DB_IDLE_TIMEOUT: %w", err)
	}
	c.DBIdleTimeout = idleTimeout
	c.SerializeWrites = getBoolEnv("BROKER_DB_SERIALIZE_WRITES", c.DriverName == "sqlite3")

	c.DataRoot = getEnv("BROKER_DATA_ROOT", "/var/lib/broker/file_db_data")
	c.PartSizeThreshold = int64(getIntEnv("BROKER_PART_SIZE_THRESHOLD", 4096))
	c.DirectStreamingCap = getBoolEnv("BROKER_DIRECT_STREAMING", false)

	schedulerMin, err := time.ParseDuration(getEnv("BROKER_SCHEDULER_MIN_INTERVAL", "5m"))
	if err != nil {
		return fmt.Errorf("invalid BROKER_SCHEDULER_MIN_INTERVAL: %w", err)
	}
	c.SchedulerMinInterval = schedulerMin
	coalesce, err := time.ParseDuration(getEnv("BROKER_SCHEDULER_COALESCE", "60s"))
	if err != nil {
		return fmt.Errorf("invalid BROKER_SCHEDULER_COALESCE: %w", err)
	}
	c.SchedulerCoalesce = coalesce

	c.ProtocolVersion = getIntEnv("BROKER_PROTOCOL_VERSION", 1)
	c.PipelineSize = getIntEnv("BROKER_PIPELINE_SIZE", 2)

	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.LogFormat = getEnv("LOG_FORMAT", "text")

	c.AdminPort = getIntEnv("BROKER_ADMIN_PORT", 8090)
	c.OpsPort = getIntEnv("BROKER_OPS_PORT", 8091)
	c.MetricsPort = getIntEnv("BROKER_METRICS_PORT", 9090)

	c.RedisAddr = getEnv("BROKER_REDIS_ADDR", "")

	c.RateLimitRequestsPerSecond = getFloatEnv("BROKER_RATE_LIMIT_RPS", 200)
	c.RateLimitBurst = getIntEnv("BROKER_RATE_LIMIT_BURST", 400)

	c.SessionJWTSecret = getEnv("BROKER_SESSION_JWT_SECRET", "")

	c.TestMode = getBoolEnv("TEST_MODE", false)
	return nil
}

func (c *Config) IsDevelopment() bool { return c.Env == Development }
func (c *Config) IsTesting() bool     { return c.Env == Testing }
func (c *Config) IsProduction() bool  { return c.Env == Production }

// Validate checks invariants that must hold before the daemon starts.
func (c *Config) Validate() error {
	if c.DSN == "" && !c.TestMode {
		return fmt.Errorf("BROKER_DB_DSN is required")
	}
	if c.IsProduction() && c.SessionJWTSecret == "" {
		return fmt.Errorf("BROKER_SESSION_JWT_SECRET must be set in production")
	}
	ports := []int{c.AdminPort, c.OpsPort, c.MetricsPort}
	for _, port := range ports {
		if port < 1024 || port > 65535 {
			return fmt.Errorf("invalid port number: %d (must be between 1024 and 65535)", port)
		}
	}
	if c.PartSizeThreshold < 0 {
		return fmt.Errorf("BROKER_PART_SIZE_THRESHOLD must not be negative")
	}
	return nil
}

// SocketPath parses an AKONADI_SERVER_ADDRESS style value of the form
// "unix:path=<path>"; ok is false for any other scheme (e.g. "pipe:name=").
func SocketPath(address string) (path string, ok bool) {
	const prefix = "unix:path="
	if strings.HasPrefix(address, prefix) {
		return strings.TrimPrefix(address, prefix), true
	}
	return "", false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
