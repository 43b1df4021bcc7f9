package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog/log"
)

// Environment represents different deployment environments
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvTesting     Environment = "testing"
	EnvProduction  Environment = "production"
)

// Store drivers accepted in DB_DRIVER.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds the configuration for the shard tracker service.
// Environment variables are parsed with the SHARD_TRACKER_ prefix.
type Config struct {
	Environment Environment `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string      `envconfig:"LOG_LEVEL" default:"info"`

	// HTTP Configuration
	HTTPPort int `envconfig:"HTTP_PORT" default:"8080"`

	// Durable store: memory keeps everything in process.
	DBDriver    string `envconfig:"DB_DRIVER" default:"memory"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:""`
	PostgresDSN string `envconfig:"POSTGRES_DSN" default:""`

	// Retry policy: 0 leaves failing a shard to the scheduler.
	MaxAttempts int `envconfig:"MAX_ATTEMPTS" default:"0"`

	// Health check configuration
	HealthIntervalSeconds     int `envconfig:"HEALTH_INTERVAL_SECONDS" default:"30"`
	HealthPingTimeoutSeconds int `envconfig:"HEALTH_PING_TIMEOUT_SECONDS" default:"2"`
}

// ResolveDefaults validates the store driver and derives the sqlite path.
func (c *Config) ResolveDefaults() error {
	switch c.DBDriver {
	case "", DriverMemory:
		c.DBDriver = DriverMemory
	case DriverSQLite:
		if c.SQLitePath == "" {
			c.SQLitePath = "data/shard-tracker.db"
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("DB_DRIVER=postgres requires POSTGRES_DSN")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER: %s", c.DBDriver)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("MAX_ATTEMPTS must not be negative: %d", c.MaxAttempts)
	}
	if c.HealthIntervalSeconds <= 0 {
		c.HealthIntervalSeconds = 30
	}
	if c.HealthPingTimeoutSeconds <= 0 {
		c.HealthPingTimeoutSeconds = 2
	}
	return nil
}

// New creates a new Config by parsing environment variables
// Example: SHARD_TRACKER_HTTP_PORT, SHARD_TRACKER_DB_DRIVER
func New() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("SHARD_TRACKER", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.ResolveDefaults(); err != nil {
		return nil, err
	}

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Str("sqlite_path", cfg.SQLitePath).
		Bool("postgres_dsn_present", cfg.PostgresDSN != "").
		Int("port", cfg.HTTPPort).
		Int("max_attempts", cfg.MaxAttempts).
		Msg("Configuration loaded")

	return &cfg, nil
}

// NewForTesting creates a config specifically for testing
func NewForTesting() *Config {
	return &Config{
		Environment:               EnvTesting,
		LogLevel:                  "debug",
		HTTPPort:                  0,
		DBDriver:                  DriverMemory,
		HealthIntervalSeconds:     1,
		HealthPingTimeoutSeconds: 1,
	}
}

// IsTesting returns true if the environment is set to testing
func (c *Config) IsTesting() bool {
	return c.Environment == EnvTesting
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}
