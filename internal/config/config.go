package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store types supported by the engine
const (
	StoreTypeMemory   = "memory"
	StoreTypePostgres = "postgres"
)

// Config holds all configuration for the application
type Config struct {
	// Common
	Environment string
	LogLevel    string

	// Database
	Database DatabaseConfig

	// Redis
	Redis RedisConfig

	// Services
	API        APIConfig
	Engine     EngineConfig
	Migrations MigrationsConfig
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConnections  int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns the lib/pq connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Database,
		c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled      bool
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
}

// APIConfig holds REST API configuration
type APIConfig struct {
	Port           int
	RateLimitRPS   int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string // CORS origins; "*" allows all
}

// EngineConfig holds rule engine driver configuration
type EngineConfig struct {
	StoreType       string        // "memory" or "postgres" (default: "memory")
	StoreTimeout    time.Duration // Per-attempt timeout for store calls
	MaxRetries      int           // Retries after the first store attempt
	RetryDelay      time.Duration // Initial backoff delay
	MaxRetryDelay   time.Duration // Backoff cap
	WorkerCount     int           // Concurrent ticks when ticking all of an owner's rules
	DedupeEnabled   bool          // Redis idempotency keys per (rule, timestamp)
	DedupeTTL       time.Duration
	ExecutionStream string // Redis stream receiving execution records ("" disables)
	PublishTimeout  time.Duration

	ObservationStream string // Redis stream of observations to tick ("" disables)
	ConsumerGroup     string
	ConsumerName      string
}

// MigrationsConfig holds schema migration configuration
type MigrationsConfig struct {
	Path string
}

// Load loads configuration from environment variables
// It automatically loads .env file if it exists in the current directory
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvAsInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Database:        getEnv("DB_NAME", "trading_rules"),
			SSLMode:         getEnv("DB_SSL_MODE", "disable"),
			MaxConnections:  getEnvAsInt("DB_MAX_CONNECTIONS", 25),
			MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:      getEnvAsBool("REDIS_ENABLED", false),
			Host:         getEnv("REDIS_HOST", "localhost"),
			Port:         getEnvAsInt("REDIS_PORT", 6379),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 5),
		},
		API: APIConfig{
			Port:           getEnvAsInt("API_PORT", 8090),
			RateLimitRPS:   getEnvAsInt("API_RATE_LIMIT_RPS", 100),
			ReadTimeout:    getEnvAsDuration("API_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("API_WRITE_TIMEOUT", 15*time.Second),
			AllowedOrigins: getEnvAsStringSlice("API_ALLOWED_ORIGINS", []string{"*"}),
		},
		Engine: EngineConfig{
			StoreType:       getEnv("ENGINE_STORE_TYPE", StoreTypeMemory),
			StoreTimeout:    getEnvAsDuration("ENGINE_STORE_TIMEOUT", 2*time.Second),
			MaxRetries:      getEnvAsInt("ENGINE_MAX_RETRIES", 3),
			RetryDelay:      getEnvAsDuration("ENGINE_RETRY_DELAY", 100*time.Millisecond),
			MaxRetryDelay:   getEnvAsDuration("ENGINE_MAX_RETRY_DELAY", 2*time.Second),
			WorkerCount:     getEnvAsInt("ENGINE_WORKER_COUNT", 8),
			DedupeEnabled:   getEnvAsBool("ENGINE_DEDUPE_ENABLED", false),
			DedupeTTL:       getEnvAsDuration("ENGINE_DEDUPE_TTL", 24*time.Hour),
			ExecutionStream: getEnv("ENGINE_EXECUTION_STREAM", ""),
			PublishTimeout:  getEnvAsDuration("ENGINE_PUBLISH_TIMEOUT", 5*time.Second),

			ObservationStream: getEnv("ENGINE_OBSERVATION_STREAM", ""),
			ConsumerGroup:     getEnv("ENGINE_CONSUMER_GROUP", "trading-engine"),
			ConsumerName:      getEnv("ENGINE_CONSUMER_NAME", hostname()),
		},
		Migrations: MigrationsConfig{
			Path: getEnv("MIGRATIONS_PATH", "migrations"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Engine.StoreType {
	case StoreTypeMemory:
	case StoreTypePostgres:
		if c.Database.Host == "" {
			return fmt.Errorf("DB_HOST is required for the postgres store")
		}
	default:
		return fmt.Errorf("ENGINE_STORE_TYPE must be %q or %q, got %q", StoreTypeMemory, StoreTypePostgres, c.Engine.StoreType)
	}
	if c.Engine.StoreTimeout <= 0 {
		return fmt.Errorf("ENGINE_STORE_TIMEOUT must be positive")
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("ENGINE_MAX_RETRIES must be non-negative")
	}
	if c.Engine.WorkerCount <= 0 {
		return fmt.Errorf("ENGINE_WORKER_COUNT must be positive")
	}
	if (c.Engine.DedupeEnabled || c.Engine.ExecutionStream != "" || c.Engine.ObservationStream != "") && !c.Redis.Enabled {
		return fmt.Errorf("REDIS_ENABLED is required for deduplication and the engine streams")
	}
	if c.Engine.ObservationStream != "" && (c.Engine.ConsumerGroup == "" || c.Engine.ConsumerName == "") {
		return fmt.Errorf("ENGINE_CONSUMER_GROUP and ENGINE_CONSUMER_NAME are required to consume observations")
	}
	if c.Redis.Enabled && c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST is required")
	}
	return nil
}

// Helper functions

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "engine"
	}
	return name
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return intValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	boolValue, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return boolValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return duration
}

func getEnvAsStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}
