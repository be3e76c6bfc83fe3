package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/provider"
	"github.com/rankforge/rankforge/pkg/storage/postgres"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database postgres.ConnectionConfig

	// Redis configuration (entitlement cache)
	Redis postgres.RedisConfig

	// CacheEnabled toggles the Redis summary cache
	CacheEnabled bool

	// CacheTTL bounds staleness of cached entitlement summaries
	CacheTTL time.Duration

	// Provider holds payment provider API settings
	Provider provider.Config

	// WebhookSecret signs incoming webhook payloads
	WebhookSecret string

	// NotificationWorkers sizes the email delivery pool
	NotificationWorkers int

	// SweepSchedule is the cron expression for the expiry sweeper
	SweepSchedule string

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// CORSOrigins lists origins the dashboard frontend calls from
	CORSOrigins []string
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:              loadServerConfig(),
		Database:            loadDatabaseConfig(),
		Redis:               loadRedisConfig(),
		CacheEnabled:        getEnvBool("RANKFORGE_CACHE_ENABLED", true),
		CacheTTL:            getEnvDuration("RANKFORGE_CACHE_TTL", 5*time.Minute),
		Provider:            loadProviderConfig(),
		WebhookSecret:       getEnv("RANKFORGE_WEBHOOK_SECRET", ""),
		NotificationWorkers: getEnvInt("RANKFORGE_NOTIFICATION_WORKERS", 4),
		SweepSchedule:       getEnv("RANKFORGE_SWEEP_SCHEDULE", "*/5 * * * *"),
		Observability:       loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("RANKFORGE_HOST", "0.0.0.0"),
		Port:            getEnv("RANKFORGE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("RANKFORGE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("RANKFORGE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("RANKFORGE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("RANKFORGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("RANKFORGE_HEALTH_PORT", "9090"),
		CORSOrigins:     splitAndTrim(getEnv("RANKFORGE_CORS_ORIGINS", "https://app.rankforge.io")),
	}
}

// loadDatabaseConfig loads Postgres configuration from environment
func loadDatabaseConfig() postgres.ConnectionConfig {
	return postgres.ConnectionConfig{
		PrimaryURL:  getEnv("RANKFORGE_POSTGRES_URL", ""),
		ReplicaURLs: postgres.ParseReplicaURLs(getEnv("RANKFORGE_POSTGRES_REPLICA_URLS", "")),
		MaxConns:    getEnvInt("RANKFORGE_POSTGRES_MAX_CONNS", 25),
		MinConns:    getEnvInt("RANKFORGE_POSTGRES_MIN_CONNS", 5),
		Timeout:     getEnvDuration("RANKFORGE_POSTGRES_TIMEOUT", 10*time.Second),
		MaxLifetime: getEnvDuration("RANKFORGE_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("RANKFORGE_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
	}
}

// loadRedisConfig loads Redis configuration from environment
func loadRedisConfig() postgres.RedisConfig {
	return postgres.RedisConfig{
		URL:        getEnv("RANKFORGE_REDIS_URL", "redis://localhost:6379/0"),
		Password:   getEnv("RANKFORGE_REDIS_PASSWORD", ""),
		DB:         getEnvInt("RANKFORGE_REDIS_DB", 0),
		MaxRetries: getEnvInt("RANKFORGE_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("RANKFORGE_REDIS_POOL_SIZE", 10),
	}
}

// loadProviderConfig loads payment provider configuration from environment
func loadProviderConfig() provider.Config {
	return provider.Config{
		BaseURL:    getEnv("RANKFORGE_PROVIDER_URL", "https://api.stripe.com"),
		APIKey:     getEnv("RANKFORGE_PROVIDER_API_KEY", ""),
		SuccessURL: getEnv("RANKFORGE_CHECKOUT_SUCCESS_URL", "https://app.rankforge.io/billing/success"),
		CancelURL:  getEnv("RANKFORGE_CHECKOUT_CANCEL_URL", "https://app.rankforge.io/billing/cancel"),
		Timeout:    getEnvDuration("RANKFORGE_PROVIDER_TIMEOUT", 10*time.Second),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("RANKFORGE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("RANKFORGE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("RANKFORGE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("RANKFORGE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("RANKFORGE_OTEL_SERVICE_NAME", "rankforge-billing"),
		OTelServiceVersion: getEnv("RANKFORGE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("RANKFORGE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.PrimaryURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.CacheEnabled && c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required when caching is enabled")
	}

	if c.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}

	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider API key is required")
	}

	if c.NotificationWorkers <= 0 {
		return fmt.Errorf("notification workers must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// splitAndTrim parses a comma-separated list, dropping empty entries
func splitAndTrim(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
