package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/billrun/pkg/observability"
	"github.com/platinummonkey/billrun/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Stripe        StripeConfig
	Billing       BillingConfig
	Scheduler     SchedulerConfig
	Notify        NotifyConfig
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

	// Health/metrics server (separate port for k8s liveness and readiness checks)
	HealthPort string

	// RateLimitPerMinute caps charge, void and generate requests per
	// account or run. Zero disables rate limiting.
	RateLimitPerMinute int
}

// StripeConfig holds payment processor settings
type StripeConfig struct {
	SecretKey string
	BaseURL   string
	Timeout   time.Duration

	// UseMock swaps Stripe for the in-memory processor (local development only)
	UseMock bool
}

// BillingConfig holds billing engine settings
type BillingConfig struct {
	Currency         string
	AutoConfirmAfter time.Duration
	ChargeTimeout    time.Duration
}

// SchedulerConfig holds the weekly batch and reconciliation settings
type SchedulerConfig struct {
	Enabled           bool
	WeeklySchedule    string
	ReconcileSchedule string
	ReconcileAfter    time.Duration
	ReconcileLimit    int
	Concurrency       int
	LockTTL           time.Duration
}

// NotifyConfig holds billing notice delivery settings
type NotifyConfig struct {
	WebhookURL         string
	WebhookSecret      string
	WebhookTimeout     time.Duration
	WebhookMaxAttempts int
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
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Stripe:        loadStripeConfig(),
		Billing:       loadBillingConfig(),
		Scheduler:     loadSchedulerConfig(),
		Notify:        loadNotifyConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("BILLRUN_HOST", "0.0.0.0"),
		Port:            getEnv("BILLRUN_PORT", "8080"),
		ReadTimeout:     getEnvDuration("BILLRUN_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("BILLRUN_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("BILLRUN_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("BILLRUN_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("BILLRUN_HEALTH_PORT", "9090"),

		RateLimitPerMinute: getEnvInt("BILLRUN_RATE_LIMIT_PER_MINUTE", 30),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if pgURL := getEnv("BILLRUN_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("BILLRUN_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = replicaURLs
	}
	if maxConns := getEnvInt("BILLRUN_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("BILLRUN_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("BILLRUN_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	cfg.MigrateOnStart = getEnvBool("BILLRUN_MIGRATE_ON_START", cfg.MigrateOnStart)

	if redisURL := getEnv("BILLRUN_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("BILLRUN_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("BILLRUN_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisPoolSize := getEnvInt("BILLRUN_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	return cfg
}

func loadStripeConfig() StripeConfig {
	return StripeConfig{
		SecretKey: getEnv("BILLRUN_STRIPE_SECRET_KEY", ""),
		BaseURL:   getEnv("BILLRUN_STRIPE_BASE_URL", ""),
		Timeout:   getEnvDuration("BILLRUN_STRIPE_TIMEOUT", 30*time.Second),
		UseMock:   getEnvBool("BILLRUN_STRIPE_MOCK", false),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		Currency:         strings.ToLower(getEnv("BILLRUN_CURRENCY", "usd")),
		AutoConfirmAfter: getEnvDuration("BILLRUN_AUTO_CONFIRM_AFTER", 24*time.Hour),
		ChargeTimeout:    getEnvDuration("BILLRUN_CHARGE_TIMEOUT", 30*time.Second),
	}
}

func loadSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Enabled:           getEnvBool("BILLRUN_SCHEDULER_ENABLED", true),
		WeeklySchedule:    getEnv("BILLRUN_WEEKLY_SCHEDULE", "0 6 * * 1"),
		ReconcileSchedule: getEnv("BILLRUN_RECONCILE_SCHEDULE", "15 * * * *"),
		ReconcileAfter:    getEnvDuration("BILLRUN_RECONCILE_AFTER", time.Hour),
		ReconcileLimit:    getEnvInt("BILLRUN_RECONCILE_LIMIT", 100),
		Concurrency:       getEnvInt("BILLRUN_BATCH_CONCURRENCY", 4),
		LockTTL:           getEnvDuration("BILLRUN_BATCH_LOCK_TTL", 2*time.Hour),
	}
}

func loadNotifyConfig() NotifyConfig {
	return NotifyConfig{
		WebhookURL:         getEnv("BILLRUN_NOTIFY_WEBHOOK_URL", ""),
		WebhookSecret:      getEnv("BILLRUN_NOTIFY_WEBHOOK_SECRET", ""),
		WebhookTimeout:     getEnvDuration("BILLRUN_NOTIFY_WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookMaxAttempts: getEnvInt("BILLRUN_NOTIFY_WEBHOOK_MAX_ATTEMPTS", 3),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("BILLRUN_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("BILLRUN_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("BILLRUN_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("BILLRUN_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("BILLRUN_OTEL_SERVICE_NAME", "billrun"),
		OTelServiceVersion: getEnv("BILLRUN_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("BILLRUN_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("BILLRUN_OTEL_SAMPLE_RATIO", 1.0),
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
	if c.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if !c.Stripe.UseMock && c.Stripe.SecretKey == "" {
		return fmt.Errorf("stripe secret key is required unless BILLRUN_STRIPE_MOCK is set")
	}

	if len(c.Billing.Currency) != 3 {
		return fmt.Errorf("invalid currency: %q (must be an ISO 4217 code)", c.Billing.Currency)
	}
	if c.Billing.AutoConfirmAfter <= 0 {
		return fmt.Errorf("auto-confirm window must be positive")
	}
	if c.Billing.ChargeTimeout <= 0 {
		return fmt.Errorf("charge timeout must be positive")
	}

	if c.Scheduler.Enabled {
		if _, err := cron.ParseStandard(c.Scheduler.WeeklySchedule); err != nil {
			return fmt.Errorf("invalid weekly schedule %q: %w", c.Scheduler.WeeklySchedule, err)
		}
		if _, err := cron.ParseStandard(c.Scheduler.ReconcileSchedule); err != nil {
			return fmt.Errorf("invalid reconcile schedule %q: %w", c.Scheduler.ReconcileSchedule, err)
		}
		if c.Scheduler.Concurrency <= 0 {
			return fmt.Errorf("batch concurrency must be positive")
		}
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

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
