// Package config loads panel configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/collapp/panel/pkg/artifacts"
	"github.com/collapp/panel/pkg/buildserver"
	"github.com/collapp/panel/pkg/observability"
	"github.com/collapp/panel/pkg/session"
	"github.com/collapp/panel/pkg/storage"
)

// Config holds all application configuration.
type Config struct {
	Server        ServerConfig
	Storage       storage.Config
	Redis         RedisConfig
	Artifacts     ArtifactsConfig
	BuildServer   BuildServerConfig
	Session       SessionConfig
	OIDC          session.OIDCConfig
	Observability ObservabilityConfig
	Janitor       JanitorConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// RedisConfig holds the optional session cache settings. An empty URL
// disables the cache and session lookups go straight to the database.
type RedisConfig struct {
	URL      string
	Password string
	DB       int
	CacheTTL time.Duration
}

// ArtifactsConfig selects how plugin source keys become download URLs.
type ArtifactsConfig struct {
	// Mode is "static" or "s3".
	Mode string

	// BaseURL prefixes keys in static mode.
	BaseURL string

	S3 artifacts.S3Config
}

// BuildServerConfig holds the build server endpoint and delivery policy.
type BuildServerConfig struct {
	URL     string
	Timeout time.Duration
	Retry   buildserver.RetryConfig
}

// SessionConfig holds session issuance settings.
type SessionConfig struct {
	TTL          time.Duration
	SecureCookie bool
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// JanitorConfig holds the background maintenance schedules, in cron syntax.
type JanitorConfig struct {
	SessionPruneSchedule     string
	OutboxRedeliverySchedule string
	RedeliveryBatchSize      int
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Redis:         loadRedisConfig(),
		Artifacts:     loadArtifactsConfig(),
		BuildServer:   loadBuildServerConfig(),
		Session:       loadSessionConfig(),
		OIDC:          loadOIDCConfig(),
		Observability: loadObservabilityConfig(),
		Janitor:       loadJanitorConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PANEL_HOST", "0.0.0.0"),
		Port:            getEnv("PANEL_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PANEL_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PANEL_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PANEL_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PANEL_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PANEL_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if driver := getEnv("PANEL_STORAGE_DRIVER", ""); driver != "" {
		cfg.Driver = driver
	}
	if pgURL := getEnv("PANEL_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("PANEL_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("PANEL_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("PANEL_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}
	if path := getEnv("PANEL_SQLITE_PATH", ""); path != "" {
		cfg.SQLitePath = path
	}

	return cfg
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:      getEnv("PANEL_REDIS_URL", ""),
		Password: getEnv("PANEL_REDIS_PASSWORD", ""),
		DB:       getEnvInt("PANEL_REDIS_DB", 0),
		CacheTTL: getEnvDuration("PANEL_SESSION_CACHE_TTL", 5*time.Minute),
	}
}

func loadArtifactsConfig() ArtifactsConfig {
	return ArtifactsConfig{
		Mode:    getEnv("PANEL_ARTIFACTS_MODE", "static"),
		BaseURL: getEnv("PANEL_ARTIFACTS_BASE_URL", ""),
		S3: artifacts.S3Config{
			Region:        getEnv("PANEL_S3_REGION", "us-east-1"),
			Bucket:        getEnv("PANEL_S3_BUCKET", ""),
			Endpoint:      getEnv("PANEL_S3_ENDPOINT", ""),
			AccessKey:     getEnv("PANEL_S3_ACCESS_KEY", ""),
			SecretKey:     getEnv("PANEL_S3_SECRET_KEY", ""),
			UsePathStyle:  getEnvBool("PANEL_S3_USE_PATH_STYLE", false),
			PresignExpiry: getEnvDuration("PANEL_S3_PRESIGN_EXPIRY", 15*time.Minute),
			CacheSize:     getEnvInt("PANEL_S3_PRESIGN_CACHE_SIZE", 512),
		},
	}
}

func loadBuildServerConfig() BuildServerConfig {
	retry := buildserver.DefaultRetryConfig()
	if maxAttempts := getEnvInt("PANEL_BUILD_RETRY_MAX_ATTEMPTS", 0); maxAttempts > 0 {
		retry.MaxAttempts = maxAttempts
	}
	if initialDelay := getEnvDuration("PANEL_BUILD_RETRY_INITIAL_DELAY", 0); initialDelay > 0 {
		retry.InitialDelay = initialDelay
	}
	if maxDelay := getEnvDuration("PANEL_BUILD_RETRY_MAX_DELAY", 0); maxDelay > 0 {
		retry.MaxDelay = maxDelay
	}

	return BuildServerConfig{
		URL:     getEnv("PANEL_BUILD_SERVER_URL", ""),
		Timeout: getEnvDuration("PANEL_BUILD_SERVER_TIMEOUT", buildserver.DefaultTimeout),
		Retry:   retry,
	}
}

func loadSessionConfig() SessionConfig {
	return SessionConfig{
		TTL:          getEnvDuration("PANEL_SESSION_TTL", session.DefaultTTL),
		SecureCookie: getEnvBool("PANEL_SESSION_SECURE_COOKIE", true),
	}
}

func loadOIDCConfig() session.OIDCConfig {
	return session.OIDCConfig{
		IssuerURL:    getEnv("PANEL_OIDC_ISSUER_URL", ""),
		ClientID:     getEnv("PANEL_OIDC_CLIENT_ID", ""),
		ClientSecret: getEnv("PANEL_OIDC_CLIENT_SECRET", ""),
		RedirectURL:  getEnv("PANEL_OIDC_REDIRECT_URL", ""),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("PANEL_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PANEL_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PANEL_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PANEL_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PANEL_OTEL_SERVICE_NAME", "collapp-panel"),
		OTelServiceVersion: getEnv("PANEL_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PANEL_OTEL_INSECURE", true),
	}
}

func loadJanitorConfig() JanitorConfig {
	return JanitorConfig{
		SessionPruneSchedule:     getEnv("PANEL_JANITOR_SESSION_SCHEDULE", "@every 1h"),
		OutboxRedeliverySchedule: getEnv("PANEL_JANITOR_OUTBOX_SCHEDULE", "@every 1m"),
		RedeliveryBatchSize:      getEnvInt("PANEL_JANITOR_REDELIVERY_BATCH", 50),
	}
}

// Validate checks if the configuration is valid.
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

	switch c.Storage.Driver {
	case storage.DriverPostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	case storage.DriverSQLite:
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	default:
		return fmt.Errorf("invalid storage driver: %s (must be postgres or sqlite)", c.Storage.Driver)
	}

	switch c.Artifacts.Mode {
	case "static":
		if c.Artifacts.BaseURL == "" {
			return fmt.Errorf("artifacts base URL is required in static mode")
		}
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required in s3 artifacts mode")
		}
	default:
		return fmt.Errorf("invalid artifacts mode: %s (must be static or s3)", c.Artifacts.Mode)
	}

	if c.BuildServer.URL == "" {
		return fmt.Errorf("build server URL is required")
	}

	if c.OIDC.IssuerURL != "" {
		if c.OIDC.ClientID == "" || c.OIDC.ClientSecret == "" || c.OIDC.RedirectURL == "" {
			return fmt.Errorf("OIDC client ID, secret, and redirect URL are required when an issuer is set")
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

// getEnv returns an environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
