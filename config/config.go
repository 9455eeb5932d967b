package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Fallback verdicts accepted by FALLBACK_VERDICT
const (
	FallbackDeny    = "deny"
	FallbackApprove = "approve"
)

const minSessionSecretLength = 32

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Fleet         FleetConfig
	Risk          RiskServiceConfig
	Credentials   CredentialConfig
	Audit         AuditConfig
	Session       SessionConfig
	HTTP          HTTPConfig
	Events        EventsConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	AutoMigrate      bool
}

// FleetConfig holds the liveness windows and the sweep schedule
type FleetConfig struct {
	LivenessWindow       time.Duration // gap after which an agent is dead
	RecentActivityWindow time.Duration // window for newlyAlive24h / newlyDead24h
	SweepEnabled         bool
	SweepInterval        time.Duration
	SweepTimeout         time.Duration
}

// RiskServiceConfig holds the external risk-scoring collaborator settings
type RiskServiceConfig struct {
	URL             string // empty means every decision uses the fallback policy
	Timeout         time.Duration
	CallerID        string
	FallbackVerdict string
}

// CredentialConfig holds agent credential hashing and bookkeeping settings
type CredentialConfig struct {
	Pepper       string
	TouchWorkers int
	TouchBuffer  int
}

// AuditConfig sizes the async audit worker pool
type AuditConfig struct {
	Workers    int
	BufferSize int
}

// SessionConfig holds dashboard session token settings
type SessionConfig struct {
	Secret string
	Issuer string
}

// HTTPConfig holds router level settings
type HTTPConfig struct {
	AgentRateLimitPerMinute int
	CORSAllowedOrigins      []string
}

// EventsConfig holds NATS publishing settings
type EventsConfig struct {
	NATSURL       string // empty disables publishing
	SubjectPrefix string
}

// ObservabilityConfig holds monitoring and logging configuration
type ObservabilityConfig struct {
	LogLevel        string
	LogFormat       string // json or console
	MetricsEnabled  bool
	TracingEnabled  bool
	TracingEndpoint string
	ServiceName     string
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getPort(),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 20*time.Second),
		},
		Database: loadDatabaseConfig(),
		Fleet: FleetConfig{
			LivenessWindow:       getEnvAsDuration("LIVENESS_WINDOW", 60*time.Second),
			RecentActivityWindow: getEnvAsDuration("RECENT_ACTIVITY_WINDOW", 24*time.Hour),
			SweepEnabled:         getEnvAsBool("SWEEP_ENABLED", true),
			SweepInterval:        getEnvAsDuration("SWEEP_INTERVAL", 2*time.Minute),
			SweepTimeout:         getEnvAsDuration("SWEEP_TIMEOUT", 30*time.Second),
		},
		Risk: RiskServiceConfig{
			URL:             getEnv("RISK_SERVICE_URL", ""),
			Timeout:         getEnvAsDuration("RISK_SERVICE_TIMEOUT", 8*time.Second),
			CallerID:        getEnv("RISK_CALLER_ID", "fleet-control-plane"),
			FallbackVerdict: strings.ToLower(getEnv("FALLBACK_VERDICT", FallbackDeny)),
		},
		Credentials: CredentialConfig{
			Pepper:       getEnv("CREDENTIAL_PEPPER", ""),
			TouchWorkers: getEnvAsInt("CREDENTIAL_TOUCH_WORKERS", 2),
			TouchBuffer:  getEnvAsInt("CREDENTIAL_TOUCH_BUFFER", 256),
		},
		Audit: AuditConfig{
			Workers:    getEnvAsInt("AUDIT_WORKERS", 2),
			BufferSize: getEnvAsInt("AUDIT_BUFFER", 512),
		},
		Session: SessionConfig{
			Secret: getEnv("SESSION_SECRET", ""),
			Issuer: getEnv("SESSION_ISSUER", ""),
		},
		HTTP: HTTPConfig{
			AgentRateLimitPerMinute: getEnvAsInt("AGENT_RATE_LIMIT_PER_MINUTE", 600),
			CORSAllowedOrigins:      getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Events: EventsConfig{
			NATSURL:       getEnv("NATS_URL", ""),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "fleet"),
		},
		Observability: ObservabilityConfig{
			LogLevel:        getEnv("LOG_LEVEL", "info"),
			LogFormat:       getEnv("LOG_FORMAT", "json"),
			MetricsEnabled:  getEnvAsBool("METRICS_ENABLED", true),
			TracingEnabled:  getEnvAsBool("TRACING_ENABLED", false),
			TracingEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:     getEnv("OTEL_SERVICE_NAME", "fleet-control-plane"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set and consistent
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Database.ConnectionString == "" && c.Database.Host == "" {
		return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
	}
	if c.Database.ConnectionString == "" {
		if c.Database.User == "" {
			return fmt.Errorf("database user is required")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.Fleet.LivenessWindow <= 0 {
		return fmt.Errorf("liveness window must be positive")
	}
	if c.Fleet.RecentActivityWindow < c.Fleet.LivenessWindow {
		return fmt.Errorf("recent activity window (%s) must not be shorter than the liveness window (%s)",
			c.Fleet.RecentActivityWindow, c.Fleet.LivenessWindow)
	}
	if c.Fleet.SweepEnabled && c.Fleet.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive when the sweeper is enabled")
	}

	if c.Risk.Timeout < time.Second || c.Risk.Timeout > 30*time.Second {
		return fmt.Errorf("risk service timeout must be between 1s and 30s, got %s", c.Risk.Timeout)
	}
	if c.Risk.FallbackVerdict != FallbackDeny && c.Risk.FallbackVerdict != FallbackApprove {
		return fmt.Errorf("fallback verdict must be %q or %q, got %q", FallbackDeny, FallbackApprove, c.Risk.FallbackVerdict)
	}
	if c.Risk.URL != "" {
		if _, err := url.ParseRequestURI(c.Risk.URL); err != nil {
			return fmt.Errorf("invalid risk service url: %w", err)
		}
	}

	if c.IsProduction() && len(c.Session.Secret) < minSessionSecretLength {
		return fmt.Errorf("session secret must be at least %d bytes in production", minSessionSecretLength)
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}
	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		return fmt.Errorf("tracing enabled but OTEL_EXPORTER_OTLP_ENDPOINT is not set")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password)
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		u, err := url.Parse(c.ConnectionString)
		if err == nil {
			port := u.Port()
			if port == "" {
				port = "5432"
			}
			return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
		}
		return "host=<from DATABASE_URL>"
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

func loadDatabaseConfig() DatabaseConfig {
	cfg := DatabaseConfig{
		ConnectionString: getEnv("DATABASE_URL", ""),
		MaxOpenConns:     getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:     getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime:  getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		AutoMigrate:      getEnvAsBool("DB_AUTO_MIGRATE", true),
	}
	if cfg.ConnectionString != "" {
		return cfg
	}
	cfg.Host = getEnv("DB_HOST", "localhost")
	cfg.Port = getEnvAsInt("DB_PORT", 5432)
	cfg.User = getEnv("DB_USER", "fleet")
	cfg.Password = getEnv("DB_PASSWORD", "")
	cfg.Database = getEnv("DB_NAME", "fleet")
	cfg.SSLMode = getEnv("DB_SSL_MODE", "disable")
	return cfg
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	for _, key := range []string{"PORT", "SERVER_PORT"} {
		if value := os.Getenv(key); value != "" {
			if p, err := strconv.Atoi(value); err == nil {
				return p
			}
		}
	}
	return 8080
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
