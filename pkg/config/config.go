package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/telechubbiies/identity/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Auth          AuthConfig
	RateLimit     RateLimitConfig
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

	// External URLs used in discovery metadata and redirects
	BackendURL  string
	FrontendURL string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL         string
	ReplicaURLs string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// RedisConfig holds Redis configuration for distributed rate limiting
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// AuthConfig holds token and credential settings
type AuthConfig struct {
	// RSA keys in PEM form, or paths to them. Either the inline form or
	// the path form must be set outside development.
	JWTPrivateKey     string
	JWTPublicKey      string
	JWTPrivateKeyPath string
	JWTPublicKeyPath  string
	JWTKeyID          string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration
	IDTokenTTL      time.Duration
	InvitationTTL   time.Duration

	// DevGenerateKeys generates an ephemeral RSA key pair when no key
	// material is configured. Never enable in production.
	DevGenerateKeys bool
}

// RateLimitConfig holds rate limiting settings for the login endpoints
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Auth:          loadAuthConfig(),
		RateLimit:     loadRateLimitConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("IDENTITY_HOST", "0.0.0.0"),
		Port:            getEnv("IDENTITY_PORT", "8080"),
		ReadTimeout:     getEnvDuration("IDENTITY_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("IDENTITY_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("IDENTITY_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("IDENTITY_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("IDENTITY_HEALTH_PORT", "9090"),
		BackendURL:      getEnv("IDENTITY_BACKEND_URL", "http://localhost:8080"),
		FrontendURL:     getEnv("IDENTITY_FRONTEND_URL", "http://localhost:3000"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("IDENTITY_POSTGRES_URL", ""),
		ReplicaURLs: getEnv("IDENTITY_POSTGRES_REPLICA_URLS", ""),
		MaxConns:    getEnvInt("IDENTITY_POSTGRES_MAX_CONNS", 25),
		MinConns:    getEnvInt("IDENTITY_POSTGRES_MIN_CONNS", 5),
		Timeout:     getEnvDuration("IDENTITY_POSTGRES_TIMEOUT", 10*time.Second),
		MaxLifetime: getEnvDuration("IDENTITY_POSTGRES_MAX_LIFETIME", time.Hour),
		MaxIdleTime: getEnvDuration("IDENTITY_POSTGRES_MAX_IDLE_TIME", 10*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:  getEnvBool("IDENTITY_REDIS_ENABLED", false),
		Addr:     getEnv("IDENTITY_REDIS_ADDR", "localhost:6379"),
		Password: getEnv("IDENTITY_REDIS_PASSWORD", ""),
		DB:       getEnvInt("IDENTITY_REDIS_DB", 0),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTPrivateKey:     getEnv("IDENTITY_JWT_PRIVATE_KEY", ""),
		JWTPublicKey:      getEnv("IDENTITY_JWT_PUBLIC_KEY", ""),
		JWTPrivateKeyPath: getEnv("IDENTITY_JWT_PRIVATE_KEY_PATH", ""),
		JWTPublicKeyPath:  getEnv("IDENTITY_JWT_PUBLIC_KEY_PATH", ""),
		JWTKeyID:          getEnv("IDENTITY_JWT_KEY_ID", "telechubbiies-key-1"),
		AccessTokenTTL:    getEnvDuration("IDENTITY_ACCESS_TOKEN_TTL", 15*time.Minute),
		RefreshTokenTTL:   getEnvDuration("IDENTITY_REFRESH_TOKEN_TTL", 7*24*time.Hour),
		AuthCodeTTL:       getEnvDuration("IDENTITY_AUTH_CODE_TTL", 10*time.Minute),
		IDTokenTTL:        getEnvDuration("IDENTITY_ID_TOKEN_TTL", time.Hour),
		InvitationTTL:     getEnvDuration("IDENTITY_INVITATION_TTL", 48*time.Hour),
		DevGenerateKeys:   getEnvBool("IDENTITY_DEV_GENERATE_KEYS", false),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerWindow: getEnvInt("IDENTITY_RATE_LIMIT_REQUESTS", 100),
		WindowDuration:    getEnvDuration("IDENTITY_RATE_LIMIT_WINDOW", time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("IDENTITY_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("IDENTITY_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("IDENTITY_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("IDENTITY_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("IDENTITY_OTEL_SERVICE_NAME", "identity"),
		OTelServiceVersion: getEnv("IDENTITY_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("IDENTITY_OTEL_INSECURE", true),
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
	if c.Server.BackendURL == "" {
		return fmt.Errorf("backend URL is required")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	hasInlineKeys := c.Auth.JWTPrivateKey != "" && c.Auth.JWTPublicKey != ""
	hasKeyPaths := c.Auth.JWTPrivateKeyPath != "" && c.Auth.JWTPublicKeyPath != ""
	if !hasInlineKeys && !hasKeyPaths && !c.Auth.DevGenerateKeys {
		return fmt.Errorf("JWT keys not configured: set IDENTITY_JWT_PRIVATE_KEY/IDENTITY_JWT_PUBLIC_KEY, the *_PATH variants, or IDENTITY_DEV_GENERATE_KEYS")
	}

	if c.Auth.AccessTokenTTL <= 0 || c.Auth.RefreshTokenTTL <= 0 || c.Auth.AuthCodeTTL <= 0 {
		return fmt.Errorf("token TTLs must be positive")
	}

	if c.Observability.OTelEnabled && c.Observability.OTelEndpoint == "" {
		return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
	}

	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return strings.ToLower(val) == "true"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultVal
}
