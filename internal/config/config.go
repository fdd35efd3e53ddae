// Package config loads and validates application configuration from environment variables.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port                int           `env:"KIBAN_PORT"                   envDefault:"8080"`
	ReadTimeout         time.Duration `env:"KIBAN_READ_TIMEOUT"           envDefault:"30s"`
	WriteTimeout        time.Duration `env:"KIBAN_WRITE_TIMEOUT"          envDefault:"60s"`
	ShutdownTimeout     time.Duration `env:"KIBAN_SHUTDOWN_TIMEOUT"       envDefault:"20s"`
	MaxRequestBodyBytes int64         `env:"KIBAN_MAX_REQUEST_BODY_BYTES" envDefault:"1048576"`
	LogLevel            string        `env:"KIBAN_LOG_LEVEL"              envDefault:"info"`

	// Storage. An empty DatabaseURL runs on the in-memory store.
	DatabaseURL      string `env:"DATABASE_URL"`
	DatabaseMaxConns int32  `env:"KIBAN_DATABASE_MAX_CONNS" envDefault:"20"`

	// Redis backs the request counter and rate limiter when set.
	RedisURL    string `env:"REDIS_URL"`
	RedisPrefix string `env:"KIBAN_REDIS_PREFIX" envDefault:"kiban"`

	// NATS receives accepted telemetry events when set.
	NATSURL string `env:"NATS_URL"`

	// JWT settings. Empty key paths generate an ephemeral key pair.
	JWTPrivateKeyPath string        `env:"KIBAN_JWT_PRIVATE_KEY"`
	JWTPublicKeyPath  string        `env:"KIBAN_JWT_PUBLIC_KEY"`
	JWTExpiration     time.Duration `env:"KIBAN_JWT_EXPIRATION" envDefault:"24h"`

	// Owner bootstrap.
	OwnerTenantName string `env:"KIBAN_OWNER_TENANT" envDefault:"default"`
	OwnerSubject    string `env:"KIBAN_OWNER_SUBJECT" envDefault:"owner"`
	OwnerAPIKey     string `env:"KIBAN_OWNER_API_KEY"`

	// Signing key vault. An empty path keeps keys in memory.
	VaultPath      string `env:"KIBAN_VAULT_PATH"`
	VaultMasterKey string `env:"KIBAN_VAULT_MASTER_KEY"` // 64 hex characters.

	// Backends.
	ContainerRuntimeURL   string        `env:"KIBAN_CONTAINER_RUNTIME_URL"`
	ContainerRuntimeToken string        `env:"KIBAN_CONTAINER_RUNTIME_TOKEN"`
	SandboxEnabled        bool          `env:"KIBAN_SANDBOX_ENABLED"  envDefault:"true"`
	DeployTimeout         time.Duration `env:"KIBAN_DEPLOY_TIMEOUT"   envDefault:"5m"`
	InvokeTimeout         time.Duration `env:"KIBAN_INVOKE_TIMEOUT"   envDefault:"60s"`
	TelemetryURL          string        `env:"KIBAN_TELEMETRY_URL"    envDefault:"http://localhost:8080/v1/telemetry"`

	// Background jobs.
	AggregateInterval          time.Duration `env:"KIBAN_AGGREGATE_INTERVAL"           envDefault:"1m"`
	AggregateConcurrency       int           `env:"KIBAN_AGGREGATE_CONCURRENCY"        envDefault:"4"`
	AggregateGrace             time.Duration `env:"KIBAN_AGGREGATE_GRACE"              envDefault:"72h"`
	RetentionInterval          time.Duration `env:"KIBAN_RETENTION_INTERVAL"           envDefault:"1h"`
	TelemetryRetention         time.Duration `env:"KIBAN_TELEMETRY_RETENTION"          envDefault:"2160h"`
	IdempotencyCleanupInterval time.Duration `env:"KIBAN_IDEMPOTENCY_CLEANUP_INTERVAL" envDefault:"1h"`
	IdempotencyCompletedTTL    time.Duration `env:"KIBAN_IDEMPOTENCY_COMPLETED_TTL"    envDefault:"168h"`
	IdempotencyInProgressTTL   time.Duration `env:"KIBAN_IDEMPOTENCY_IN_PROGRESS_TTL"  envDefault:"10m"`

	// Rate limiting.
	RateLimitEnabled bool    `env:"KIBAN_RATE_LIMIT_ENABLED" envDefault:"true"`
	RateLimitRPS     float64 `env:"KIBAN_RATE_LIMIT_RPS"     envDefault:"20"`
	RateLimitBurst   int     `env:"KIBAN_RATE_LIMIT_BURST"   envDefault:"40"`

	// OTEL settings.
	OTELEndpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELInsecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTELSampleRatio float64 `env:"KIBAN_OTEL_SAMPLE_RATIO" envDefault:"1"`
	ServiceName     string  `env:"OTEL_SERVICE_NAME"       envDefault:"kiban"`

	// Stripe billing settings.
	StripeSecretKey         string `env:"KIBAN_STRIPE_SECRET_KEY"`
	StripeWebhookSecret     string `env:"KIBAN_STRIPE_WEBHOOK_SECRET"`
	StripePriceIDPro        string `env:"KIBAN_STRIPE_PRO_PRICE_ID"`
	StripePriceIDEnterprise string `env:"KIBAN_STRIPE_ENTERPRISE_PRICE_ID"`
}

// Load reads configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("config: KIBAN_PORT must be 1-65535"))
	}
	if c.MaxRequestBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("config: KIBAN_MAX_REQUEST_BODY_BYTES must be positive"))
	}
	if c.DeployTimeout <= 0 || c.InvokeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("config: deploy and invoke timeouts must be positive"))
	}
	if c.VaultPath != "" {
		if _, err := c.VaultKey(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.RateLimitEnabled && (c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0) {
		errs = append(errs, fmt.Errorf("config: KIBAN_RATE_LIMIT_RPS and KIBAN_RATE_LIMIT_BURST must be positive"))
	}
	if c.AggregateGrace < 0 {
		errs = append(errs, fmt.Errorf("config: KIBAN_AGGREGATE_GRACE must not be negative"))
	}
	if c.AggregateConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("config: KIBAN_AGGREGATE_CONCURRENCY must be positive"))
	}
	if !c.SandboxEnabled && c.ContainerRuntimeURL == "" {
		errs = append(errs, fmt.Errorf("config: no backend configured; set KIBAN_CONTAINER_RUNTIME_URL or enable the sandbox"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// VaultKey decodes the vault master key.
func (c Config) VaultKey() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.VaultMasterKey))
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("config: KIBAN_VAULT_MASTER_KEY must be 64 hex characters")
	}
	return key, nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: KIBAN_LOG_LEVEL %q is not a valid level", c.LogLevel)
	}
	return l, nil
}
