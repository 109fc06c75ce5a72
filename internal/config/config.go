// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// HTTP edge
	CORSOrigins        []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	RateLimitPerMinute int      `env:"RATE_LIMIT_PER_MINUTE" envDefault:"600"`
	RateLimitBurst     int      `env:"RATE_LIMIT_BURST" envDefault:"50"`

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string `env:"DATABASE_URL"`

	// Identity: HS256 bearer tokens whose subject is the caller address
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"covenant"`

	// Observability
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Audit event sink (optional)
	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"covenant.audit"`

	// Relay
	PacketDefaultTimeout time.Duration `env:"PACKET_DEFAULT_TIMEOUT" envDefault:"24h"`
	PacketMaxRetries     int           `env:"PACKET_MAX_RETRIES" envDefault:"5"`
	RelaySweepInterval   time.Duration `env:"RELAY_SWEEP_INTERVAL" envDefault:"30s"`

	// Escrow stall monitoring
	StallScanInterval time.Duration `env:"STALL_SCAN_INTERVAL" envDefault:"1h"`
	EscrowStallAfter  time.Duration `env:"ESCROW_STALL_AFTER" envDefault:"168h"`

	// Custody reconciliation
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`
}

// Defaults mirrored as constants for callers that build a Config by hand.
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultPacketTimeout        = 24 * time.Hour
	DefaultPacketMaxRetries     = 5
	DefaultRelaySweepInterval   = 30 * time.Second
	DefaultStallScanInterval    = time.Hour
	DefaultEscrowStallAfter     = 7 * 24 * time.Hour
	DefaultReconcileInterval    = 5 * time.Minute
	minJWTSecretLenInProduction = 32
)

// Load reads configuration from environment variables.
// It loads a .env file first if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if !c.IsDevelopment() {
		if c.JWTSecret == "" {
			errs = append(errs, errors.New("JWT_SECRET is required outside development"))
		} else if len(c.JWTSecret) < minJWTSecretLenInProduction {
			errs = append(errs, fmt.Errorf("JWT_SECRET must be at least %d bytes", minJWTSecretLenInProduction))
		}
	}
	if c.PacketDefaultTimeout <= 0 {
		errs = append(errs, errors.New("PACKET_DEFAULT_TIMEOUT must be positive"))
	}
	if c.PacketMaxRetries < 0 {
		errs = append(errs, errors.New("PACKET_MAX_RETRIES must not be negative"))
	}
	if c.RelaySweepInterval < 0 || c.StallScanInterval < 0 || c.ReconcileInterval < 0 {
		errs = append(errs, errors.New("sweep intervals must not be negative"))
	}
	if c.RateLimitPerMinute < 0 || c.RateLimitBurst < 0 {
		errs = append(errs, errors.New("rate limits must not be negative"))
	}
	if c.EscrowStallAfter <= 0 {
		errs = append(errs, errors.New("ESCROW_STALL_AFTER must be positive"))
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required when KAFKA_BROKERS is set"))
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
