// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payout provider
	StripeAPIKey string // Stripe secret key; payouts run in stub mode if not set

	// Release settings
	SweepInterval   time.Duration // how often the auto-release sweep runs
	LockWait        time.Duration // bounded wait for the per-deal release lock
	AccessGraceDays int           // grace period after first content access (non-milestone deals)
	FallbackDays    int           // proof-submission fallback window when no access recorded
	ReviewDays      int           // default milestone review window

	// Security
	WebhookSecret string // default HMAC secret for outbound notifications
	AdminSecret   string // Admin API secret
	RateLimitRPM  int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled if empty
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultSweepInterval = 30 * time.Second
	DefaultLockWait      = 2 * time.Second
	DefaultAccessGrace   = 3
	DefaultFallback      = 7
	DefaultReview        = 3
	DefaultRateLimit     = 120
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:    os.Getenv("STRIPE_API_KEY"),
		SweepInterval:   getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		LockWait:        getEnvDuration("RELEASE_LOCK_WAIT", DefaultLockWait),
		AccessGraceDays: int(getEnvInt64("ACCESS_GRACE_DAYS", DefaultAccessGrace)),
		FallbackDays:    int(getEnvInt64("PROOF_FALLBACK_DAYS", DefaultFallback)),
		ReviewDays:      int(getEnvInt64("REVIEW_WINDOW_DAYS", DefaultReview)),
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:    int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent
func (c *Config) Validate() error {
	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s")
	}
	if c.LockWait <= 0 {
		return fmt.Errorf("RELEASE_LOCK_WAIT must be positive")
	}
	if c.AccessGraceDays < 0 || c.FallbackDays < 0 || c.ReviewDays < 0 {
		return fmt.Errorf("day windows must not be negative")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
