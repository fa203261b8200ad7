// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
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

	// Payment provider
	StripeSecretKey string // empty enables the mock provider

	// Event stream
	KafkaBrokers []string // empty disables publishing
	KafkaTopic   string

	// Payout automation
	AutoApproveThreshold string // payouts at or below this amount qualify
	AutoApproveMaxCount  int    // approvals per hour
	AutoApproveMaxVolume string // total approved volume per hour
	AutomationInterval   time.Duration
	ReconcileInterval    time.Duration

	// Security
	AdminSecret  string // Admin API secret
	RateLimitRPS int
}

const (
	DefaultPort       = "8080"
	DefaultEnv        = "development"
	DefaultLogLevel   = "info"
	DefaultKafkaTopic = "marketledger.finance"
	DefaultRateLimit  = 100

	DefaultAutoApproveThreshold = "50000.00"
	DefaultAutoApproveMaxCount  = 50
	DefaultAutoApproveMaxVolume = "1000000.00"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:           getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		AutoApproveThreshold: getEnv("AUTO_APPROVE_THRESHOLD", DefaultAutoApproveThreshold),
		AutoApproveMaxCount:  int(getEnvInt64("AUTO_APPROVE_MAX_COUNT", DefaultAutoApproveMaxCount)),
		AutoApproveMaxVolume: getEnv("AUTO_APPROVE_MAX_VOLUME", DefaultAutoApproveMaxVolume),
		AutomationInterval:   getEnvDuration("AUTOMATION_INTERVAL", 10*time.Minute),
		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 5*time.Minute),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:         int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}

	if c.AutoApproveMaxCount < 0 {
		return fmt.Errorf("AUTO_APPROVE_MAX_COUNT must not be negative")
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
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
