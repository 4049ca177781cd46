// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/trustlesswork/demoengine/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Escrow API. Empty URL runs demos against the in-memory mock.
	EscrowAPIURL string
	EscrowAPIKey string

	// Wallet settings
	Network         string
	ChainID         int64
	SignerKey       string // hex, with or without 0x; empty means no real signing
	SigningFallback string // "simulate" or "fail"

	// Demo behavior
	AutoResolveDelay time.Duration
	SessionIdleTTL   time.Duration
	CatalogFile      string

	// Integrations
	NATSURL       string
	WebhookURL    string
	WebhookSecret string
	OTLPEndpoint  string

	// HTTP hardening
	RateLimitRPM int
	CORSOrigins  []string
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultNetwork          = "testnet"
	DefaultChainID          = 84532
	DefaultSigningFallback  = "simulate"
	DefaultAutoResolveDelay = 2 * time.Second
	DefaultSessionIdleTTL   = 30 * time.Minute
	DefaultRateLimitRPM     = 300
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	autoResolve, err := getEnvDuration("AUTO_RESOLVE_DELAY", DefaultAutoResolveDelay)
	if err != nil {
		return nil, err
	}
	idleTTL, err := getEnvDuration("SESSION_IDLE_TTL", DefaultSessionIdleTTL)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		EscrowAPIURL:     os.Getenv("ESCROW_API_URL"),
		EscrowAPIKey:     os.Getenv("ESCROW_API_KEY"),
		Network:          getEnv("DEMO_NETWORK", DefaultNetwork),
		ChainID:          getEnvInt64("DEMO_CHAIN_ID", DefaultChainID),
		SignerKey:        os.Getenv("DEMO_SIGNER_KEY"),
		SigningFallback:  strings.ToLower(getEnv("SIGNING_FALLBACK", DefaultSigningFallback)),
		AutoResolveDelay: autoResolve,
		SessionIdleTTL:   idleTTL,
		CatalogFile:      os.Getenv("DEMO_CATALOG_FILE"),
		NATSURL:          os.Getenv("NATS_URL"),
		WebhookURL:       os.Getenv("NOTIFY_WEBHOOK_URL"),
		WebhookSecret:    os.Getenv("NOTIFY_WEBHOOK_SECRET"),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		CORSOrigins:      splitList(getEnv("CORS_ORIGINS", "*")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is consistent
func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("PORT must be numeric, got %q", c.Port)
	}

	switch c.SigningFallback {
	case "simulate", "fail":
	default:
		return fmt.Errorf("SIGNING_FALLBACK must be simulate or fail, got %q", c.SigningFallback)
	}

	if c.SignerKey != "" {
		key := strings.TrimPrefix(c.SignerKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("DEMO_SIGNER_KEY must be 64 hex characters (with or without 0x prefix)")
		}
		if c.ChainID <= 0 {
			return fmt.Errorf("DEMO_CHAIN_ID must be positive when DEMO_SIGNER_KEY is set")
		}
	}

	if c.AutoResolveDelay < 0 {
		return fmt.Errorf("AUTO_RESOLVE_DELAY must not be negative")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be positive")
	}

	if c.WebhookURL != "" {
		if c.WebhookSecret == "" {
			return fmt.Errorf("NOTIFY_WEBHOOK_SECRET is required when NOTIFY_WEBHOOK_URL is set")
		}
		if c.IsProduction() {
			if err := security.ValidateEndpointURL(c.WebhookURL); err != nil {
				return fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
			}
		}
	}

	if c.RateLimitRPM < 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must not be negative")
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

// getEnvDuration accepts Go durations ("2s") or plain milliseconds ("2000").
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
