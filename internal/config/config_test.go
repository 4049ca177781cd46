package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Port:            "8080",
		SigningFallback: "simulate",
		SessionIdleTTL:  time.Minute,
	}
}

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"PORT", "DEMO_NETWORK", "SIGNING_FALLBACK", "AUTO_RESOLVE_DELAY", "SESSION_IDLE_TTL", "DEMO_SIGNER_KEY", "NOTIFY_WEBHOOK_URL", "CORS_ORIGINS"} {
		setEnv(t, k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultNetwork, cfg.Network)
	assert.Equal(t, "simulate", cfg.SigningFallback)
	assert.Equal(t, DefaultAutoResolveDelay, cfg.AutoResolveDelay)
	assert.Equal(t, DefaultSessionIdleTTL, cfg.SessionIdleTTL)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "DEMO_NETWORK", "mainnet")
	setEnv(t, "DEMO_SIGNER_KEY", "0x"+validKey)
	setEnv(t, "SIGNING_FALLBACK", "FAIL")
	setEnv(t, "AUTO_RESOLVE_DELAY", "1500")
	setEnv(t, "SESSION_IDLE_TTL", "10m")
	setEnv(t, "CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "mainnet", cfg.Network)
	assert.Equal(t, "fail", cfg.SigningFallback)
	assert.Equal(t, 1500*time.Millisecond, cfg.AutoResolveDelay)
	assert.Equal(t, 10*time.Minute, cfg.SessionIdleTTL)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoad_InvalidDuration(t *testing.T) {
	setEnv(t, "AUTO_RESOLVE_DELAY", "soon")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "AUTO_RESOLVE_DELAY")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "valid signer", mutate: func(c *Config) { c.SignerKey = validKey; c.ChainID = 1 }},
		{name: "non-numeric port", mutate: func(c *Config) { c.Port = "http" }, wantErr: "PORT must be numeric"},
		{name: "unknown fallback", mutate: func(c *Config) { c.SigningFallback = "retry" }, wantErr: "SIGNING_FALLBACK"},
		{name: "short signer key", mutate: func(c *Config) { c.SignerKey = "abc123"; c.ChainID = 1 }, wantErr: "64 hex characters"},
		{name: "signer without chain", mutate: func(c *Config) { c.SignerKey = validKey }, wantErr: "DEMO_CHAIN_ID"},
		{name: "negative auto resolve", mutate: func(c *Config) { c.AutoResolveDelay = -time.Second }, wantErr: "AUTO_RESOLVE_DELAY"},
		{name: "zero idle ttl", mutate: func(c *Config) { c.SessionIdleTTL = 0 }, wantErr: "SESSION_IDLE_TTL"},
		{name: "webhook without secret", mutate: func(c *Config) { c.WebhookURL = "https://hooks.example.com" }, wantErr: "NOTIFY_WEBHOOK_SECRET"},
		{
			name: "private webhook in production",
			mutate: func(c *Config) {
				c.Env = "production"
				c.WebhookURL = "http://127.0.0.1:9000/hook"
				c.WebhookSecret = "s3cret"
			},
			wantErr: "loopback",
		},
		{
			name: "private webhook in development",
			mutate: func(c *Config) {
				c.WebhookURL = "http://127.0.0.1:9000/hook"
				c.WebhookSecret = "s3cret"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99))
}
