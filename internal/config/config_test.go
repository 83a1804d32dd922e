package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		AdminToken:             "secret",
		APIEndpoint:            "http://auth.internal/check",
		Port:                   3113,
		RateLimitCount:         100,
		RateLimitWindowSeconds: 60,
		SweepIdleAfter:         10 * time.Minute,
		MetricsInterval:        15 * time.Second,
		ShutdownGrace:          30 * time.Second,
		LogLevel:               "info",
		LogFormat:              "json",
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("STREAMGATE_ADMIN_TOKEN", "secret")
	t.Setenv("STREAMGATE_API_ENDPOINT", "http://auth.internal/check")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.AdminToken)
	assert.Equal(t, 3113, cfg.Port)
	assert.Equal(t, 100, cfg.RateLimitCount)
	assert.Equal(t, 60, cfg.RateLimitWindowSeconds)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow())
	assert.Equal(t, ":3113", cfg.Addr())
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STREAMGATE_ADMIN_TOKEN", "secret")
	t.Setenv("STREAMGATE_API_ENDPOINT", "https://auth.internal/check")
	t.Setenv("STREAMGATE_PORT", "8080")
	t.Setenv("STREAMGATE_RATE_LIMIT_COUNT", "5")
	t.Setenv("STREAMGATE_RATE_LIMIT_WINDOW_SECONDS", "10")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5, cfg.RateLimitCount)
	assert.Equal(t, 10*time.Second, cfg.RateLimitWindow())
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("STREAMGATE_ADMIN_TOKEN", "")
	t.Setenv("STREAMGATE_API_ENDPOINT", "")

	_, err := Load(nil)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative endpoint", func(c *Config) { c.APIEndpoint = "/check" }},
		{"bad scheme", func(c *Config) { c.APIEndpoint = "ftp://auth.internal" }},
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"zero rate limit", func(c *Config) { c.RateLimitCount = 0 }},
		{"zero window", func(c *Config) { c.RateLimitWindowSeconds = 0 }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }},
		{"sweeping without idle threshold", func(c *Config) {
			c.SweepInterval = 15 * time.Minute
			c.SweepIdleAfter = 0
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}
