package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
//	required: Must be provided (no default)
type Config struct {
	// Admin surface
	AdminToken  string `env:"STREAMGATE_ADMIN_TOKEN,required"`
	APIEndpoint string `env:"STREAMGATE_API_ENDPOINT,required"`

	// Listener
	Port int `env:"STREAMGATE_PORT" envDefault:"3113"`

	// Connection admission
	RateLimitCount         int `env:"STREAMGATE_RATE_LIMIT_COUNT" envDefault:"100"`
	RateLimitWindowSeconds int `env:"STREAMGATE_RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`

	// Optional NATS ingest bridge (disabled when URL is empty)
	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX" envDefault:"streamgate"`

	// Idle channel sweeper (disabled when interval is 0)
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"0"`
	SweepIdleAfter time.Duration `env:"SWEEP_IDLE_AFTER" envDefault:"10m"`

	// Prometheus listener (disabled when empty; kept off the public mux)
	MetricsAddr     string        `env:"METRICS_ADDR"`
	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	// Shutdown
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables
// Priority: ENV vars > .env file > defaults
//
// Optional logger parameter for structured logging. If nil, loading is silent.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production sets real env vars
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.AdminToken == "" {
		return fmt.Errorf("STREAMGATE_ADMIN_TOKEN is required")
	}

	u, err := url.Parse(c.APIEndpoint)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("STREAMGATE_API_ENDPOINT must be an absolute HTTP URL, got %q", c.APIEndpoint)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("STREAMGATE_API_ENDPOINT scheme must be http or https, got %q", u.Scheme)
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("STREAMGATE_PORT must be 1-65535, got %d", c.Port)
	}
	if c.RateLimitCount < 1 {
		return fmt.Errorf("STREAMGATE_RATE_LIMIT_COUNT must be > 0, got %d", c.RateLimitCount)
	}
	if c.RateLimitWindowSeconds < 1 {
		return fmt.Errorf("STREAMGATE_RATE_LIMIT_WINDOW_SECONDS must be > 0, got %d", c.RateLimitWindowSeconds)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be >= 0, got %s", c.SweepInterval)
	}
	if c.SweepInterval > 0 && c.SweepIdleAfter <= 0 {
		return fmt.Errorf("SWEEP_IDLE_AFTER must be > 0 when sweeping is enabled, got %s", c.SweepIdleAfter)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Addr returns the public listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// RateLimitWindow returns the admission window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Str("api_endpoint", c.APIEndpoint).
		Int("rate_limit_count", c.RateLimitCount).
		Int("rate_limit_window_seconds", c.RateLimitWindowSeconds).
		Str("nats_url", c.NATSURL).
		Str("nats_subject_prefix", c.NATSSubjectPrefix).
		Dur("sweep_interval", c.SweepInterval).
		Dur("sweep_idle_after", c.SweepIdleAfter).
		Str("metrics_addr", c.MetricsAddr).
		Dur("metrics_interval", c.MetricsInterval).
		Dur("shutdown_grace", c.ShutdownGrace).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Gateway configuration loaded")
}
