package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port             string  `mapstructure:"PORT"`
	Env              string  `mapstructure:"ENV"`
	DatabaseURL      string  `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32   `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32   `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant    string  `mapstructure:"DEFAULT_TENANT"`
	JWTSecret        string  `mapstructure:"JWT_SECRET"`
	PushAPIKey       string  `mapstructure:"PUSH_API_KEY"`
	TaskQueueBaseURL string  `mapstructure:"TASK_QUEUE_BASE_URL"`
	TaskQueueSA      string  `mapstructure:"TASK_QUEUE_SERVICE_ACCOUNT"`
	TaskQueueRegion  string  `mapstructure:"TASK_QUEUE_REGION"`
	OrchestrationURL string  `mapstructure:"ORCHESTRATION_CALLBACK_URL"`
	InferenceURL     string  `mapstructure:"INFERENCE_URL"`
	InferenceAPIKey  string  `mapstructure:"INFERENCE_API_KEY"`
	MessagingURL     string  `mapstructure:"MESSAGING_URL"`
	MessagingSecret  string  `mapstructure:"MESSAGING_SECRET"`
	RetryMaxAttempts int     `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryWindowStart int     `mapstructure:"RETRY_WINDOW_START_HOUR"`
	RetryWindowEnd   int     `mapstructure:"RETRY_WINDOW_END_HOUR"`
	FlagCacheTTL     int     `mapstructure:"FLAG_CACHE_TTL_SECONDS"`
	RateLimitRPS     float64 `mapstructure:"RATE_LIMIT_RPS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("TASK_QUEUE_REGION", "us-central1")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_WINDOW_START_HOUR", 1)
	v.SetDefault("RETRY_WINDOW_END_HOUR", 5)
	v.SetDefault("FLAG_CACHE_TTL_SECONDS", 60)
	v.SetDefault("RATE_LIMIT_RPS", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"DEFAULT_TENANT", "JWT_SECRET", "PUSH_API_KEY",
		"TASK_QUEUE_BASE_URL", "TASK_QUEUE_SERVICE_ACCOUNT", "TASK_QUEUE_REGION",
		"ORCHESTRATION_CALLBACK_URL", "INFERENCE_URL", "INFERENCE_API_KEY",
		"MESSAGING_URL", "MESSAGING_SECRET",
		"RETRY_MAX_ATTEMPTS", "RETRY_WINDOW_START_HOUR", "RETRY_WINDOW_END_HOUR",
		"FLAG_CACHE_TTL_SECONDS", "RATE_LIMIT_RPS",
	} {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// FlagTTL returns the feature-flag cache TTL as a duration.
func (c *Config) FlagTTL() time.Duration {
	return time.Duration(c.FlagCacheTTL) * time.Second
}

// Validate checks that the configuration is safe to run. In production the
// command intake API must be authenticated, and the deferred-retry window
// must be a valid pair of hours.
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.PushAPIKey == "" {
			return fmt.Errorf("PUSH_API_KEY is required in production")
		}
	}
	if c.RetryWindowStart < 0 || c.RetryWindowStart > 23 {
		return fmt.Errorf("RETRY_WINDOW_START_HOUR must be in [0,23], got %d", c.RetryWindowStart)
	}
	if c.RetryWindowEnd < 0 || c.RetryWindowEnd > 23 {
		return fmt.Errorf("RETRY_WINDOW_END_HOUR must be in [0,23], got %d", c.RetryWindowEnd)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.TaskQueueBaseURL != "" && !strings.HasPrefix(c.TaskQueueBaseURL, "http") {
		return fmt.Errorf("TASK_QUEUE_BASE_URL must be an http(s) URL, got %q", c.TaskQueueBaseURL)
	}
	return nil
}
