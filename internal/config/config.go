package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/skyvps360/metered-billing/pkg/models"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Billing  BillingConfig  `mapstructure:"billing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BillingConfig holds accrual and cycle configuration
type BillingConfig struct {
	AccountingInterval     time.Duration     `mapstructure:"accounting_interval"`
	CycleLength            time.Duration     `mapstructure:"cycle_length"`
	Currency               string            `mapstructure:"currency"`
	Rates                  map[string]string `mapstructure:"rates"` // Resource type -> price per unit per hour, as decimal text
	Retry                  RetryConfig       `mapstructure:"retry"`
	RecoveryParallelism    int               `mapstructure:"recovery_parallelism"`
	StartupRecoveryEnabled bool              `mapstructure:"startup_recovery_enabled"`
	StartupRecoveryTimeout time.Duration     `mapstructure:"startup_recovery_timeout"`
	ShutdownTimeout        time.Duration     `mapstructure:"shutdown_timeout"`
	Notify                 NotifyConfig      `mapstructure:"notify"`
}

// RetryConfig bounds close and fold retries
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// NotifyConfig holds cycle readiness notification configuration
type NotifyConfig struct {
	WebhookURL        string        `mapstructure:"webhook_url"` // Empty logs notifications instead
	CheckInterval     time.Duration `mapstructure:"check_interval"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "text"
}

// Load loads configuration from file and environment
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Config file is optional
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration primarily from environment variables
func LoadFromEnv() (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read from .env file if it exists
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // Ignore error if .env doesn't exist

	// Read from environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	// Bind specific environment variables
	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	// Database defaults
	v.SetDefault("database.path", "./data/billing.db")

	// Billing defaults
	v.SetDefault("billing.accounting_interval", time.Hour)
	v.SetDefault("billing.cycle_length", 30*24*time.Hour)
	v.SetDefault("billing.currency", "USD")
	v.SetDefault("billing.rates", map[string]string{
		string(models.ResourceComputeUnit): "0.006",  // per cloudlet-hour
		string(models.ResourceStorage):     "0.0002", // per GB-hour
	})
	v.SetDefault("billing.retry.max_attempts", 3)
	v.SetDefault("billing.retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("billing.retry.max_interval", 10*time.Second)
	v.SetDefault("billing.recovery_parallelism", 5)
	v.SetDefault("billing.startup_recovery_enabled", true)
	v.SetDefault("billing.startup_recovery_timeout", 2*time.Minute)
	v.SetDefault("billing.shutdown_timeout", 60*time.Second)

	// Notification defaults
	v.SetDefault("billing.notify.check_interval", 5*time.Minute)
	v.SetDefault("billing.notify.requests_per_second", 5.0)
	v.SetDefault("billing.notify.timeout", 10*time.Second)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

func bindEnvVars(v *viper.Viper) {
	// Helper to bind and log errors (BindEnv errors are non-fatal but should be logged)
	bindEnv := func(key string, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			slog.Warn("failed to bind environment variable",
				slog.String("key", key),
				slog.String("env_var", envVar),
				slog.String("error", err.Error()))
		}
	}

	// Database path
	bindEnv("database.path", "DATABASE_PATH")

	// Server config
	bindEnv("server.host", "SERVER_HOST")
	bindEnv("server.port", "SERVER_PORT")

	// Logging
	bindEnv("logging.level", "LOG_LEVEL")
	bindEnv("logging.format", "LOG_FORMAT")

	// Billing
	bindEnv("billing.accounting_interval", "BILLING_INTERVAL")
	bindEnv("billing.cycle_length", "BILLING_CYCLE_LENGTH")
	bindEnv("billing.currency", "BILLING_CURRENCY")
	bindEnv("billing.startup_recovery_enabled", "BILLING_STARTUP_RECOVERY")
	bindEnv("billing.notify.webhook_url", "BILLING_WEBHOOK_URL")
}

// ParsedRates returns the configured rate table
func (b BillingConfig) ParsedRates() (map[models.ResourceType]decimal.Decimal, error) {
	rates := make(map[models.ResourceType]decimal.Decimal, len(b.Rates))
	for name, raw := range b.Rates {
		rt := models.ResourceType(strings.ToLower(name))
		if !rt.Valid() {
			return nil, fmt.Errorf("unknown resource type %q in billing.rates", name)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid rate for %s: %w", name, err)
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("rate for %s must not be negative", name)
		}
		rates[rt] = rate
	}
	return rates, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}

	b := c.Billing
	if b.AccountingInterval <= 0 {
		return fmt.Errorf("billing.accounting_interval must be positive")
	}
	if b.CycleLength < b.AccountingInterval {
		return fmt.Errorf("billing.cycle_length must be at least one accounting interval")
	}
	if len(b.Currency) != 3 {
		return fmt.Errorf("billing.currency must be a three-letter code")
	}
	if b.Retry.MaxAttempts < 1 {
		return fmt.Errorf("billing.retry.max_attempts must be at least 1")
	}

	rates, err := b.ParsedRates()
	if err != nil {
		return err
	}
	positive := false
	for _, r := range rates {
		if r.IsPositive() {
			positive = true
		}
	}
	if !positive {
		return fmt.Errorf("billing.rates must price at least one resource type")
	}

	if b.Notify.CheckInterval <= 0 {
		return fmt.Errorf("billing.notify.check_interval must be positive")
	}
	if b.Notify.WebhookURL != "" {
		u, err := url.Parse(b.Notify.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("BILLING_WEBHOOK_URL must be an absolute http(s) URL")
		}
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}

	return nil
}
