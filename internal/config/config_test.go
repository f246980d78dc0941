package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyvps360/metered-billing/pkg/models"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	// Clear environment
	os.Unsetenv("BILLING_INTERVAL")
	os.Unsetenv("BILLING_WEBHOOK_URL")
	os.Unsetenv("DATABASE_PATH")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	// Check defaults
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "./data/billing.db", cfg.Database.Path)
	assert.Equal(t, time.Hour, cfg.Billing.AccountingInterval)
	assert.Equal(t, 720*time.Hour, cfg.Billing.CycleLength)
	assert.Equal(t, "USD", cfg.Billing.Currency)
	assert.Equal(t, 3, cfg.Billing.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Billing.Notify.CheckInterval)
	assert.True(t, cfg.Billing.StartupRecoveryEnabled)
	assert.Empty(t, cfg.Billing.Notify.WebhookURL)
	assert.Equal(t, "info", cfg.Logging.Level)

	rates, err := cfg.Billing.ParsedRates()
	require.NoError(t, err)
	assert.Equal(t, "0.006", rates[models.ResourceComputeUnit].String())
	assert.Equal(t, "0.0002", rates[models.ResourceStorage].String())

	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnv_WithEnvVars(t *testing.T) {
	// Set environment variables
	os.Setenv("SERVER_PORT", "9090")
	os.Setenv("BILLING_INTERVAL", "15m")
	os.Setenv("BILLING_WEBHOOK_URL", "https://payments.internal/hooks/cycles")
	defer func() {
		os.Unsetenv("SERVER_PORT")
		os.Unsetenv("BILLING_INTERVAL")
		os.Unsetenv("BILLING_WEBHOOK_URL")
	}()

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Minute, cfg.Billing.AccountingInterval)
	assert.Equal(t, "https://payments.internal/hooks/cycles", cfg.Billing.Notify.WebhookURL)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
billing:
  accounting_interval: 30m
  currency: EUR
  rates:
    compute-unit: "0.01"
    transfer: "0.05"
logging:
  format: text
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Billing.AccountingInterval)
	assert.Equal(t, "EUR", cfg.Billing.Currency)
	assert.Equal(t, "text", cfg.Logging.Format)

	rates, err := cfg.Billing.ParsedRates()
	require.NoError(t, err)
	assert.Equal(t, "0.01", rates[models.ResourceComputeUnit].String())
	assert.Equal(t, "0.05", rates[models.ResourceTransfer].String())
}

func validConfig() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080},
		Database: DatabaseConfig{Path: "billing.db"},
		Billing: BillingConfig{
			AccountingInterval: time.Hour,
			CycleLength:        720 * time.Hour,
			Currency:           "USD",
			Rates:              map[string]string{"compute-unit": "0.006"},
			Retry:              RetryConfig{MaxAttempts: 3},
			Notify:             NotifyConfig{CheckInterval: time.Minute},
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

func TestConfig_Validate_Success(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestConfig_Validate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero interval", func(c *Config) { c.Billing.AccountingInterval = 0 }, "accounting_interval"},
		{"cycle shorter than interval", func(c *Config) { c.Billing.CycleLength = time.Minute }, "cycle_length"},
		{"no retry attempts", func(c *Config) { c.Billing.Retry.MaxAttempts = 0 }, "max_attempts"},
		{"bad currency", func(c *Config) { c.Billing.Currency = "dollars" }, "currency"},
		{"unknown resource", func(c *Config) { c.Billing.Rates["gpu"] = "1" }, "unknown resource type"},
		{"unparsable rate", func(c *Config) { c.Billing.Rates["compute-unit"] = "cheap" }, "invalid rate"},
		{"negative rate", func(c *Config) { c.Billing.Rates["compute-unit"] = "-0.1" }, "negative"},
		{"nothing priced", func(c *Config) { c.Billing.Rates["compute-unit"] = "0" }, "at least one"},
		{"relative webhook", func(c *Config) { c.Billing.Notify.WebhookURL = "/hooks" }, "BILLING_WEBHOOK_URL"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no database", func(c *Config) { c.Database.Path = "" }, "DATABASE_PATH"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
