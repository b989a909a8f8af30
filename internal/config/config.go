// Package config handles process-level configuration loading and validation.
// Per-bot strategy parameters are not config-file content; they arrive over
// the control surface and are persisted to the bots/grid_bot_configs tables.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Exchanges   map[string]Exchange `yaml:"exchanges"`
	Timing      TimingConfig      `yaml:"timing"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig contains the control surface's HTTP/WS bind settings.
type ServerConfig struct {
	BindAddress    string   `yaml:"bind_address" validate:"required"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MetricsEnabled bool     `yaml:"metrics_enabled"`
}

// DatabaseConfig contains the SQLite persistence store settings.
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// Exchange contains exchange connectivity defaults. Per-bot credentials live
// in the bots table, not here; this section covers base URLs and testnet
// toggles shared across bots trading on the same exchange.
type Exchange struct {
	BaseURL        string `yaml:"base_url" validate:"required"`
	TestnetBaseURL string `yaml:"testnet_base_url" validate:"required"`
	WSBaseURL      string `yaml:"ws_base_url" validate:"required"`
	TestnetWSURL   string `yaml:"testnet_ws_base_url" validate:"required"`
}

// TimingConfig contains cadence and retry parameters shared by every bot.
type TimingConfig struct {
	PricePollIntervalMS      int `yaml:"price_poll_interval_ms" validate:"min=100,max=60000"`
	FanoutIntervalMS         int `yaml:"fanout_interval_ms" validate:"min=100,max=60000"`
	OrderRetryBackoffMS      int `yaml:"order_retry_backoff_ms" validate:"min=10,max=10000"`
	OrderRetryMaxAttempts    int `yaml:"order_retry_max_attempts" validate:"min=1,max=20"`
	RecvWindowDefaultMS      int `yaml:"recv_window_default_ms" validate:"min=1000,max=60000"`
	RecvWindowWidenedMS      int `yaml:"recv_window_widened_ms" validate:"min=1000,max=60000"`
	ListenKeyKeepaliveMins   int `yaml:"listen_key_keepalive_minutes" validate:"min=1,max=60"`
	WSReconnectDelaySeconds  int `yaml:"ws_reconnect_delay_seconds" validate:"min=1,max=300"`
}

// ConcurrencyConfig sizes the worker pools used by the supervisor and the
// subscription fan-out layer.
type ConcurrencyConfig struct {
	MaxOrdersInFlightPerBot int `yaml:"max_orders_in_flight_per_bot" validate:"min=1,max=100"`
	GlobalExchangeRatePerS  int `yaml:"global_exchange_rate_per_second" validate:"min=1,max=1000"`
	FanoutPoolSize          int `yaml:"fanout_pool_size" validate:"min=1,max=256"`
	SupervisorPoolSize      int `yaml:"supervisor_pool_size" validate:"min=1,max=256"`
}

// LoggingConfig controls the global operational logger and the per-bot log
// directory root.
type LoggingConfig struct {
	Level   string `yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
	BotLogDir string `yaml:"bot_log_dir" validate:"required"`
}

// ValidationError reports a single field failing configuration validation.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig reads a YAML file, expands environment variables, and validates
// the result.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate performs comprehensive validation, aggregating every failure
// rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateServer(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateDatabase(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateExchanges(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateLogging(); err != nil {
		errs = append(errs, err.Error())
	}

	if c.Timing.RecvWindowWidenedMS < c.Timing.RecvWindowDefaultMS {
		errs = append(errs, ValidationError{
			Field:   "timing.recv_window_widened_ms",
			Value:   c.Timing.RecvWindowWidenedMS,
			Message: "must be >= timing.recv_window_default_ms",
		}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.BindAddress == "" {
		return ValidationError{Field: "server.bind_address", Message: "bind address is required"}
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return ValidationError{Field: "database.path", Message: "database path is required"}
	}
	return nil
}

func (c *Config) validateExchanges() error {
	if len(c.Exchanges) == 0 {
		return ValidationError{Field: "exchanges", Message: "at least one exchange must be configured"}
	}
	for name, ex := range c.Exchanges {
		if ex.BaseURL == "" {
			return ValidationError{Field: fmt.Sprintf("exchanges.%s.base_url", name), Message: "base URL is required"}
		}
		if ex.WSBaseURL == "" {
			return ValidationError{Field: fmt.Sprintf("exchanges.%s.ws_base_url", name), Message: "WS base URL is required"}
		}
	}
	return nil
}

func (c *Config) validateLogging() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.Logging.Level)) {
		return ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	if c.Logging.BotLogDir == "" {
		return ValidationError{Field: "logging.bot_log_dir", Message: "bot log directory is required"}
	}
	return nil
}

// String renders the configuration with API credential-bearing fields
// masked. Exchange base-URL configuration carries no credentials itself;
// per-bot credentials live in the database, not here.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a configuration suitable for local development and
// as a base for tests.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress:    ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
			MetricsEnabled: true,
		},
		Database: DatabaseConfig{Path: "gridbot.db"},
		Exchanges: map[string]Exchange{
			"binance": {
				BaseURL:        "https://api.binance.com",
				TestnetBaseURL: "https://testnet.binance.vision",
				WSBaseURL:      "wss://stream.binance.com:9443",
				TestnetWSURL:   "wss://testnet.binance.vision",
			},
		},
		Timing: TimingConfig{
			PricePollIntervalMS:     1000,
			FanoutIntervalMS:        1000,
			OrderRetryBackoffMS:     500,
			OrderRetryMaxAttempts:   10,
			RecvWindowDefaultMS:     5000,
			RecvWindowWidenedMS:     60000,
			ListenKeyKeepaliveMins:  30,
			WSReconnectDelaySeconds: 5,
		},
		Concurrency: ConcurrencyConfig{
			MaxOrdersInFlightPerBot: 10,
			GlobalExchangeRatePerS:  5,
			FanoutPoolSize:          16,
			SupervisorPoolSize:      32,
		},
		Logging: LoggingConfig{
			Level:     "INFO",
			BotLogDir: "logs",
		},
	}
}
