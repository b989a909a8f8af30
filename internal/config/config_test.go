package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("TEST_BIND_ADDRESS", ":9090")
	defer os.Unsetenv("TEST_BIND_ADDRESS")

	result := expandEnvVars("bind_address: ${TEST_BIND_ADDRESS}")
	assert.Equal(t, "bind_address: :9090", result)
}

func TestLoadConfigValid(t *testing.T) {
	tmp, err := os.CreateTemp("", "gridbot-config-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmp.Name())

	content := `
server:
  bind_address: ":8080"
  allowed_origins: ["http://localhost:3000"]
database:
  path: "gridbot.db"
exchanges:
  binance:
    base_url: "https://api.binance.com"
    testnet_base_url: "https://testnet.binance.vision"
    ws_base_url: "wss://stream.binance.com:9443"
    testnet_ws_base_url: "wss://testnet.binance.vision"
timing:
  price_poll_interval_ms: 1000
  fanout_interval_ms: 1000
  order_retry_backoff_ms: 500
  order_retry_max_attempts: 10
  recv_window_default_ms: 5000
  recv_window_widened_ms: 60000
  listen_key_keepalive_minutes: 30
  ws_reconnect_delay_seconds: 5
concurrency:
  max_orders_in_flight_per_bot: 10
  global_exchange_rate_per_second: 5
  fanout_pool_size: 16
  supervisor_pool_size: 32
logging:
  level: "INFO"
  bot_log_dir: "logs"
`
	_, err = tmp.WriteString(content)
	require.NoError(t, err)
	require.NoError(t, tmp.Close())

	cfg, err := LoadConfig(tmp.Name())
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.BindAddress)
	assert.Equal(t, 5000, cfg.Timing.RecvWindowDefaultMS)
}

func TestValidateRejectsMissingExchanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = nil

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exchanges")
}

func TestValidateRejectsNarrowedRecvWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timing.RecvWindowWidenedMS = cfg.Timing.RecvWindowDefaultMS - 1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recv_window_widened_ms")
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "VERBOSE"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
}
