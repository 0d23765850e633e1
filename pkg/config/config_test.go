package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, 256, cfg.MaxClients)
	assert.Equal(t, "/orders", cfg.Orders.Endpoint)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orders:
  listen_address: ":4000"
  backend_address: "10.0.0.5:9001"
  reconnect_base_delay: 2s
market_data:
  group_address: "239.1.2.3:31000"
max_clients: 16
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":4000", cfg.Orders.ListenAddress)
	assert.Equal(t, "10.0.0.5:9001", cfg.Orders.BackendAddress)
	assert.Equal(t, 2*time.Second, cfg.Orders.ReconnectBaseDelay.Std())
	assert.Equal(t, "239.1.2.3:31000", cfg.MarketData.GroupAddress)
	assert.Equal(t, 16, cfg.MaxClients)

	// Untouched keys keep their defaults.
	assert.Equal(t, "/orders", cfg.Orders.Endpoint)
	assert.Equal(t, ":3001", cfg.MarketData.ListenAddress)
}

func TestLoadMissingFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
