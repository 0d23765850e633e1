// Package config reads the relay's startup configuration from a YAML file.
// Everything here is read once at startup; nothing reloads.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration accepts "2s"-style YAML values, which yaml.v3 will not decode
// into a bare time.Duration.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, parseErr := time.ParseDuration(raw)
	if parseErr != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, parseErr)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type OrdersConfig struct {
	ListenAddress  string `yaml:"listen_address"`
	Endpoint       string `yaml:"endpoint"`
	BackendAddress string `yaml:"backend_address"`

	ConnectTimeout       Duration `yaml:"connect_timeout"`
	ReconnectBaseDelay   Duration `yaml:"reconnect_base_delay"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts"`
	IdleClientTimeout    Duration `yaml:"idle_client_timeout"`
}

type MarketDataConfig struct {
	ListenAddress string `yaml:"listen_address"`
	Endpoint      string `yaml:"endpoint"`

	GroupAddress    string `yaml:"group_address"`
	Interface       string `yaml:"interface"`
	MaxDatagramSize int    `yaml:"max_datagram_size"`
}

type Config struct {
	Orders     OrdersConfig     `yaml:"orders"`
	MarketData MarketDataConfig `yaml:"market_data"`

	MaxClients int `yaml:"max_clients"`

	MetricsAddress string `yaml:"metrics_address"`

	AllowAllHosts    bool     `yaml:"allow_all_hosts"`
	AllowlistedHosts []string `yaml:"allowlisted_hosts"`
	DenylistedHosts  []string `yaml:"denylisted_hosts"`
}

func Default() Config {
	return Config{
		Orders: OrdersConfig{
			ListenAddress:  ":3000",
			Endpoint:       "/orders",
			BackendAddress: "127.0.0.1:9001",
		},
		MarketData: MarketDataConfig{
			ListenAddress: ":3001",
			Endpoint:      "/marketdata",
			GroupAddress:  "239.50.50.1:30004",
		},
		MaxClients:    256,
		AllowAllHosts: true,
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, readErr)
	}

	if unmarshalErr := yaml.Unmarshal(raw, &cfg); unmarshalErr != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, unmarshalErr)
	}

	return cfg, nil
}
