// Package config loads the router's immutable startup configuration from a
// TOML file, the way the rest of the example pack reaches for
// github.com/BurntSushi/toml rather than hand-rolling a parser.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Config is the fully-resolved, immutable configuration consumed at
// startup. Every field mirrors a row of spec.md §6's configuration table.
type Config struct {
	TCP            TCPConfig           `toml:"tcp"`
	UART           []UARTConfig        `toml:"uart"`
	UARTDiscovery  UARTDiscoveryConfig `toml:"uart_discovery"`
	Routing        RoutingConfig       `toml:"routing"`
	LogLevel       string              `toml:"log_level"`
	StatsInterval  int                 `toml:"stats_interval_secs"`
	HTTPAddr       string              `toml:"http_addr"`
}

// TCPConfig configures the GCS-facing TCP listener.
type TCPConfig struct {
	ListenPort uint16 `toml:"listen_port"`
	BindAddr   string `toml:"bind_addr"`
}

// UARTConfig describes one statically-configured vehicle link.
type UARTConfig struct {
	Path     string `toml:"path"`
	BaudRate uint32 `toml:"baud_rate"`
	Name     string `toml:"name"`
}

// UARTDiscoveryConfig controls scanning for vehicle serial devices.
type UARTDiscoveryConfig struct {
	Enabled             bool   `toml:"enabled"`
	DevicePattern       string `toml:"device_pattern"`
	BaudRate            uint32 `toml:"baud_rate"`
	DetectionTimeoutSec int    `toml:"detection_timeout_secs"`
	RescanIntervalSec   int    `toml:"rescan_interval_secs"`
}

// RoutingConfig is the 2x2 policy matrix described by spec.md §3/§4.2.
type RoutingConfig struct {
	AllowUARTToUART bool `toml:"allow_uart_to_uart"`
	AllowTCPToTCP   bool `toml:"allow_tcp_to_tcp"`
	AllowUARTToTCP  bool `toml:"allow_uart_to_tcp"`
	AllowTCPToUART  bool `toml:"allow_tcp_to_uart"`
}

func defaults() Config {
	return Config{
		TCP: TCPConfig{
			ListenPort: 5760,
			BindAddr:   "0.0.0.0",
		},
		UARTDiscovery: UARTDiscoveryConfig{
			Enabled:             false,
			DevicePattern:       "/dev/ttyACM*",
			BaudRate:            57600,
			DetectionTimeoutSec: 5,
			RescanIntervalSec:   30,
		},
		Routing: RoutingConfig{
			AllowUARTToUART: false,
			AllowTCPToTCP:   true,
			AllowUARTToTCP:  true,
			AllowTCPToUART:  true,
		},
		LogLevel:      "info",
		StatsInterval: 30,
		HTTPAddr:      "127.0.0.1:9113",
	}
}

// Example returns the built-in configuration used when no config path is
// given on the command line (spec.md §6).
func Example() Config {
	cfg := defaults()
	cfg.UART = []UARTConfig{
		{Path: "/dev/ttyUSB0", BaudRate: 57600, Name: "Drone 1"},
		{Path: "/dev/ttyUSB1", BaudRate: 57600, Name: "Drone 2"},
	}
	return cfg
}

// Load reads and parses the TOML file at path, filling in defaults for any
// key the file omits.
func Load(path string) (Config, error) {
	cfg := defaults()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: failed to load %s: %w", path, err)
	}

	for i := range cfg.UART {
		if cfg.UART[i].BaudRate == 0 {
			cfg.UART[i].BaudRate = 57600
		}
	}

	return cfg, nil
}
