package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFillsDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	toml := `
[tcp]
listen_port = 15760

[[uart]]
path = "/dev/ttyUSB0"

[routing]
allow_uart_to_uart = true
`
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.TCP.ListenPort != 15760 {
		t.Errorf("listen_port = %d, want 15760", cfg.TCP.ListenPort)
	}
	if cfg.TCP.BindAddr != "0.0.0.0" {
		t.Errorf("bind_addr = %q, want default", cfg.TCP.BindAddr)
	}
	if len(cfg.UART) != 1 || cfg.UART[0].BaudRate != 57600 {
		t.Errorf("uart[0] baud_rate not defaulted: %+v", cfg.UART)
	}
	if !cfg.Routing.AllowUARTToUART {
		t.Errorf("allow_uart_to_uart not honored")
	}
	if !cfg.Routing.AllowTCPToTCP {
		t.Errorf("allow_tcp_to_tcp should default true")
	}
	if cfg.UARTDiscovery.DevicePattern != "/dev/ttyACM*" {
		t.Errorf("uart_discovery.device_pattern not defaulted")
	}
}

func TestExampleConfig(t *testing.T) {
	cfg := Example()
	if len(cfg.UART) != 2 {
		t.Fatalf("example config should have 2 static uarts, got %d", len(cfg.UART))
	}
	if cfg.Routing.AllowUARTToUART {
		t.Errorf("example config default should disallow uart-to-uart")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.toml"); err == nil {
		t.Fatal("expected error loading missing file")
	}
}
