// Package config defines the configuration struct the core consumes at
// startup and on explicit reload (spec §6). The on-disk format is an INI
// file; parsing it into this struct is an external collaborator's job,
// out of scope here — this package only validates and defaults.
package config

import (
	"fmt"
	"time"

	"github.com/c2h5oh/datasize"
)

// ServerConfig is the `[server]` section.
type ServerConfig struct {
	Host   string
	Port   uint16
	UseTLS bool
}

// NetworkConfig is the `[network]` section.
type NetworkConfig struct {
	ConnectTimeout       time.Duration
	PingInterval         time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LdnConfig is the `[ldn]` section.
type LdnConfig struct {
	Enabled       bool
	Passphrase    string
	InterfaceName string
}

// DebugConfig is the `[debug]` section.
type DebugConfig struct {
	Enabled   bool
	Level     int
	LogToFile bool
}

// CtrlConfig is the `[ctrl]` section: where the standalone IPC endpoint
// (spec §4.16) listens for control-channel connections.
type CtrlConfig struct {
	Network string
	Address string
}

// Config is the full configuration struct, populated by the external INI
// parser before being passed to the core.
type Config struct {
	Server  ServerConfig
	Network NetworkConfig
	Ldn     LdnConfig
	Debug   DebugConfig
	Ctrl    CtrlConfig

	// MaxPacketSize and ProxyPayloadCap are carried in the configuration
	// only; Validate rejects a zero MaxPacketSize. The reassembler, the
	// codec and the proxy path do not read either field: they use their
	// own constants (wire.MaxPacketSize and the proxy buffer's payload cap).
	MaxPacketSize   datasize.ByteSize
	ProxyPayloadCap datasize.ByteSize
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 11452,
		},
		Network: NetworkConfig{
			ConnectTimeout:       5 * time.Second,
			PingInterval:         15 * time.Second,
			ReconnectDelay:       1 * time.Second,
			MaxReconnectAttempts: 0,
		},
		Ldn: LdnConfig{
			Enabled:       true,
			InterfaceName: "ldntunnel0",
		},
		Debug: DebugConfig{
			Level: 0,
		},
		Ctrl: CtrlConfig{
			Network: "unix",
			Address: "/tmp/ldntunneld.sock",
		},
		MaxPacketSize:   64 * datasize.KB,
		ProxyPayloadCap: 4 * datasize.KB,
	}
}

// Validate reports the first configuration problem that would prevent
// the core from starting.
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return fmt.Errorf("config: server.host must not be empty")
	}
	if c.Server.Port == 0 {
		return fmt.Errorf("config: server.port must not be zero")
	}
	if c.Debug.Level < 0 || c.Debug.Level > 3 {
		return fmt.Errorf("config: debug.level must be 0..3, got %d", c.Debug.Level)
	}
	if c.Network.ConnectTimeout <= 0 {
		return fmt.Errorf("config: network.connect_timeout_ms must be positive")
	}
	if c.Network.PingInterval <= 0 {
		return fmt.Errorf("config: network.ping_interval_ms must be positive")
	}
	if c.MaxPacketSize == 0 {
		return fmt.Errorf("config: max_packet_size must be positive")
	}
	if c.Ctrl.Network == "" || c.Ctrl.Address == "" {
		return fmt.Errorf("config: ctrl.network and ctrl.address must not be empty")
	}
	return nil
}
