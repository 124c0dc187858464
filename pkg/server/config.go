package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInvalidPort is wrapped by every port parsing failure
var ErrInvalidPort = errors.New("invalid port")

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
}

type ServerSection struct {
	Host        string `toml:"host"`
	TCPPort     int    `toml:"tcp_port"`
	WSPort      int    `toml:"ws_port"`
	MetricsPort int    `toml:"metrics_port"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host        string
	TCPPort     int // 0 picks a free port
	WSPort      int // WebSocket endpoint port (0 = disabled)
	MetricsPort int // /metrics and /health port (0 = disabled)
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		Host:    "0.0.0.0",
		TCPPort: 4000,
	}
}

// Addr returns the TCP listen address
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.TCPPort))
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	def := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			Host:    def.Host,
			TCPPort: def.TCPPort,
		},
	}
}

// ParsePort parses a TCP port number in the range 0-65535
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w %q: not a number", ErrInvalidPort, s)
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("%w %q: out of range", ErrInvalidPort, s)
	}
	return port, nil
}

// LoadConfig loads configuration from a TOML file and applies environment
// variable overrides. An empty path skips the file. A missing file is created
// with the defaults when possible.
func LoadConfig(path string) (TOMLConfig, error) {
	config := DefaultTOMLConfig()

	if path != "" {
		// Expand ~ in path
		if strings.HasPrefix(path, "~/") {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
			}
			path = filepath.Join(homeDir, path[2:])
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			// If we can't write, keep going with the defaults
			if err := writeDefaultConfig(path); err != nil {
				log.Warnf("Could not write default config to %s: %v", path, err)
			}
		} else if _, err := toml.DecodeFile(path, &config); err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
		}

		if err := config.validate(); err != nil {
			return TOMLConfig{}, fmt.Errorf("config file %s: %w", path, err)
		}
	}

	return applyEnvOverrides(config)
}

func (c *TOMLConfig) validate() error {
	for key, port := range map[string]int{
		"tcp_port":     c.Server.TCPPort,
		"ws_port":      c.Server.WSPort,
		"metrics_port": c.Server.MetricsPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%s: %w %d: out of range", key, ErrInvalidPort, port)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// CHAT_PORT, CHAT_HOST, CHAT_WS_PORT and CHAT_METRICS_PORT are recognised.
func applyEnvOverrides(config TOMLConfig) (TOMLConfig, error) {
	if val := os.Getenv("CHAT_HOST"); val != "" {
		config.Server.Host = val
	}

	ports := []struct {
		env    string
		target *int
	}{
		{"CHAT_PORT", &config.Server.TCPPort},
		{"CHAT_WS_PORT", &config.Server.WSPort},
		{"CHAT_METRICS_PORT", &config.Server.MetricsPort},
	}
	for _, p := range ports {
		val := os.Getenv(p.env)
		if val == "" {
			continue
		}
		port, err := ParsePort(val)
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("%s: %w", p.env, err)
		}
		*p.target = port
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file with all options documented
func writeDefaultConfig(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# linechat server configuration
# This file was auto-generated with default values.
#
# Environment variables override these settings:
#   CHAT_HOST, CHAT_PORT, CHAT_WS_PORT, CHAT_METRICS_PORT
# A port given on the command line overrides both.

[server]
# Address to listen on
host = "0.0.0.0"

# Port for the line protocol over plain TCP
tcp_port = 4000

# Port for the same protocol over WebSocket (/ws). 0 disables it.
ws_port = 0

# Port for /metrics and /health. Keep it internal. 0 disables it.
metrics_port = 0
`

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if strings.TrimSpace(c.Server.Host) != "" {
		cfg.Host = c.Server.Host
	}
	cfg.TCPPort = c.Server.TCPPort
	cfg.WSPort = c.Server.WSPort
	cfg.MetricsPort = c.Server.MetricsPort

	return cfg
}
