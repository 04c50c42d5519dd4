package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// ServerConfig holds the resolved server configuration.
type ServerConfig struct {
	TCPPort          int
	HTTPPort         int
	MaxSessions      int
	MaxMessageLength int
	NotifyBuffer     int
}

// DefaultConfig returns default server configuration.
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:          12345,
		HTTPPort:         12380,
		MaxSessions:      50,
		MaxMessageLength: 4096,
		NotifyBuffer:     32,
	}
}

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
	Users  UsersSection  `toml:"users"`
}

type ServerSection struct {
	TCPPort  int `toml:"tcp_port"`
	HTTPPort int `toml:"http_port"`
}

type LimitsSection struct {
	MaxSessions      int `toml:"max_sessions"`
	MaxMessageLength int `toml:"max_message_length"`
	NotifyBuffer     int `toml:"notify_buffer"`
}

type UsersSection struct {
	SeedUsers []SeedUser `toml:"seed_users"`
}

// SeedUser is a demo account registered at startup.
type SeedUser struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// DefaultTOMLConfig returns the default TOML configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:  12345,
			HTTPPort: 12380,
		},
		Limits: LimitsSection{
			MaxSessions:      50,
			MaxMessageLength: 4096,
			NotifyBuffer:     32,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating a default
// file if none exists.
func LoadConfig(path string) (TOMLConfig, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Could not write (permissions, read-only fs); run with
			// defaults anyway.
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file.
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Quillmail Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig, filling in
// defaults for unset values.
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Limits.MaxSessions != 0 {
		cfg.MaxSessions = c.Limits.MaxSessions
	}
	if c.Limits.MaxMessageLength != 0 {
		cfg.MaxMessageLength = c.Limits.MaxMessageLength
	}
	if c.Limits.NotifyBuffer != 0 {
		cfg.NotifyBuffer = c.Limits.NotifyBuffer
	}

	return cfg
}
