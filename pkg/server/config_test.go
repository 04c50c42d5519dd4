package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 12345, config.Server.TCPPort)
	assert.Equal(t, 12380, config.Server.HTTPPort)
	assert.Equal(t, 50, config.Limits.MaxSessions)

	// The default file lands on disk and parses back identically.
	_, err = os.Stat(path)
	require.NoError(t, err)
	reloaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.Server, reloaded.Server)
	assert.Equal(t, config.Limits, reloaded.Limits)
}

func TestLoadConfigPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
tcp_port = 9000

[users]
[[users.seed_users]]
username = "alice"
password = "secret"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, config.Server.TCPPort)
	require.Len(t, config.Users.SeedUsers, 1)
	assert.Equal(t, "alice", config.Users.SeedUsers[0].Username)

	// Unset values fall back to defaults on conversion.
	resolved := config.ToServerConfig()
	assert.Equal(t, 9000, resolved.TCPPort)
	assert.Equal(t, 12380, resolved.HTTPPort)
	assert.Equal(t, 4096, resolved.MaxMessageLength)
	assert.Equal(t, 32, resolved.NotifyBuffer)
}

func TestLoadConfigInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	require.NoError(t, os.WriteFile(path, []byte("this is { not toml"), 0644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestToServerConfigDefaults(t *testing.T) {
	var empty TOMLConfig
	assert.Equal(t, DefaultConfig(), empty.ToServerConfig())
}
