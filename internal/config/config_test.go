package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8300, cfg.Server.Port)
	assert.Equal(t, "auto", cfg.Node.Mode)
	assert.Equal(t, 30, cfg.Peer.SyncInterval)
	assert.Equal(t, 10, cfg.Peer.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Peer.MaxFanout)
	assert.Equal(t, 3, cfg.Peer.MaxHeartbeatFailures)
	assert.Equal(t, 500, cfg.Chat.MaxMessages)
	assert.True(t, cfg.Discovery.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshd.yaml")
	data := []byte("node:\n  mode: relay\n  primary_server: http://hub:8300\npeer:\n  sync_interval: 5\n")
	require.NoError(t, os.WriteFile(path, data, 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "relay", cfg.Node.Mode)
	assert.Equal(t, "http://hub:8300", cfg.Node.PrimaryServer)
	assert.Equal(t, 5, cfg.Peer.SyncInterval)
	// untouched keys keep defaults
	assert.Equal(t, 10, cfg.Peer.HeartbeatInterval)
	assert.Equal(t, 8300, cfg.Server.Port)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	env := []string{
		"MESHD_SERVER__PORT=9000",
		"MESHD_NODE__CONNECTABLE=true",
		"MESHD_PEER__SYNC_INTERVAL=7",
		"MESHD_UNRELATED__KEY=ignored",
		"PATH=/usr/bin",
	}
	require.NoError(t, cfg.applyEnv(env))

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.True(t, cfg.Node.Connectable)
	assert.Equal(t, 7, cfg.Peer.SyncInterval)
}

func TestEnvBadValue(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv([]string{"MESHD_SERVER__PORT=not-a-number"})
	require.Error(t, err)
}

func TestSetUnknownKey(t *testing.T) {
	cfg := Default()
	err := cfg.Set("nonsense.key", "1")
	assert.ErrorIs(t, err, errUnknownKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Node.Mode = "hub" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero interval", func(c *Config) { c.Peer.SyncInterval = 0 }},
		{"zero fanout", func(c *Config) { c.Peer.MaxFanout = 0 }},
		{"zero chat cap", func(c *Config) { c.Chat.MaxMessages = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRedacted(t *testing.T) {
	cfg := Default()
	cfg.Security.AdminPassword = "hunter2"

	red := cfg.Redacted()
	assert.Equal(t, "[redacted]", red.Security.AdminPassword)
	assert.Equal(t, "hunter2", cfg.Security.AdminPassword)
}
