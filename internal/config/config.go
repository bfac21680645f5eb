// Package config loads meshd configuration: compiled-in defaults,
// overlaid by an optional YAML file, overlaid by MESHD_* environment
// variables. Nesting in the environment uses double underscores,
// e.g. MESHD_PEER__SYNC_INTERVAL=15.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix marks environment variables that override config keys
const EnvPrefix = "MESHD_"

// ServerConfig is the HTTP listener configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// NodeConfig describes this node's identity and role hints
type NodeConfig struct {
	ID            string `yaml:"id"`             // assigned on first boot when empty
	Name          string `yaml:"name"`           // display name, defaults to hostname
	Mode          string `yaml:"mode"`           // full, relay or auto
	Connectable   bool   `yaml:"connectable"`    // reachable from outside the LAN
	PublicURL     string `yaml:"public_url"`     // advertised base URL when connectable
	PrimaryServer string `yaml:"primary_server"` // hub URL a relay heartbeats to
}

// PeerConfig tunes the sync engine. Intervals are in seconds.
type PeerConfig struct {
	SyncInterval         int `yaml:"sync_interval"`
	HeartbeatInterval    int `yaml:"heartbeat_interval"`
	Timeout              int `yaml:"timeout"`
	MaxFanout            int `yaml:"max_fanout"`
	MaxHeartbeatFailures int `yaml:"max_heartbeat_failures"`
}

// ChatConfig tunes the replicated chat list
type ChatConfig struct {
	MaxMessages int `yaml:"max_messages"`
}

// DiscoveryConfig gates LAN peer discovery
type DiscoveryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SecurityConfig covers the admin account and command execution
type SecurityConfig struct {
	AdminUser        string   `yaml:"admin_user"`
	AdminPassword    string   `yaml:"admin_password"` // generated and logged once when empty
	SessionTTLHours  int      `yaml:"session_ttl_hours"`
	CommandBlacklist []string `yaml:"command_blacklist"`
}

// IdentityConfig controls how the private key is persisted
type IdentityConfig struct {
	Encrypted bool `yaml:"encrypted"` // passphrase-protect the identity key
}

// LoggingConfig controls the structured logger
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

// Config is the root configuration
type Config struct {
	DataDir   string          `yaml:"data_dir"`
	Server    ServerConfig    `yaml:"server"`
	Node      NodeConfig      `yaml:"node"`
	Peer      PeerConfig      `yaml:"peer"`
	Chat      ChatConfig      `yaml:"chat"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Security  SecurityConfig  `yaml:"security"`
	Identity  IdentityConfig  `yaml:"identity"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns the compiled-in configuration
func Default() *Config {
	return &Config{
		DataDir: "data",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8300,
		},
		Node: NodeConfig{
			Mode: "auto",
		},
		Peer: PeerConfig{
			SyncInterval:         30,
			HeartbeatInterval:    10,
			Timeout:              10,
			MaxFanout:            3,
			MaxHeartbeatFailures: 3,
		},
		Chat: ChatConfig{
			MaxMessages: 500,
		},
		Discovery: DiscoveryConfig{
			Enabled: true,
		},
		Security: SecurityConfig{
			AdminUser:       "admin",
			SessionTTLHours: 24,
			CommandBlacklist: []string{
				"rm -rf /",
				"mkfs",
				"dd if=/dev/zero",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file
// at path, and the process environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			// unmarshal into the pre-filled struct so absent keys
			// keep their defaults
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays MESHD_* variables. Unknown keys are skipped so
// unrelated variables sharing the prefix don't break startup.
func (c *Config) applyEnv(environ []string) error {
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		name, value := kv[len(EnvPrefix):eq], kv[eq+1:]
		key := strings.ToLower(strings.ReplaceAll(name, "__", "."))
		if err := c.Set(key, value); err != nil {
			if err == errUnknownKey {
				continue
			}
			return fmt.Errorf("environment %s%s: %w", EnvPrefix, name, err)
		}
	}
	return nil
}

var errUnknownKey = fmt.Errorf("unknown config key")

// Set assigns a dotted key from its string form. Used for environment
// overrides and for the runtime config API.
func (c *Config) Set(key, value string) error {
	switch key {
	case "data_dir":
		c.DataDir = value
	case "server.host":
		c.Server.Host = value
	case "server.port":
		return setInt(&c.Server.Port, value)
	case "node.id":
		c.Node.ID = value
	case "node.name":
		c.Node.Name = value
	case "node.mode":
		c.Node.Mode = value
	case "node.connectable":
		return setBool(&c.Node.Connectable, value)
	case "node.public_url":
		c.Node.PublicURL = value
	case "node.primary_server":
		c.Node.PrimaryServer = value
	case "peer.sync_interval":
		return setInt(&c.Peer.SyncInterval, value)
	case "peer.heartbeat_interval":
		return setInt(&c.Peer.HeartbeatInterval, value)
	case "peer.timeout":
		return setInt(&c.Peer.Timeout, value)
	case "peer.max_fanout":
		return setInt(&c.Peer.MaxFanout, value)
	case "peer.max_heartbeat_failures":
		return setInt(&c.Peer.MaxHeartbeatFailures, value)
	case "chat.max_messages":
		return setInt(&c.Chat.MaxMessages, value)
	case "discovery.enabled":
		return setBool(&c.Discovery.Enabled, value)
	case "security.admin_user":
		c.Security.AdminUser = value
	case "security.admin_password":
		c.Security.AdminPassword = value
	case "security.session_ttl_hours":
		return setInt(&c.Security.SessionTTLHours, value)
	case "identity.encrypted":
		return setBool(&c.Identity.Encrypted, value)
	case "logging.level":
		c.Logging.Level = value
	case "logging.format":
		c.Logging.Format = value
	default:
		return errUnknownKey
	}
	return nil
}

func setInt(dst *int, value string) error {
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("not an integer: %q", value)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, value string) error {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("not a boolean: %q", value)
	}
	*dst = b
	return nil
}

// Validate rejects configurations the node cannot run with
func (c *Config) Validate() error {
	switch c.Node.Mode {
	case "full", "relay", "auto":
	default:
		return fmt.Errorf("node.mode must be full, relay or auto, got %q", c.Node.Mode)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Peer.SyncInterval < 1 || c.Peer.HeartbeatInterval < 1 || c.Peer.Timeout < 1 {
		return fmt.Errorf("peer intervals must be at least 1 second")
	}
	if c.Peer.MaxFanout < 1 {
		return fmt.Errorf("peer.max_fanout must be at least 1")
	}
	if c.Peer.MaxHeartbeatFailures < 1 {
		return fmt.Errorf("peer.max_heartbeat_failures must be at least 1")
	}
	if c.Chat.MaxMessages < 1 {
		return fmt.Errorf("chat.max_messages must be at least 1")
	}
	return nil
}

// SyncInterval returns peer.sync_interval as a duration
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Peer.SyncInterval) * time.Second
}

// HeartbeatInterval returns peer.heartbeat_interval as a duration
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Peer.HeartbeatInterval) * time.Second
}

// PeerTimeout returns peer.timeout as a duration
func (c *Config) PeerTimeout() time.Duration {
	return time.Duration(c.Peer.Timeout) * time.Second
}

// SessionTTL returns the admin session lifetime
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Security.SessionTTLHours) * time.Hour
}

// NodeName returns the configured display name, falling back to the
// hostname
func (c *Config) NodeName() string {
	if c.Node.Name != "" {
		return c.Node.Name
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "meshd-node"
	}
	return hostname
}

// Redacted returns a copy safe to expose over the API
func (c *Config) Redacted() *Config {
	out := *c
	if out.Security.AdminPassword != "" {
		out.Security.AdminPassword = "[redacted]"
	}
	return &out
}
