// Package config handles configuration loading, validation and hot reload
// for the overseer and relay daemons.
package config

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/ismaelgtc-ship-it/relay/internal/vault"
)

// MasterKeyEnv names the environment variable holding the hex-encoded
// 32-byte key that opens sealed ("enc:") secrets.
const MasterKeyEnv = "RELAY_MASTER_KEY"

// Config holds the complete daemon configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" json:"server" yaml:"server"`
	Auth     AuthConfig     `toml:"auth" json:"auth" yaml:"auth"`
	Storage  StorageConfig  `toml:"storage" json:"storage" yaml:"storage"`
	Registry RegistryConfig `toml:"registry" json:"registry" yaml:"registry"`
	Snapshot SnapshotConfig `toml:"snapshot" json:"snapshot" yaml:"snapshot"`
	Gateway  GatewayConfig  `toml:"gateway" json:"gateway" yaml:"gateway"`
	Logging  LoggingConfig  `toml:"logging" json:"logging" yaml:"logging"`
}

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	HTTPAddr string `toml:"http_addr" json:"http_addr" yaml:"http_addr"`
	// TCPAddr is the internal line-protocol listener (overseerd only).
	TCPAddr string `toml:"tcp_addr" json:"tcp_addr" yaml:"tcp_addr"`
	// TLS wraps the TCP listener with a self-signed certificate.
	TLS      bool     `toml:"tls" json:"tls" yaml:"tls"`
	TLSHosts []string `toml:"tls_hosts" json:"tls_hosts" yaml:"tls_hosts"`
}

// AuthConfig holds the shared secrets of each trust tier. An empty key
// disables its tier.
type AuthConfig struct {
	DashboardKey string `toml:"dashboard_key" json:"dashboard_key" yaml:"dashboard_key"`
	InternalKey  string `toml:"internal_key" json:"internal_key" yaml:"internal_key"`
	SnapshotKey  string `toml:"snapshot_key" json:"snapshot_key" yaml:"snapshot_key"`
}

// StorageConfig selects the record store backend.
type StorageConfig struct {
	// Type is "memory", "json" or "sqlite".
	Type      string   `toml:"type" json:"type" yaml:"type"`
	DataDir   string   `toml:"data_dir" json:"data_dir" yaml:"data_dir"`
	OpTimeout Duration `toml:"op_timeout" json:"op_timeout" yaml:"op_timeout"`
}

// RegistryConfig tunes the service registry.
type RegistryConfig struct {
	LivenessWindow Duration `toml:"liveness_window" json:"liveness_window" yaml:"liveness_window"`
}

// SnapshotConfig drives the snapshot scheduler (relayd only).
type SnapshotConfig struct {
	Enabled        bool         `toml:"enabled" json:"enabled" yaml:"enabled"`
	Interval       Duration     `toml:"interval" json:"interval" yaml:"interval"`
	InitialDelay   Duration     `toml:"initial_delay" json:"initial_delay" yaml:"initial_delay"`
	CaptureTimeout Duration     `toml:"capture_timeout" json:"capture_timeout" yaml:"capture_timeout"`
	Subjects       []string     `toml:"subjects" json:"subjects" yaml:"subjects"`
	Source         SourceConfig `toml:"source" json:"source" yaml:"source"`
}

// SourceConfig selects where snapshots are captured from.
type SourceConfig struct {
	// Type is "http" or "file".
	Type     string `toml:"type" json:"type" yaml:"type"`
	URL      string `toml:"url" json:"url" yaml:"url"`
	Token    string `toml:"token" json:"token" yaml:"token"`
	Path     string `toml:"path" json:"path" yaml:"path"`
	PageSize int    `toml:"page_size" json:"page_size" yaml:"page_size"`
}

// GatewayConfig tells a dependent service how to reach the authority.
type GatewayConfig struct {
	// Addr is the authority TCP address; empty runs standalone.
	Addr              string   `toml:"addr" json:"addr" yaml:"addr"`
	Key               string   `toml:"key" json:"key" yaml:"key"`
	TLS               bool     `toml:"tls" json:"tls" yaml:"tls"`
	TLSSkipVerify     bool     `toml:"tls_skip_verify" json:"tls_skip_verify" yaml:"tls_skip_verify"`
	Service           string   `toml:"service" json:"service" yaml:"service"`
	Version           string   `toml:"version" json:"version" yaml:"version"`
	HeartbeatInterval Duration `toml:"heartbeat_interval" json:"heartbeat_interval" yaml:"heartbeat_interval"`
	RefreshInterval   Duration `toml:"refresh_interval" json:"refresh_interval" yaml:"refresh_interval"`
	Modules           []string `toml:"modules" json:"modules" yaml:"modules"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `toml:"level" json:"level" yaml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: ":7002",
			TCPAddr:  ":7001",
			TLS:      true,
		},
		Storage: StorageConfig{
			Type:      "sqlite",
			DataDir:   "./data",
			OpTimeout: Duration{5 * time.Second},
		},
		Registry: RegistryConfig{
			LivenessWindow: Duration{90 * time.Second},
		},
		Snapshot: SnapshotConfig{
			Enabled:        true,
			Interval:       Duration{60 * time.Second},
			InitialDelay:   Duration{2 * time.Second},
			CaptureTimeout: Duration{30 * time.Second},
			Source:         SourceConfig{Type: "http", PageSize: 100},
		},
		Gateway: GatewayConfig{
			TLS:               true,
			TLSSkipVerify:     true,
			Service:           "relay",
			Version:           "0.0.0",
			HeartbeatInterval: Duration{30 * time.Second},
			RefreshInterval:   Duration{10 * time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from path. A missing file, or an empty path,
// yields the defaults. Environment overrides and sealed secrets are applied
// before validation.
func Load(path string) (*Config, error) {
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()

	key, err := MasterKeyFromEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.OpenSecrets(key); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q (use .toml, .yaml or .json)", filepath.Ext(path))
	}
	return cfg, nil
}

// ApplyEnvOverrides applies RELAY_* environment variables. Each setting has
// exactly one variable name.
func (c *Config) ApplyEnvOverrides() {
	set := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	set("RELAY_HTTP_ADDR", &c.Server.HTTPAddr)
	set("RELAY_TCP_ADDR", &c.Server.TCPAddr)
	if os.Getenv("RELAY_DISABLE_TLS") == "true" {
		c.Server.TLS = false
		c.Gateway.TLS = false
	}

	set("RELAY_DASHBOARD_KEY", &c.Auth.DashboardKey)
	set("RELAY_INTERNAL_KEY", &c.Auth.InternalKey)
	set("RELAY_SNAPSHOT_KEY", &c.Auth.SnapshotKey)

	set("RELAY_STORAGE_TYPE", &c.Storage.Type)
	set("RELAY_DATA_DIR", &c.Storage.DataDir)

	set("RELAY_GATEWAY_ADDR", &c.Gateway.Addr)
	set("RELAY_GATEWAY_KEY", &c.Gateway.Key)

	set("RELAY_SOURCE_URL", &c.Snapshot.Source.URL)
	set("RELAY_SOURCE_TOKEN", &c.Snapshot.Source.Token)
	if v := os.Getenv("RELAY_SUBJECTS"); v != "" {
		c.Snapshot.Subjects = splitList(v)
	}

	set("RELAY_LOG_LEVEL", &c.Logging.Level)
}

// OpenSecrets decrypts every sealed secret in place.
func (c *Config) OpenSecrets(masterKey []byte) error {
	fields := []struct {
		name string
		ptr  *string
	}{
		{"auth.dashboard_key", &c.Auth.DashboardKey},
		{"auth.internal_key", &c.Auth.InternalKey},
		{"auth.snapshot_key", &c.Auth.SnapshotKey},
		{"gateway.key", &c.Gateway.Key},
		{"snapshot.source.token", &c.Snapshot.Source.Token},
	}
	for _, f := range fields {
		v, err := vault.Open(*f.ptr, masterKey)
		if err != nil {
			return fmt.Errorf("open %s: %w", f.name, err)
		}
		*f.ptr = v
	}
	return nil
}

// MasterKeyFromEnv decodes the master key, if set.
func MasterKeyFromEnv() ([]byte, error) {
	v := os.Getenv(MasterKeyEnv)
	if v == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MasterKeyEnv, err)
	}
	if len(key) != 32 {
		return nil, errors.New(MasterKeyEnv + " must encode 32 bytes")
	}
	return key, nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.TLSHosts = append([]string(nil), c.Server.TLSHosts...)
	clone.Snapshot.Subjects = append([]string(nil), c.Snapshot.Subjects...)
	clone.Gateway.Modules = append([]string(nil), c.Gateway.Modules...)
	return &clone
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
