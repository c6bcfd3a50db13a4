// Package config loads the agent's YAML configuration file, in the format
// the teacher's own loader used for its client config.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PortMapping is one static tunnel-to-local-port mapping used when the
// account-API-driven origin resolution is bypassed.
type PortMapping struct {
	TunnelID  uint64 `yaml:"tunnel_id"`
	Proto     string `yaml:"proto"`
	LocalIP   string `yaml:"local_ip"`
	LocalPort uint16 `yaml:"local_port"`
	PortCount uint16 `yaml:"port_count"`
}

// Config is the struct the core consumes, per spec.md §6.4.
type Config struct {
	SecretKey string `yaml:"secret_key"`
	APIURL    string `yaml:"api_url"`

	ControlHost string `yaml:"control_host"`
	DataDir     string `yaml:"data_dir"`
	LogLevel    string `yaml:"log_level"`

	SpecialLAN   bool          `yaml:"special_lan"`
	TCPNoDelay   *bool         `yaml:"tcp_no_delay"`
	PortMappings []PortMapping `yaml:"port_mappings"`

	MetricsAddr string `yaml:"metrics_addr"`

	// PushURL, if set, points the optional low-priority rundata push
	// channel at a websocket endpoint on the account API. Leaving it empty
	// disables the push channel; polling alone remains authoritative.
	PushURL string `yaml:"push_url"`
}

// ErrInvalidSecretKey reports a secret_key that is not lowercase hex of
// even length, per spec.md §6.4's invariant.
var ErrInvalidSecretKey = fmt.Errorf("config: secret_key must be lowercase hex of even length")

// Load reads and validates a config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the invariants the core requires before it will start.
func (c *Config) Validate() error {
	if len(c.SecretKey)%2 != 0 {
		return ErrInvalidSecretKey
	}
	if _, err := hex.DecodeString(c.SecretKey); err != nil {
		return ErrInvalidSecretKey
	}
	for _, b := range c.SecretKey {
		if b >= 'A' && b <= 'F' {
			return ErrInvalidSecretKey
		}
	}
	return nil
}

// TCPNoDelayOrDefault returns the configured TCP_NODELAY setting, defaulting
// to true per spec.md §4.9.
func (c *Config) TCPNoDelayOrDefault() bool {
	if c.TCPNoDelay == nil {
		return true
	}
	return *c.TCPNoDelay
}
