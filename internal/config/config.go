// Package config handles configuration loading and validation for
// filemesh nodes.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// BroadcastConfig tunes the inbound broadcast rate limiter.
type BroadcastConfig struct {
	RateLimit int `yaml:"rate_limit"` // inbound messages per second (default: 1000)
	RateBurst int `yaml:"rate_burst"` // burst allowance (default: 100)
}

// Config holds the configuration for one filemesh node.
type Config struct {
	NodeID        string          `yaml:"node_id"`        // defaults to the hostname
	DataDir       string          `yaml:"data_dir"`       // local segment files and progress bookkeeping
	StorageDir    string          `yaml:"storage_dir"`    // durable object storage root
	Listen        string          `yaml:"listen"`         // API listen address
	AuthToken     string          `yaml:"auth_token"`     // bearer token for API and peer broadcasts (optional)
	MetricsListen string          `yaml:"metrics_listen"` // Prometheus listen address (empty = disabled)
	Peers         []string        `yaml:"peers"`          // peer base URLs to broadcast to
	Broadcast     BroadcastConfig `yaml:"broadcast"`
	LogLevel      string          `yaml:"log_level"`
}

// Load reads a node configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills in unset fields.
func (c *Config) ApplyDefaults() {
	if c.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeID = host
		} else {
			c.NodeID = "filemesh"
		}
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.StorageDir == "" {
		c.StorageDir = "./data/storage"
	}
	if c.Listen == "" {
		c.Listen = ":8480"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Broadcast.RateLimit < 0 {
		return fmt.Errorf("broadcast.rate_limit must not be negative")
	}
	if c.Broadcast.RateBurst < 0 {
		return fmt.Errorf("broadcast.rate_burst must not be negative")
	}
	for _, peer := range c.Peers {
		if peer == "" {
			return fmt.Errorf("peers must not contain empty entries")
		}
	}
	return nil
}
