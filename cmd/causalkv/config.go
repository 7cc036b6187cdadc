package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-yaml"
)

// Config is the node configuration file. TOML and YAML are accepted.
type Config struct {
	ReplicaID      string        `toml:"replica_id" yaml:"replica_id"`
	Partition      string        `toml:"partition" yaml:"partition"`
	Namespace      string        `toml:"namespace" yaml:"namespace"`
	BindAddr       string        `toml:"bind_addr" yaml:"bind_addr"`
	Seeds          []string      `toml:"seeds" yaml:"seeds"`
	Discovery      bool          `toml:"discovery" yaml:"discovery"`
	GossipInterval time.Duration `toml:"gossip_interval" yaml:"gossip_interval"`
	DataDir        string        `toml:"data_dir" yaml:"data_dir"`
	HTTPAddr       string        `toml:"http_addr" yaml:"http_addr"`
	Log            LogConfig     `toml:"log" yaml:"log"`
}

type LogConfig struct {
	Level       string `toml:"level" yaml:"level"`
	Development bool   `toml:"development" yaml:"development"`
}

func defaultConfig() Config {
	return Config{
		Partition:      "default",
		Namespace:      "causalkv",
		BindAddr:       "127.0.0.1:7946",
		Discovery:      true,
		GossipInterval: 2 * time.Second,
		HTTPAddr:       "127.0.0.1:8080",
		Log:            LogConfig{Level: "info"},
	}
}

// loadConfig reads path over the defaults. The format follows the extension.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format %q", ext)
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Partition == "" {
		return fmt.Errorf("partition is required")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http addr is required")
	}
	if c.GossipInterval <= 0 {
		return fmt.Errorf("gossip interval must be positive")
	}
	return nil
}
