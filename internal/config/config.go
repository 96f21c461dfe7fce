// Package config loads coordinator and storage node settings.
//
// Values come from an optional YAML file and can be overridden with VEIL_*
// environment variables (VEIL_LISTEN, VEIL_NODE_TIMEOUT, ...). Configuration
// is loaded once at start-up and passed explicitly to every component.
package config

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dreamware/veil/internal/share"
)

// EnvPrefix is the prefix for environment overrides.
const EnvPrefix = "VEIL"

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// NodeConfig is one entry of the coordinator's static node roster.
type NodeConfig struct {
	ID     string `mapstructure:"id"`
	Addr   string `mapstructure:"addr"`
	Secret string `mapstructure:"secret"`
}

// Config is the coordinator configuration.
type Config struct {
	Listen         string        `mapstructure:"listen"`
	LogLevel       string        `mapstructure:"log_level"`
	Issuer         string        `mapstructure:"issuer"`
	Nodes          []NodeConfig  `mapstructure:"nodes"`
	Modulus        uint64        `mapstructure:"modulus"`
	NodeTimeout    time.Duration `mapstructure:"node_timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// NodeServer is the configuration of one storage node process.
type NodeServer struct {
	ID        string `mapstructure:"id"`
	Listen    string `mapstructure:"listen"`
	Secret    string `mapstructure:"secret"`
	Issuer    string `mapstructure:"issuer"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	LogLevel  string `mapstructure:"log_level"`
}

// Secrets returns the node ID to token secret map of the roster.
func (c *Config) Secrets() map[string]string {
	out := make(map[string]string, len(c.Nodes))
	for _, n := range c.Nodes {
		out[n.ID] = n.Secret
	}
	return out
}

// Validate checks the coordinator configuration.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen must be set", ErrInvalidConfig)
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("%w: at least one node is required", ErrInvalidConfig)
	}
	if c.Modulus < 2 {
		return fmt.Errorf("%w: modulus must be at least 2", ErrInvalidConfig)
	}
	if c.Modulus > share.MaxModulus {
		return fmt.Errorf("%w: modulus must not exceed %d", ErrInvalidConfig, share.MaxModulus)
	}
	if c.NodeTimeout <= 0 {
		return fmt.Errorf("%w: node_timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("%w: max_concurrency must be positive", ErrInvalidConfig)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("%w: token_ttl must be positive", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.ID == "" || n.Addr == "" || n.Secret == "" {
			return fmt.Errorf("%w: node %d needs id, addr and secret", ErrInvalidConfig, i)
		}
		if seen[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrInvalidConfig, n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}

// Validate checks the node configuration.
func (n *NodeServer) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("%w: id must be set", ErrInvalidConfig)
	}
	if n.Listen == "" {
		return fmt.Errorf("%w: listen must be set", ErrInvalidConfig)
	}
	if n.Secret == "" {
		return fmt.Errorf("%w: secret must be set", ErrInvalidConfig)
	}
	return nil
}

// LoadCoordinator reads the coordinator configuration from pathFile (may be
// empty) and the environment.
func LoadCoordinator(pathFile string) (*Config, error) {
	v := newViper()
	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("issuer", "veil-coordinator")
	v.SetDefault("modulus", uint64(1<<32+15))
	v.SetDefault("node_timeout", 5*time.Second)
	v.SetDefault("max_concurrency", 8)
	v.SetDefault("token_ttl", 30*time.Second)
	v.SetDefault("health_interval", 5*time.Second)
	v.SetDefault("nodes", []NodeConfig{})

	if err := readFile(v, pathFile); err != nil {
		return nil, err
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadNode reads a storage node configuration from pathFile (may be empty)
// and the environment.
func LoadNode(pathFile string) (*NodeServer, error) {
	v := newViper()
	v.SetDefault("id", "")
	v.SetDefault("listen", ":8081")
	v.SetDefault("secret", "")
	v.SetDefault("issuer", "veil-coordinator")
	v.SetDefault("redis_addr", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("log_level", "info")

	if err := readFile(v, pathFile); err != nil {
		return nil, err
	}
	var cfg NodeServer
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readFile(v *viper.Viper, pathFile string) error {
	if pathFile == "" {
		return nil
	}
	filename := path.Base(pathFile)
	v.AddConfigPath(path.Dir(pathFile))
	v.SetConfigName(filename[:len(filename)-len(path.Ext(filename))])
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", pathFile, err)
	}
	return nil
}
