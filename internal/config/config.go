package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Peers     []PeerConfig    `mapstructure:"peers"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
}

type NodeConfig struct {
	ID       string `mapstructure:"id"`
	Seed     string `mapstructure:"seed"`
	BindAddr string `mapstructure:"bind_addr"`
	DataDir  string `mapstructure:"data_dir"`
}

// PeerConfig describes one remote participant: its identity, the
// verification key establishing the secure channel, and where to reach
// it on the wire.
type PeerConfig struct {
	ID     string `mapstructure:"id"`
	Verkey string `mapstructure:"verkey"`
	Addr   string `mapstructure:"addr"`
}

type ConsensusConfig struct {
	Timeout string `mapstructure:"timeout"`
}

type AlertsConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	SlackWebhook string `mapstructure:"slack_webhook"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	for _, key := range v.AllKeys() {
		val := v.GetString(key)
		if expanded := os.ExpandEnv(val); expanded != val {
			v.Set(key, expanded)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.BindAddr == "" {
		return fmt.Errorf("node.bind_addr is required")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir is required")
	}

	seen := make(map[string]bool, len(c.Peers))
	for i, peer := range c.Peers {
		if peer.ID == "" {
			return fmt.Errorf("peers[%d].id is required", i)
		}
		if peer.ID == c.Node.ID {
			return fmt.Errorf("peers[%d].id duplicates the local node id", i)
		}
		if seen[peer.ID] {
			return fmt.Errorf("duplicate peer id: %s", peer.ID)
		}
		seen[peer.ID] = true
		if peer.Verkey == "" {
			return fmt.Errorf("peers[%d].verkey is required", i)
		}
		if peer.Addr == "" {
			return fmt.Errorf("peers[%d].addr is required", i)
		}
	}

	if c.Consensus.Timeout != "" {
		if _, err := time.ParseDuration(c.Consensus.Timeout); err != nil {
			return fmt.Errorf("invalid consensus.timeout: %w", err)
		}
	}

	return nil
}

// ConsensusTimeout returns the configured protocol timeout, or zero when
// unset so the caller falls back to the transport default.
func (c *Config) ConsensusTimeout() time.Duration {
	if c.Consensus.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Consensus.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// PeerAddrs returns the wire address of every configured peer, keyed by
// participant id.
func (c *Config) PeerAddrs() map[string]string {
	out := make(map[string]string, len(c.Peers))
	for _, peer := range c.Peers {
		out[peer.ID] = peer.Addr
	}
	return out
}
