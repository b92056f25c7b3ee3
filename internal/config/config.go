// Package config loads server and client configuration via viper, covering
// every option spec.md §6 names plus the handful of tuning knobs spec.md §5
// gives concrete defaults for.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// PeerConfig is one entry of the replication peer list.
type PeerConfig struct {
	ID              string `mapstructure:"id"`
	Host            string `mapstructure:"host"`
	ReplicationPort int    `mapstructure:"replication_port"`
}

// ServerConfig is a chat server replica's full configuration.
type ServerConfig struct {
	Host            string       `mapstructure:"host"`
	Port            int          `mapstructure:"port"`
	ReplicationPort int          `mapstructure:"replication_port"`
	DataDir         string       `mapstructure:"data_dir"`
	Peers           []PeerConfig `mapstructure:"peers"`
	CustomMode      bool         `mapstructure:"custom_mode"`
	Primary         bool         `mapstructure:"primary"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ElectionTimeout   time.Duration `mapstructure:"election_timeout"`
	ElectionWait      time.Duration `mapstructure:"election_wait"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	AckTimeout        time.Duration `mapstructure:"ack_timeout"`
}

// ClientConfig is a chat client's full configuration.
type ClientConfig struct {
	Servers    []string `mapstructure:"servers"`
	CustomMode bool     `mapstructure:"custom_mode"`
}

// LoadServer reads server configuration from spec.md §5/§6 defaults, an
// optional config file, and the environment (prefixed CHATCLUSTER_), in that
// order of increasing precedence.
func LoadServer(configPath string) (ServerConfig, error) {
	v := viper.New()

	v.SetDefault("host", "localhost")
	v.SetDefault("port", 5000)
	v.SetDefault("replication_port", 5500)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("peers", []PeerConfig{})
	v.SetDefault("custom_mode", false)
	v.SetDefault("primary", false)

	v.SetDefault("heartbeat_interval", time.Second)
	v.SetDefault("election_timeout", 3*time.Second)
	v.SetDefault("election_wait", time.Second)
	v.SetDefault("sync_interval", 60*time.Second)
	v.SetDefault("ack_timeout", time.Second)

	v.SetConfigName("chatcluster")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix("CHATCLUSTER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return ServerConfig{}, fmt.Errorf("config: read server config: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("config: unmarshal server config: %w", err)
	}
	return cfg, nil
}

// LoadClient reads client configuration the same way LoadServer does.
func LoadClient(configPath string) (ClientConfig, error) {
	v := viper.New()

	v.SetDefault("servers", []string{"localhost:5000"})
	v.SetDefault("custom_mode", false)

	v.SetConfigName("chatclient")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	v.SetEnvPrefix("CHATCLUSTER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return ClientConfig{}, fmt.Errorf("config: read client config: %w", err)
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config: unmarshal client config: %w", err)
	}
	return cfg, nil
}
