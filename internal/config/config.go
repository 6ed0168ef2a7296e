package config

import (
	"fmt"
	"time"
)

// Config holds daemon configuration values.
type Config struct {
	LogLevel     string                   `mapstructure:"log_level" yaml:"log_level"`
	DatabasePath string                   `mapstructure:"database_path" yaml:"database_path"`
	Networks     map[string]NetworkConfig `mapstructure:"networks" yaml:"networks"`
	Relay        RelayConfig              `mapstructure:"relay" yaml:"relay"`
	Links        []LinkConfig             `mapstructure:"links" yaml:"links"`
	Operators    []OperatorConfig         `mapstructure:"operators" yaml:"operators"`
}

// NetworkConfig describes one uplink to connect to.
type NetworkConfig struct {
	Protocol     string        `mapstructure:"protocol" yaml:"protocol"`
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	TLS          bool          `mapstructure:"tls" yaml:"tls"`
	SendPass     string        `mapstructure:"send_pass" yaml:"send_pass"`
	RecvPass     string        `mapstructure:"recv_pass" yaml:"recv_pass"`
	SID          string        `mapstructure:"sid" yaml:"sid"`
	ServerName   string        `mapstructure:"server_name" yaml:"server_name"`
	ServerDesc   string        `mapstructure:"server_desc" yaml:"server_desc"`
	PingFreq     time.Duration `mapstructure:"ping_frequency" yaml:"ping_frequency"`
	PingTimeout  time.Duration `mapstructure:"ping_timeout" yaml:"ping_timeout"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

// RelayConfig tunes the relay synchronization engine.
type RelayConfig struct {
	BotNick         string        `mapstructure:"bot_nick" yaml:"bot_nick"`
	BotIdent        string        `mapstructure:"bot_ident" yaml:"bot_ident"`
	NickSeparator   string        `mapstructure:"nick_separator" yaml:"nick_separator"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	EntryMaxAge     time.Duration `mapstructure:"entry_max_age" yaml:"entry_max_age"`
	KillFloodWindow time.Duration `mapstructure:"kill_flood_window" yaml:"kill_flood_window"`
	KillFloodLimit  int           `mapstructure:"kill_flood_limit" yaml:"kill_flood_limit"`
}

// LinkConfig seeds one relayed channel at startup.
type LinkConfig struct {
	Channel  string   `mapstructure:"channel" yaml:"channel"`
	Home     string   `mapstructure:"home" yaml:"home"`
	Networks []string `mapstructure:"networks" yaml:"networks"`
	Claim    []string `mapstructure:"claim" yaml:"claim"`
}

// OperatorConfig is one operator account; the hash is bcrypt.
type OperatorConfig struct {
	Name         string `mapstructure:"name" yaml:"name"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		LogLevel:     "info",
		DatabasePath: "interlink.db",
		Networks:     map[string]NetworkConfig{},
		Relay: RelayConfig{
			BotNick:         "RelayServ",
			BotIdent:        "relay",
			NickSeparator:   "|",
			SweepInterval:   5 * time.Minute,
			EntryMaxAge:     30 * time.Minute,
			KillFloodWindow: 30 * time.Second,
			KillFloodLimit:  5,
		},
	}
}

// Normalize fills per-network zero values with workable defaults.
func (c *Config) Normalize() {
	for name, nc := range c.Networks {
		if nc.PingFreq == 0 {
			nc.PingFreq = 90 * time.Second
		}
		if nc.PingTimeout == 0 {
			nc.PingTimeout = 3 * nc.PingFreq
		}
		if nc.ReconnectMin == 0 {
			nc.ReconnectMin = 5 * time.Second
		}
		if nc.ReconnectMax == 0 {
			nc.ReconnectMax = 5 * time.Minute
		}
		if nc.DialTimeout == 0 {
			nc.DialTimeout = 30 * time.Second
		}
		if nc.ServerDesc == "" {
			nc.ServerDesc = "interlink relay services"
		}
		c.Networks[name] = nc
	}
}

// Validate rejects configurations the registry cannot start with.
func (c *Config) Validate() error {
	for name, nc := range c.Networks {
		switch {
		case nc.Addr == "":
			return fmt.Errorf("network %s: addr is required", name)
		case nc.Protocol == "":
			return fmt.Errorf("network %s: protocol is required", name)
		case nc.SID == "":
			return fmt.Errorf("network %s: sid is required", name)
		case nc.ServerName == "":
			return fmt.Errorf("network %s: server_name is required", name)
		}
	}
	for _, l := range c.Links {
		if l.Channel == "" || l.Home == "" {
			return fmt.Errorf("link %q: channel and home are required", l.Channel)
		}
	}
	return nil
}
