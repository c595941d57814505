// Package config provides HCL configuration handling for the agent.
package config

import (
	"fmt"
	"net/url"
	"time"

	"palisade/internal/brand"
)

// Config is the root agent configuration.
type Config struct {
	LogLevel       string `hcl:"log_level,optional"`
	StateFile      string `hcl:"state_file,optional"`
	ResolverConfig string `hcl:"resolver_config,optional"`

	Controller *ControllerConfig `hcl:"controller,block"`
	DNS        *DNSConfig        `hcl:"dns,block"`
	DHCP       *DHCPConfig       `hcl:"dhcp,block"`
	LogWatch   *LogWatchConfig   `hcl:"log_watch,block"`
	Metrics    *MetricsConfig    `hcl:"metrics,block"`
}

// ControllerConfig describes the connection to the remote controller.
type ControllerConfig struct {
	URL               string `hcl:"url"`
	HeartbeatInterval int    `hcl:"heartbeat_interval,optional"` // seconds
	InsecureTLS       bool   `hcl:"insecure_tls,optional"`
}

// DNSConfig tunes the resolution cache.
type DNSConfig struct {
	MinRefreshInterval int `hcl:"min_refresh_interval,optional"` // seconds
	EvictAfterCycles   int `hcl:"evict_after_cycles,optional"`
}

// DHCPConfig configures the passive DHCP event listener.
type DHCPConfig struct {
	Enabled   bool   `hcl:"enabled,optional"`
	Interface string `hcl:"interface,optional"`
}

// LogWatchConfig configures the dnsmasq log tailer.
type LogWatchConfig struct {
	Enabled bool   `hcl:"enabled,optional"`
	Path    string `hcl:"path,optional"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Listen string `hcl:"listen,optional"`
}

// HeartbeatIntervalDuration returns the heartbeat interval as a duration.
func (c *ControllerConfig) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

// MinRefreshIntervalDuration returns the refresh floor as a duration.
func (c *DNSConfig) MinRefreshIntervalDuration() time.Duration {
	return time.Duration(c.MinRefreshInterval) * time.Second
}

// ApplyDefaults fills in zero-valued fields with defaults.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StateFile == "" {
		c.StateFile = brand.DefaultStateDir + "/" + brand.StateFileName
	}
	if c.ResolverConfig == "" {
		c.ResolverConfig = "/etc/resolv.conf"
	}
	if c.Controller != nil && c.Controller.HeartbeatInterval == 0 {
		c.Controller.HeartbeatInterval = 10
	}
	if c.DNS == nil {
		c.DNS = &DNSConfig{}
	}
	if c.DNS.MinRefreshInterval == 0 {
		c.DNS.MinRefreshInterval = 30
	}
	if c.DNS.EvictAfterCycles == 0 {
		c.DNS.EvictAfterCycles = 3
	}
	if c.LogWatch != nil && c.LogWatch.Path == "" {
		c.LogWatch.Path = "/tmp/dnsmasq.log"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}

	if c.Controller != nil {
		u, err := url.Parse(c.Controller.URL)
		if err != nil {
			return fmt.Errorf("invalid controller url: %w", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return fmt.Errorf("controller url must use ws or wss scheme, got %q", u.Scheme)
		}
		if c.Controller.HeartbeatInterval < 0 {
			return fmt.Errorf("heartbeat_interval must be positive")
		}
	}

	if c.DNS.MinRefreshInterval < 1 {
		return fmt.Errorf("dns min_refresh_interval must be at least 1 second")
	}

	if c.DHCP != nil && c.DHCP.Enabled && c.DHCP.Interface == "" {
		return fmt.Errorf("dhcp listener requires an interface")
	}

	return nil
}
