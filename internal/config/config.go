// Package config handles configuration loading and validation for ipfilter.
package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/ipfilter/internal/ipfilter"
)

// ControlConfig holds configuration for the control socket.
type ControlConfig struct {
	Socket string `yaml:"socket"`
}

// MetricsConfig holds configuration for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// ResolverConfig holds configuration for tracker host resolution.
type ResolverConfig struct {
	Nameserver string `yaml:"nameserver"` // Empty uses the system resolver
	Timeout    string `yaml:"timeout"`    // Duration string, e.g. "5s"
}

// TimeoutDuration returns the parsed query timeout.
func (c ResolverConfig) TimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0
	}
	return d
}

// RuleConfig is one static filter rule.
type RuleConfig struct {
	Range  string `yaml:"range"`  // "a-b", single address or CIDR
	Access string `yaml:"access"` // "allowed" or "blocked"
}

// Parse converts the rule into a filter range.
func (r RuleConfig) Parse() (ipfilter.Range, error) {
	access, err := ipfilter.ParseAccess(r.Access)
	if err != nil {
		return ipfilter.Range{}, err
	}
	return ipfilter.ParseRange(r.Range, access)
}

// IPFilterConfig holds the session IP filter settings.
type IPFilterConfig struct {
	Persist    bool         `yaml:"persist"`    // Save rules to data_dir after every change
	Blocklists []string     `yaml:"blocklists"` // Blocklist files loaded at startup
	Rules      []RuleConfig `yaml:"rules"`
}

// TorrentConfig describes a torrent added at startup.
type TorrentConfig struct {
	Name          string   `yaml:"name"`
	InfoHash      string   `yaml:"info_hash"`
	Trackers      []string `yaml:"trackers"`
	ApplyIPFilter *bool    `yaml:"apply_ip_filter,omitempty"` // nil means true
}

// IsApplyIPFilter returns whether the session filter applies to this
// torrent's peers. Defaults to true when not specified.
func (t TorrentConfig) IsApplyIPFilter() bool {
	if t.ApplyIPFilter == nil {
		return true
	}
	return *t.ApplyIPFilter
}

// SessionConfig holds configuration for an ipfilter session.
type SessionConfig struct {
	Name     string          `yaml:"name"`
	DataDir  string          `yaml:"data_dir"`
	LogLevel string          `yaml:"log_level"`
	Control  ControlConfig   `yaml:"control"`
	Metrics  MetricsConfig   `yaml:"metrics"`
	Resolver ResolverConfig  `yaml:"resolver"`
	IPFilter IPFilterConfig  `yaml:"ip_filter"`
	Torrents []TorrentConfig `yaml:"torrents"`
}

// Defaults
const (
	DefaultName          = "ipfilter"
	DefaultDataDir       = "/var/lib/ipfilter"
	DefaultSocket        = "/var/run/ipfilter.sock"
	DefaultMetricsListen = "127.0.0.1:9464"
	DefaultTimeout       = "5s"
)

// LoadSessionConfig loads session configuration from a YAML file.
func LoadSessionConfig(path string) (*SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &SessionConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *SessionConfig {
	cfg := &SessionConfig{}
	cfg.applyDefaults()
	return cfg
}

func (c *SessionConfig) applyDefaults() {
	if c.Name == "" {
		c.Name = DefaultName
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Control.Socket == "" {
		c.Control.Socket = DefaultSocket
	}
	c.Control.Socket = expandHome(c.Control.Socket)
	if c.Metrics.Listen == "" {
		c.Metrics.Listen = DefaultMetricsListen
	}
	if c.Resolver.Timeout == "" {
		c.Resolver.Timeout = DefaultTimeout
	}
	for i, path := range c.IPFilter.Blocklists {
		c.IPFilter.Blocklists[i] = expandHome(path)
	}
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks if the session configuration is valid.
func (c *SessionConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level %q", c.LogLevel)
		}
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid metrics.listen: %w", err)
		}
	}
	if c.Resolver.Nameserver != "" {
		host := c.Resolver.Nameserver
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		if net.ParseIP(host) == nil {
			return fmt.Errorf("resolver.nameserver must be an IP address, got %q", c.Resolver.Nameserver)
		}
	}
	if d, err := time.ParseDuration(c.Resolver.Timeout); err != nil || d <= 0 {
		return fmt.Errorf("invalid resolver.timeout %q", c.Resolver.Timeout)
	}

	for i, rule := range c.IPFilter.Rules {
		if _, err := rule.Parse(); err != nil {
			return fmt.Errorf("ip_filter.rules[%d]: %w", i, err)
		}
	}

	seen := make(map[string]bool)
	for i, t := range c.Torrents {
		if t.InfoHash == "" {
			continue
		}
		raw, err := hex.DecodeString(t.InfoHash)
		if err != nil || (len(raw) != 20 && len(raw) != 32) {
			return fmt.Errorf("torrents[%d]: info_hash must be 40 or 64 hex characters", i)
		}
		key := strings.ToLower(t.InfoHash)
		if seen[key] {
			return fmt.Errorf("torrents[%d]: duplicate info_hash %s", i, key)
		}
		seen[key] = true
	}
	return nil
}

// ApplyLogLevel sets the global zerolog level. It returns false, leaving the
// level unchanged, when level is empty or unknown.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}
