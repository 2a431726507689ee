package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/ipfilter/internal/ipfilter"
	"github.com/tunnelmesh/ipfilter/testutil"
)

func TestLoadSessionConfig(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	content := `
name: seedbox
data_dir: /srv/ipfilter
log_level: debug
control:
  socket: /tmp/ipfilter.sock
metrics:
  enabled: true
  listen: "127.0.0.1:9100"
resolver:
  nameserver: "1.1.1.1:53"
  timeout: 2s
ip_filter:
  persist: true
  blocklists: [/etc/ipfilter/level1.dat]
  rules:
    - range: "60.0.0.0-60.0.0.2"
      access: blocked
    - range: "60.0.0.1"
      access: allowed
torrents:
  - name: demo
    info_hash: "0123456789abcdef0123456789abcdef01234567"
    trackers: ["http://60.0.0.3:6881/announce"]
    apply_ip_filter: false
  - name: other
`
	configPath := testutil.TempFile(t, dir, "ipfilter.yaml", content)

	cfg, err := LoadSessionConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "seedbox", cfg.Name)
	assert.Equal(t, "/srv/ipfilter", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/ipfilter.sock", cfg.Control.Socket)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, "127.0.0.1:9100", cfg.Metrics.Listen)
	assert.Equal(t, "1.1.1.1:53", cfg.Resolver.Nameserver)
	assert.Equal(t, 2*time.Second, cfg.Resolver.TimeoutDuration())
	assert.True(t, cfg.IPFilter.Persist)
	assert.Equal(t, []string{"/etc/ipfilter/level1.dat"}, cfg.IPFilter.Blocklists)

	require.Len(t, cfg.IPFilter.Rules, 2)
	r, err := cfg.IPFilter.Rules[1].Parse()
	require.NoError(t, err)
	assert.Equal(t, ipfilter.Allowed, r.Access)

	require.Len(t, cfg.Torrents, 2)
	assert.False(t, cfg.Torrents[0].IsApplyIPFilter())
	assert.True(t, cfg.Torrents[1].IsApplyIPFilter(), "apply_ip_filter defaults to true")
	assert.Equal(t, []string{"http://60.0.0.3:6881/announce"}, cfg.Torrents[0].Trackers)
}

func TestLoadSessionConfig_Defaults(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "ipfilter.yaml", "ip_filter:\n  persist: true\n")

	cfg, err := LoadSessionConfig(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultName, cfg.Name)
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.Equal(t, DefaultSocket, cfg.Control.Socket)
	assert.Equal(t, DefaultMetricsListen, cfg.Metrics.Listen)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Resolver.TimeoutDuration())
	assert.Empty(t, cfg.Resolver.Nameserver)
}

func TestLoadSessionConfig_ExpandHome(t *testing.T) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "ipfilter.yaml", `
data_dir: ~/.ipfilter
ip_filter:
  blocklists: [~/lists/level1.p2p]
`)

	cfg, err := LoadSessionConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(homeDir, ".ipfilter"), cfg.DataDir)
	assert.Equal(t, filepath.Join(homeDir, "lists/level1.p2p"), cfg.IPFilter.Blocklists[0])
}

func TestLoadSessionConfig_FileNotFound(t *testing.T) {
	_, err := LoadSessionConfig("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadSessionConfig_InvalidYAML(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	configPath := testutil.TempFile(t, dir, "ipfilter.yaml", "name: [invalid yaml\n")

	_, err := LoadSessionConfig(configPath)
	assert.Error(t, err)
}

func TestSessionConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*SessionConfig)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			modify: func(*SessionConfig) {},
		},
		{
			name:    "missing name",
			modify:  func(c *SessionConfig) { c.Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "bad log level",
			modify:  func(c *SessionConfig) { c.LogLevel = "loud" },
			wantErr: "invalid log_level",
		},
		{
			name: "bad metrics listen",
			modify: func(c *SessionConfig) {
				c.Metrics.Enabled = true
				c.Metrics.Listen = "9464"
			},
			wantErr: "invalid metrics.listen",
		},
		{
			name:    "hostname nameserver",
			modify:  func(c *SessionConfig) { c.Resolver.Nameserver = "dns.example.com:53" },
			wantErr: "resolver.nameserver must be an IP address",
		},
		{
			name:   "nameserver without port",
			modify: func(c *SessionConfig) { c.Resolver.Nameserver = "9.9.9.9" },
		},
		{
			name:    "bad timeout",
			modify:  func(c *SessionConfig) { c.Resolver.Timeout = "soon" },
			wantErr: "invalid resolver.timeout",
		},
		{
			name: "inverted rule",
			modify: func(c *SessionConfig) {
				c.IPFilter.Rules = []RuleConfig{{Range: "10.0.0.9-10.0.0.1", Access: "blocked"}}
			},
			wantErr: "ip_filter.rules[0]",
		},
		{
			name: "mixed family rule",
			modify: func(c *SessionConfig) {
				c.IPFilter.Rules = []RuleConfig{{Range: "10.0.0.1-::1", Access: "blocked"}}
			},
			wantErr: "different address families",
		},
		{
			name: "unknown access",
			modify: func(c *SessionConfig) {
				c.IPFilter.Rules = []RuleConfig{{Range: "10.0.0.1", Access: "maybe"}}
			},
			wantErr: "invalid access class",
		},
		{
			name: "bad info hash",
			modify: func(c *SessionConfig) {
				c.Torrents = []TorrentConfig{{InfoHash: "abc"}}
			},
			wantErr: "info_hash must be 40 or 64 hex characters",
		},
		{
			name: "duplicate info hash",
			modify: func(c *SessionConfig) {
				c.Torrents = []TorrentConfig{
					{InfoHash: "0123456789abcdef0123456789abcdef01234567"},
					{InfoHash: "0123456789ABCDEF0123456789ABCDEF01234567"},
				}
			},
			wantErr: "duplicate info_hash",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyLogLevel(t *testing.T) {
	// Restore the global level after the test
	prevLevel := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(prevLevel)

	tests := []struct {
		name          string
		level         string
		expectApplied bool
		expectLevel   zerolog.Level
	}{
		{name: "empty level", level: "", expectApplied: false},
		{name: "trace level", level: "trace", expectApplied: true, expectLevel: zerolog.TraceLevel},
		{name: "debug level", level: "debug", expectApplied: true, expectLevel: zerolog.DebugLevel},
		{name: "warn level", level: "warn", expectApplied: true, expectLevel: zerolog.WarnLevel},
		{name: "invalid level", level: "invalid", expectApplied: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Reset to known state before each test
			zerolog.SetGlobalLevel(zerolog.InfoLevel)

			applied := ApplyLogLevel(tt.level)
			assert.Equal(t, tt.expectApplied, applied)

			if tt.expectApplied {
				assert.Equal(t, tt.expectLevel, zerolog.GlobalLevel())
			} else {
				assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())
			}
		})
	}
}

func TestTorrentConfig_IsApplyIPFilter(t *testing.T) {
	yes, no := true, false
	assert.True(t, TorrentConfig{}.IsApplyIPFilter())
	assert.True(t, TorrentConfig{ApplyIPFilter: &yes}.IsApplyIPFilter())
	assert.False(t, TorrentConfig{ApplyIPFilter: &no}.IsApplyIPFilter())
}
