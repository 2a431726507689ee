package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/ipfilter/internal/config"
	"github.com/tunnelmesh/ipfilter/internal/control"
	"github.com/tunnelmesh/ipfilter/internal/ipfilter"
	"github.com/tunnelmesh/ipfilter/internal/metrics"
	"github.com/tunnelmesh/ipfilter/testutil"
)

const testInfoHash = "0123456789abcdef0123456789abcdef01234567"

func testConfig(t *testing.T, dir string) *config.SessionConfig {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.IPFilter.Rules = []config.RuleConfig{
		{Range: "60.0.0.0-60.0.0.2", Access: "blocked"},
	}
	no := false
	cfg.Torrents = []config.TorrentConfig{
		{Name: "filtered", InfoHash: testInfoHash, Trackers: []string{"http://60.0.0.1:6881/announce"}},
		{Name: "bypass", ApplyIPFilter: &no},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewDaemon(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	blocklistPath := testutil.TempFile(t, dir, "level1.p2p", "Test:70.0.0.0-70.0.0.255\n")
	cfg := testConfig(t, dir)
	cfg.IPFilter.Blocklists = []string{blocklistPath}

	d, err := newDaemon(cfg, nil)
	require.NoError(t, err)
	defer d.close()

	f := d.session.IPFilter()
	assert.True(t, f.Blocked(netip.MustParseAddr("60.0.0.1")))
	assert.True(t, f.Blocked(netip.MustParseAddr("70.0.0.9")))
	assert.True(t, f.Allowed(netip.MustParseAddr("60.0.0.3")))

	assert.Equal(t, 2, d.session.TorrentCount())
	assert.Equal(t, 1, d.session.BypassingFilterCount())

	tor, ok := d.session.Torrent(testInfoHash)
	require.True(t, ok)
	eps, err := tor.AnnounceEndpoints(context.Background())
	require.NoError(t, err)
	assert.Empty(t, eps, "tracker inside the blocked range")

	d.announceAll(context.Background())
}

func TestNewDaemon_BadBlocklist(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg := testConfig(t, dir)
	cfg.IPFilter.Blocklists = []string{testutil.TempFile(t, dir, "bad.txt", "garbage\n")}

	_, err := newDaemon(cfg, nil)
	assert.ErrorContains(t, err, "line 1")
}

func TestDaemon_PersistedRulesWin(t *testing.T) {
	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg := testConfig(t, dir)
	cfg.IPFilter.Persist = true

	d, err := newDaemon(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, d.session.AddRule(
		netip.MustParseAddr("60.0.0.1"), netip.MustParseAddr("60.0.0.1"), ipfilter.Allowed))
	d.saveFilter()
	d.close()

	// the restart sees the runtime change, not just the configured rules
	d, err = newDaemon(cfg, nil)
	require.NoError(t, err)
	defer d.close()

	f := d.session.IPFilter()
	assert.True(t, f.Blocked(netip.MustParseAddr("60.0.0.0")))
	assert.True(t, f.Allowed(netip.MustParseAddr("60.0.0.1")))
	assert.True(t, f.Blocked(netip.MustParseAddr("60.0.0.2")))
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "admit", verdictString(true))
	assert.Equal(t, "deny", verdictString(false))
	assert.Equal(t, "enabled", enabledString(true))
	assert.Equal(t, "disabled", enabledString(false))
}

func TestLoadServeConfig(t *testing.T) {
	cfg, err := loadServeConfig("", false)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultName, cfg.Name)

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	good := testutil.TempFile(t, dir, "good.yaml", "name: seedbox\ndata_dir: "+dir+"\n")
	cfg, err = loadServeConfig(good, false)
	require.NoError(t, err)
	assert.Equal(t, "seedbox", cfg.Name)

	bad := testutil.TempFile(t, dir, "bad.yaml", "name: seedbox\nlog_level: loud\n")
	_, err = loadServeConfig(bad, false)
	assert.ErrorContains(t, err, "invalid config")

	_, err = loadServeConfig(filepath.Join(dir, "missing.yaml"), false)
	assert.Error(t, err)
}

func TestRunServe_MetricsAndShutdown(t *testing.T) {
	old := metrics.Registry
	metrics.Registry = prometheus.NewRegistry()
	t.Cleanup(func() { metrics.Registry = old })

	dir, cleanup := testutil.TempDir(t)
	defer cleanup()

	cfg := testConfig(t, dir)
	cfg.Control.Socket = filepath.Join(dir, "ipfilter.sock")
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = fmt.Sprintf("127.0.0.1:%d", testutil.FreePort(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, time.Hour) }()

	url := "http://" + cfg.Metrics.Listen + "/metrics"
	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer func() { _ = resp.Body.Close() }()
		data, err := io.ReadAll(resp.Body)
		if err != nil || resp.StatusCode != http.StatusOK {
			return false
		}
		body = string(data)
		return strings.Contains(body, "ipfilter_rules")
	}, 5*time.Second, 50*time.Millisecond)
	assert.Contains(t, body, `session="ipfilter"`)

	client := control.NewClient(cfg.Control.Socket)
	resp, err := client.FilterCheck("60.0.0.1", "")
	require.NoError(t, err)
	assert.False(t, resp.ShouldConnect)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runServe did not return after cancel")
	}
}
