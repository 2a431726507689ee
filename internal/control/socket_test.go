package control

import (
	"bytes"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tunnelmesh/ipfilter/internal/logging/audit"
	"github.com/tunnelmesh/ipfilter/internal/session"
)

const testInfoHash = "0123456789abcdef0123456789abcdef01234567"

func startServer(t *testing.T) (*Server, *session.Session, *Client) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")

	sess := session.New(session.Config{Name: "test"})
	t.Cleanup(func() { _ = sess.Close() })

	server := NewServer(socketPath, sess)
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	// Wait for socket to be ready
	time.Sleep(10 * time.Millisecond)

	return server, sess, NewClient(socketPath)
}

func TestServer_StartStop(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "test.sock")

	server := NewServer(socketPath, session.New(session.Config{}))

	err := server.Start()
	require.NoError(t, err)

	// Check socket exists
	_, err = os.Stat(socketPath)
	require.NoError(t, err)

	err = server.Stop()
	require.NoError(t, err)

	// Check socket removed
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestClient_FilterAddAndList(t *testing.T) {
	_, _, client := startServer(t)

	require.NoError(t, client.FilterAdd("60.0.0.0-60.0.0.2", "blocked"))
	require.NoError(t, client.FilterAdd("60.0.0.1", "allowed"))
	require.NoError(t, client.FilterAdd("2001:db8::/32", "blocked"))

	resp, err := client.FilterList()
	require.NoError(t, err)
	assert.Equal(t, 3, resp.IPv4)
	assert.Equal(t, 1, resp.IPv6)
	assert.Equal(t, []FilterRuleDetail{
		{First: "60.0.0.0", Last: "60.0.0.0", Access: "blocked", Family: "ipv4"},
		{First: "60.0.0.1", Last: "60.0.0.1", Access: "allowed", Family: "ipv4"},
		{First: "60.0.0.2", Last: "60.0.0.2", Access: "blocked", Family: "ipv4"},
		{First: "2001:db8::", Last: "2001:db8:ffff:ffff:ffff:ffff:ffff:ffff", Access: "blocked", Family: "ipv6"},
	}, resp.Rules)
}

func TestClient_FilterAdd_Invalid(t *testing.T) {
	_, sess, client := startServer(t)

	err := client.FilterAdd("60.0.0.9-60.0.0.1", "blocked")
	assert.ErrorContains(t, err, "first address is greater than last address")

	err = client.FilterAdd("60.0.0.1-::1", "blocked")
	assert.ErrorContains(t, err, "different address families")

	err = client.FilterAdd("60.0.0.1", "sometimes")
	assert.ErrorContains(t, err, "invalid access class")

	assert.Equal(t, 0, sess.IPFilter().RuleCount())
}

func TestClient_FilterCheck(t *testing.T) {
	_, sess, client := startServer(t)
	require.NoError(t, client.FilterAdd("60.0.0.0-60.0.0.2", "blocked"))

	_, err := sess.AddTorrent(session.AddTorrentParams{InfoHash: testInfoHash, SkipIPFilter: true})
	require.NoError(t, err)

	resp, err := client.FilterCheck("60.0.0.1", "")
	require.NoError(t, err)
	assert.Equal(t, "blocked", resp.Access)
	assert.False(t, resp.ShouldConnect)
	assert.False(t, resp.ShouldAnnounce)
	assert.True(t, resp.ApplyIPFilter)

	// the torrent ignores the filter for peers, but trackers stay filtered
	resp, err = client.FilterCheck("60.0.0.1", testInfoHash)
	require.NoError(t, err)
	assert.True(t, resp.ShouldConnect)
	assert.False(t, resp.ShouldAnnounce)
	assert.False(t, resp.ApplyIPFilter)

	resp, err = client.FilterCheck("::ffff:60.0.0.3", "")
	require.NoError(t, err)
	assert.Equal(t, "allowed", resp.Access)
	assert.True(t, resp.ShouldConnect)

	_, err = client.FilterCheck("not-an-ip", "")
	assert.ErrorContains(t, err, "invalid address")

	_, err = client.FilterCheck("60.0.0.1", "ffff")
	assert.ErrorContains(t, err, "torrent not found")
}

func TestClient_FilterClear(t *testing.T) {
	server, sess, client := startServer(t)

	var changes atomic.Int32
	server.SetFilterChangedHandler(func() { changes.Add(1) })

	require.NoError(t, client.FilterAdd("60.0.0.0/30", "blocked"))
	require.NoError(t, client.FilterClear())

	assert.Equal(t, 0, sess.IPFilter().RuleCount())
	assert.Equal(t, int32(2), changes.Load())
}

func TestClient_FilterImport(t *testing.T) {
	server, sess, client := startServer(t)

	var changes atomic.Int32
	server.SetFilterChangedHandler(func() { changes.Add(1) })

	dir := t.TempDir()
	good := filepath.Join(dir, "level1.p2p")
	require.NoError(t, os.WriteFile(good, []byte("Test net:60.0.0.0-60.0.0.2\n10.0.0.0/8\n"), 0644))

	resp, err := client.FilterImport(good)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Rules)
	assert.Equal(t, 2, resp.Ranges)
	assert.Equal(t, 1, int(changes.Load()))

	bad := filepath.Join(dir, "broken.p2p")
	require.NoError(t, os.WriteFile(bad, []byte("1.1.1.1\nbogus\n"), 0644))
	_, err = client.FilterImport(bad)
	assert.ErrorContains(t, err, "line 2")

	// the failed import left the filter untouched
	assert.Equal(t, 2, sess.IPFilter().RuleCount())
	assert.Equal(t, 1, int(changes.Load()))
}

func TestClient_FilterImportKeepsConcurrentAdds(t *testing.T) {
	_, sess, client := startServer(t)

	var list bytes.Buffer
	for i := 0; i < 100000; i++ {
		fmt.Fprintf(&list, "Entry:%d.%d.%d.0-%d.%d.%d.127\n",
			1+i>>16, byte(i>>8), byte(i), 1+i>>16, byte(i>>8), byte(i))
	}
	path := filepath.Join(t.TempDir(), "level1.p2p")
	require.NoError(t, os.WriteFile(path, list.Bytes(), 0644))

	imported := make(chan error, 1)
	go func() {
		_, err := client.FilterImport(path)
		imported <- err
	}()

	// every acknowledged add must outlive the import, whichever lands first
	for i := 0; i < 50; i++ {
		require.NoError(t, client.FilterAdd(fmt.Sprintf("99.0.0.%d", i), "blocked"))
	}
	require.NoError(t, <-imported)

	f := sess.IPFilter()
	for i := 0; i < 50; i++ {
		assert.True(t, f.Blocked(netip.MustParseAddr(fmt.Sprintf("99.0.0.%d", i))), "99.0.0.%d", i)
	}
	assert.True(t, f.Blocked(netip.MustParseAddr("1.0.0.1")))
	// 100000 imported ranges plus the adds merged into one
	assert.Equal(t, 100001, f.RuleCount())
}

func TestClient_TorrentListAndSetFilter(t *testing.T) {
	_, sess, client := startServer(t)

	_, err := sess.AddTorrent(session.AddTorrentParams{
		InfoHash: testInfoHash,
		Name:     "demo",
		Trackers: []string{"http://60.0.0.3:6881/announce"},
	})
	require.NoError(t, err)

	torrents, err := client.TorrentList()
	require.NoError(t, err)
	require.Len(t, torrents, 1)
	assert.Equal(t, TorrentDetail{
		ID:            testInfoHash,
		Name:          "demo",
		ApplyIPFilter: true,
		Trackers:      []string{"http://60.0.0.3:6881/announce"},
	}, torrents[0])

	require.NoError(t, client.TorrentSetFilter(testInfoHash, false))
	tor, ok := sess.Torrent(testInfoHash)
	require.True(t, ok)
	assert.False(t, tor.ApplyIPFilter())

	err = client.TorrentSetFilter("missing", true)
	assert.ErrorContains(t, err, "torrent not found")
}

func TestClient_UnknownCommand(t *testing.T) {
	_, _, client := startServer(t)

	resp, err := client.Send(Request{Command: "bogus"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command")
}

func TestClient_NoServer(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	_, err := client.FilterList()
	assert.ErrorContains(t, err, "connect to control socket")
}

// syncBuffer guards a bytes.Buffer written from the server goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServer_AuditLog(t *testing.T) {
	server, sess, client := startServer(t)

	var out syncBuffer
	server.SetAuditLogger(audit.NewLogger(zerolog.New(&out)))

	require.NoError(t, client.FilterAdd("60.0.0.0-60.0.0.2", "blocked"))
	require.Error(t, client.FilterAdd("60.0.0.2-60.0.0.0", "blocked"))

	_, err := sess.AddTorrent(session.AddTorrentParams{InfoHash: testInfoHash})
	require.NoError(t, err)
	require.NoError(t, client.TorrentSetFilter(testInfoHash, false))

	logged := out.String()
	assert.Contains(t, logged, `"event_type":"ip_filter_change"`)
	assert.Contains(t, logged, `"result":"applied"`)
	assert.Contains(t, logged, `"result":"rejected"`)
	assert.Contains(t, logged, `"event_type":"torrent_filter"`)
	assert.Contains(t, logged, `"torrent":"`+testInfoHash+`"`)
}
