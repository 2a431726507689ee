package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/ipfilter/internal/gate"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentAnnounces bounds the announces in flight for one torrent.
const maxConcurrentAnnounces = 8

// TrackerEndpoint is one resolved address of a tracker.
type TrackerEndpoint struct {
	Tracker string
	Addr    netip.AddrPort
}

// Torrent is a torrent in a session. Its apply-ip-filter flag is read
// fresh on every connection attempt.
type Torrent struct {
	id       string
	name     string
	trackers []*url.URL
	session  *Session

	applyIPFilter atomic.Bool

	mu     sync.Mutex
	conns  map[netip.AddrPort]net.Conn
	closed bool
}

// ID returns the torrent ID (lowercase hex info hash or generated UUID).
func (t *Torrent) ID() string { return t.id }

// Name returns the display name.
func (t *Torrent) Name() string { return t.name }

// Trackers returns the tracker URLs.
func (t *Torrent) Trackers() []string {
	out := make([]string, len(t.trackers))
	for i, u := range t.trackers {
		out[i] = u.String()
	}
	return out
}

// ApplyIPFilter reports whether peer connections of this torrent go
// through the session IP filter.
func (t *Torrent) ApplyIPFilter() bool {
	return t.applyIPFilter.Load()
}

// SetApplyIPFilter toggles the filter for this torrent's future peer
// connections. Established connections are not affected.
func (t *Torrent) SetApplyIPFilter(apply bool) {
	if t.applyIPFilter.Swap(apply) != apply {
		log.Info().
			Str("torrent", t.id).
			Bool("apply_ip_filter", apply).
			Msg("torrent ip filter setting changed")
	}
}

// ConnectPeer dials a peer unless the policy gate denies the address.
// A denied peer is dropped silently: nothing is dialed and nil is returned.
func (t *Torrent) ConnectPeer(ctx context.Context, ep netip.AddrPort) error {
	if !ep.IsValid() || ep.Port() == 0 {
		return fmt.Errorf("%w: %s", ErrInvalidEndpoint, ep)
	}
	ep = netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port())

	if !t.admit(ep.Addr(), "outbound") {
		return nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTorrentClosed
	}
	_, exists := t.conns[ep]
	t.mu.Unlock()
	if exists {
		return nil
	}

	conn, err := t.session.cfg.Dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return fmt.Errorf("dial %s: %w", ep, err)
	}

	if !t.addConn(ep, conn) {
		_ = conn.Close()
		return nil
	}
	log.Debug().
		Str("torrent", t.id).
		Str("addr", ep.String()).
		Msg("peer connected")
	return nil
}

// AcceptPeer admits an inbound connection. Denied or duplicate connections
// are closed and false is returned.
func (t *Torrent) AcceptPeer(conn net.Conn) bool {
	ep, ok := addrPortOf(conn.RemoteAddr())
	if !ok {
		_ = conn.Close()
		return false
	}

	if !t.admit(ep.Addr(), "inbound") || !t.addConn(ep, conn) {
		_ = conn.Close()
		return false
	}
	log.Debug().
		Str("torrent", t.id).
		Str("addr", ep.String()).
		Msg("peer accepted")
	return true
}

// admit runs the connection gate with the torrent's current flag.
func (t *Torrent) admit(addr netip.Addr, direction string) bool {
	admitted := gate.ShouldConnect(t.session.filter, addr, t.ApplyIPFilter())
	t.session.trackDecision(gate.SitePeer, admitted)
	if !admitted {
		log.Debug().
			Str("torrent", t.id).
			Str("addr", addr.String()).
			Str("direction", direction).
			Str("site", string(gate.SitePeer)).
			Msg("peer blocked by ip filter")
	}
	return admitted
}

func (t *Torrent) addConn(ep netip.AddrPort, conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if _, exists := t.conns[ep]; exists {
		return false
	}
	t.conns[ep] = conn
	return true
}

// DisconnectPeer closes the connection to ep.
func (t *Torrent) DisconnectPeer(ep netip.AddrPort) bool {
	t.mu.Lock()
	conn, ok := t.conns[ep]
	delete(t.conns, ep)
	t.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
	return ok
}

// Peers returns the endpoints of established connections, sorted.
func (t *Torrent) Peers() []netip.AddrPort {
	t.mu.Lock()
	out := make([]netip.AddrPort, 0, len(t.conns))
	for ep := range t.conns {
		out = append(out, ep)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// PeerCount returns the number of established connections.
func (t *Torrent) PeerCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Close closes all peer connections. Further connections are refused.
func (t *Torrent) Close() {
	t.mu.Lock()
	conns := t.conns
	t.conns = make(map[netip.AddrPort]net.Conn)
	t.closed = true
	t.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

// AnnounceEndpoints resolves every tracker and returns the endpoints the
// session filter admits. Resolution failures are returned joined, alongside
// whatever endpoints could be resolved.
func (t *Torrent) AnnounceEndpoints(ctx context.Context) ([]TrackerEndpoint, error) {
	var (
		out  []TrackerEndpoint
		errs []error
	)
	for _, u := range t.trackers {
		port, err := trackerPort(u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		addrs, err := t.resolve(ctx, u.Hostname())
		if err != nil {
			log.Warn().Err(err).Str("tracker", u.String()).Msg("tracker lookup failed")
			errs = append(errs, fmt.Errorf("resolve %s: %w", u.Hostname(), err))
			continue
		}
		for _, a := range addrs {
			a = a.Unmap()
			admitted := gate.ShouldAnnounce(t.session.filter, a)
			t.session.trackDecision(gate.SiteTracker, admitted)
			if !admitted {
				log.Debug().
					Str("torrent", t.id).
					Str("tracker", u.String()).
					Str("addr", a.String()).
					Str("site", string(gate.SiteTracker)).
					Msg("tracker blocked by ip filter")
				continue
			}
			out = append(out, TrackerEndpoint{Tracker: u.String(), Addr: netip.AddrPortFrom(a, port)})
		}
	}
	return out, errors.Join(errs...)
}

func (t *Torrent) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{a}, nil
	}
	return t.session.cfg.Resolver.LookupNetIP(ctx, "ip", host)
}

// Announce announces to every admitted tracker endpoint concurrently.
func (t *Torrent) Announce(ctx context.Context) error {
	eps, resolveErr := t.AnnounceEndpoints(ctx)
	announcer := t.session.cfg.Announcer
	if announcer == nil {
		return resolveErr
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentAnnounces)
	for _, ep := range eps {
		g.Go(func() error {
			if err := announcer.Announce(gctx, ep); err != nil {
				t.session.cfg.Metrics.TrackAnnounceError(ep.Tracker)
				log.Warn().
					Err(err).
					Str("torrent", t.id).
					Str("tracker", ep.Tracker).
					Str("addr", ep.Addr.String()).
					Msg("announce failed")
				mu.Lock()
				errs = append(errs, fmt.Errorf("announce %s (%s): %w", ep.Tracker, ep.Addr, err))
				mu.Unlock()
			}
			// one failing tracker must not cancel the others
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(append([]error{resolveErr}, errs...)...)
}

func addrPortOf(a net.Addr) (netip.AddrPort, bool) {
	var ep netip.AddrPort
	switch v := a.(type) {
	case *net.TCPAddr:
		ep = v.AddrPort()
	case *net.UDPAddr:
		ep = v.AddrPort()
	case nil:
		return ep, false
	default:
		parsed, err := netip.ParseAddrPort(a.String())
		if err != nil {
			return ep, false
		}
		ep = parsed
	}
	if !ep.IsValid() {
		return ep, false
	}
	return netip.AddrPortFrom(ep.Addr().Unmap(), ep.Port()), true
}
