// Package session hosts torrents and routes every outbound dial, inbound
// accept and tracker announce through the IP filter policy gate.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tunnelmesh/ipfilter/internal/gate"
	"github.com/tunnelmesh/ipfilter/internal/ipfilter"
	"github.com/tunnelmesh/ipfilter/internal/metrics"
)

var (
	ErrSessionClosed   = errors.New("session closed")
	ErrTorrentExists   = errors.New("torrent already exists")
	ErrTorrentNotFound = errors.New("torrent not found")
	ErrTorrentClosed   = errors.New("torrent closed")
	ErrInvalidInfoHash = errors.New("invalid info hash")
	ErrInvalidTracker  = errors.New("invalid tracker url")
	ErrInvalidEndpoint = errors.New("invalid peer endpoint")
)

// DefaultDialTimeout bounds outbound peer dials when no Dialer is configured.
const DefaultDialTimeout = 10 * time.Second

// Dialer opens outbound peer connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Resolver looks up tracker host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Announcer performs the announce to one tracker endpoint.
type Announcer interface {
	Announce(ctx context.Context, ep TrackerEndpoint) error
}

// Config holds the collaborators of a session. Zero fields get defaults.
type Config struct {
	Name      string
	Dialer    Dialer
	Resolver  Resolver
	Announcer Announcer // nil disables announcing
	Metrics   *metrics.SessionMetrics
}

// AddTorrentParams describes a torrent to add to the session.
type AddTorrentParams struct {
	// InfoHash is the hex encoded v1 (40 chars) or v2 (64 chars) info hash.
	// When empty a random ID is assigned.
	InfoHash string
	Name     string
	Trackers []string
	// SkipIPFilter clears the torrent's apply-ip-filter flag, so its peer
	// connections bypass the session filter. Trackers are always filtered.
	SkipIPFilter bool
}

// Session owns the IP filter shared by all of its torrents.
type Session struct {
	cfg    Config
	filter *ipfilter.Filter

	mu       sync.RWMutex
	torrents map[string]*Torrent
	closed   bool
}

// New creates a session with an empty IP filter.
func New(cfg Config) *Session {
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{Timeout: DefaultDialTimeout}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	return &Session{
		cfg:      cfg,
		filter:   ipfilter.New(),
		torrents: make(map[string]*Torrent),
	}
}

// Name returns the session name.
func (s *Session) Name() string {
	return s.cfg.Name
}

// IPFilter returns the session filter. Rules added to it apply to every
// subsequent connection attempt and announce.
func (s *Session) IPFilter() *ipfilter.Filter {
	return s.filter
}

// SetIPFilter replaces the session rules with the rules of f.
func (s *Session) SetIPFilter(f *ipfilter.Filter) error {
	if err := s.filter.Replace(f.ExportRules()); err != nil {
		return fmt.Errorf("set ip filter: %w", err)
	}
	s.cfg.Metrics.TrackRuleUpdate()
	log.Info().
		Str("session", s.cfg.Name).
		Int("ranges", s.filter.RuleCount()).
		Msg("ip filter replaced")
	return nil
}

// AddRule adds a rule to the session filter.
func (s *Session) AddRule(first, last netip.Addr, access ipfilter.Access) error {
	if err := s.filter.AddRule(first, last, access); err != nil {
		return err
	}
	s.cfg.Metrics.TrackRuleUpdate()
	log.Info().
		Str("first", first.String()).
		Str("last", last.String()).
		Str("access", access.String()).
		Msg("ip filter rule added")
	return nil
}

// AddRules adds rules to the session filter in order, as one update. Rule
// changes made concurrently by other writers are kept.
func (s *Session) AddRules(rules []ipfilter.Range) error {
	if err := s.filter.AddRanges(rules); err != nil {
		return err
	}
	s.cfg.Metrics.TrackRuleUpdate()
	log.Info().
		Int("rules", len(rules)).
		Int("ranges", s.filter.RuleCount()).
		Msg("ip filter rules added")
	return nil
}

// AddTorrent adds a torrent to the session.
func (s *Session) AddTorrent(p AddTorrentParams) (*Torrent, error) {
	id, err := torrentID(p.InfoHash)
	if err != nil {
		return nil, err
	}

	trackers := make([]*url.URL, 0, len(p.Trackers))
	for _, raw := range p.Trackers {
		u, err := parseTracker(raw)
		if err != nil {
			return nil, err
		}
		trackers = append(trackers, u)
	}

	t := &Torrent{
		id:       id,
		name:     p.Name,
		trackers: trackers,
		session:  s,
		conns:    make(map[netip.AddrPort]net.Conn),
	}
	t.applyIPFilter.Store(!p.SkipIPFilter)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if _, exists := s.torrents[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrTorrentExists, id)
	}
	s.torrents[id] = t

	log.Info().
		Str("torrent", id).
		Str("name", p.Name).
		Int("trackers", len(trackers)).
		Bool("apply_ip_filter", !p.SkipIPFilter).
		Msg("torrent added")
	return t, nil
}

// Torrent returns the torrent with the given ID.
func (s *Session) Torrent(id string) (*Torrent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.torrents[strings.ToLower(id)]
	return t, ok
}

// Torrents returns all torrents ordered by ID.
func (s *Session) Torrents() []*Torrent {
	s.mu.RLock()
	out := make([]*Torrent, 0, len(s.torrents))
	for _, t := range s.torrents {
		out = append(out, t)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// RemoveTorrent closes a torrent's connections and removes it.
func (s *Session) RemoveTorrent(id string) error {
	s.mu.Lock()
	t, ok := s.torrents[strings.ToLower(id)]
	if ok {
		delete(s.torrents, t.id)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrTorrentNotFound, id)
	}
	t.Close()
	log.Info().Str("torrent", t.id).Msg("torrent removed")
	return nil
}

// TorrentCount returns the number of torrents.
func (s *Session) TorrentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.torrents)
}

// PeerConnectionCount returns the number of established peer connections
// across all torrents.
func (s *Session) PeerConnectionCount() int {
	n := 0
	for _, t := range s.Torrents() {
		n += t.PeerCount()
	}
	return n
}

// BypassingFilterCount returns the number of torrents not applying the IP filter.
func (s *Session) BypassingFilterCount() int {
	n := 0
	for _, t := range s.Torrents() {
		if !t.ApplyIPFilter() {
			n++
		}
	}
	return n
}

// Close closes every torrent. The session cannot be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	torrents := s.torrents
	s.torrents = make(map[string]*Torrent)
	s.mu.Unlock()

	for _, t := range torrents {
		t.Close()
	}
	return nil
}

func (s *Session) trackDecision(site gate.Site, admitted bool) {
	s.cfg.Metrics.TrackDecision(string(site), string(gate.VerdictOf(admitted)))
}

func torrentID(infoHash string) (string, error) {
	if infoHash == "" {
		return uuid.NewString(), nil
	}
	raw, err := hex.DecodeString(infoHash)
	if err != nil || (len(raw) != 20 && len(raw) != 32) {
		return "", fmt.Errorf("%w: %q", ErrInvalidInfoHash, infoHash)
	}
	return hex.EncodeToString(raw), nil
}

// defaultTrackerPorts are used when a tracker URL omits the port.
var defaultTrackerPorts = map[string]uint16{
	"http":  80,
	"https": 443,
}

func parseTracker(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTracker, err)
	}
	switch u.Scheme {
	case "http", "https", "udp":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidTracker, raw)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidTracker, raw)
	}
	if _, err := trackerPort(u); err != nil {
		return nil, err
	}
	return u, nil
}

func trackerPort(u *url.URL) (uint16, error) {
	p := u.Port()
	if p == "" {
		if port, ok := defaultTrackerPorts[u.Scheme]; ok {
			return port, nil
		}
		return 0, fmt.Errorf("%w: missing port in %q", ErrInvalidTracker, u.String())
	}
	port, err := strconv.ParseUint(p, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("%w: bad port in %q", ErrInvalidTracker, u.String())
	}
	return uint16(port), nil
}
