// Package gate turns filter lookups into admit/deny decisions for the two
// places a session reaches out to a remote address: peer connections and
// tracker announces.
package gate

import (
	"net/netip"

	"github.com/tunnelmesh/ipfilter/internal/ipfilter"
)

// Querier is the read side of an IP filter.
type Querier interface {
	Access(addr netip.Addr) ipfilter.Access
}

// Site identifies where an admission decision was taken.
type Site string

const (
	// SitePeer is an inbound or outbound peer connection.
	SitePeer Site = "peer"
	// SiteTracker is a tracker announce.
	SiteTracker Site = "tracker"
)

// Verdict is the outcome of an admission decision.
type Verdict string

const (
	Admit Verdict = "admit"
	Deny  Verdict = "deny"
)

// VerdictOf maps an admission result to its Verdict.
func VerdictOf(admitted bool) Verdict {
	if admitted {
		return Admit
	}
	return Deny
}

// ShouldConnect reports whether a connection to or from addr may proceed.
// applyFilter is the owning torrent's current apply-ip-filter setting; when
// false the filter is bypassed and every address is admitted.
//
// The result must not be cached: rules may change between attempts.
func ShouldConnect(q Querier, addr netip.Addr, applyFilter bool) bool {
	if !applyFilter || q == nil {
		return true
	}
	return q.Access(addr) != ipfilter.Blocked
}

// ShouldAnnounce reports whether an announce to the tracker at addr may
// proceed. Trackers always go through the session filter.
func ShouldAnnounce(q Querier, addr netip.Addr) bool {
	if q == nil {
		return true
	}
	return q.Access(addr) != ipfilter.Blocked
}
