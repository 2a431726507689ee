package metrics

import (
	"context"
	"time"
)

// FilterStatus reports the size of the IP filter.
type FilterStatus interface {
	RuleCountByFamily() (v4, v6 int)
}

// SessionStatus reports torrent and connection counts.
type SessionStatus interface {
	TorrentCount() int
	PeerConnectionCount() int
	BypassingFilterCount() int
}

// Collector periodically samples gauges from the session.
type Collector struct {
	metrics *SessionMetrics
	filter  FilterStatus
	session SessionStatus
}

// NewCollector creates a new metrics collector. Either source may be nil.
func NewCollector(m *SessionMetrics, filter FilterStatus, session SessionStatus) *Collector {
	return &Collector{
		metrics: m,
		filter:  filter,
		session: session,
	}
}

// Collect updates all gauges from the current state.
func (c *Collector) Collect() {
	c.collectFilterStats()
	c.collectSessionStats()
}

func (c *Collector) collectFilterStats() {
	if c.filter == nil {
		return
	}
	v4, v6 := c.filter.RuleCountByFamily()
	c.metrics.FilterRanges.WithLabelValues("ipv4").Set(float64(v4))
	c.metrics.FilterRanges.WithLabelValues("ipv6").Set(float64(v6))
}

func (c *Collector) collectSessionStats() {
	if c.session == nil {
		return
	}
	c.metrics.Torrents.Set(float64(c.session.TorrentCount()))
	c.metrics.PeerConnections.Set(float64(c.session.PeerConnectionCount()))
	c.metrics.TorrentsBypassingFilter.Set(float64(c.session.BypassingFilterCount()))
}

// Run collects every interval until ctx is cancelled.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
