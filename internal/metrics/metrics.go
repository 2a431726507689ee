// Package metrics provides Prometheus metrics for the ipfilter session.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all ipfilter metrics.
var Registry = prometheus.NewRegistry()

// SessionMetrics holds all Prometheus metrics for one session.
type SessionMetrics struct {
	// Admission decisions, labeled by site (peer, tracker) and verdict (admit, deny)
	AdmissionDecisions *prometheus.CounterVec

	// Filter table size per address family
	FilterRanges *prometheus.GaugeVec

	// Rule mutations applied through the control surface
	RuleUpdates prometheus.Counter

	Torrents        prometheus.Gauge
	PeerConnections prometheus.Gauge
	// Torrents with apply_ip_filter cleared
	TorrentsBypassingFilter prometheus.Gauge

	// Announce failures per tracker host
	AnnounceErrors *prometheus.CounterVec
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given session name as a constant label.
func InitMetrics(sessionName string) *SessionMetrics {
	constLabels := prometheus.Labels{
		"session": sessionName,
	}

	return &SessionMetrics{
		AdmissionDecisions: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "ipfilter_admission_decisions_total",
			Help:        "Admission decisions taken by the policy gate",
			ConstLabels: constLabels,
		}, []string{"site", "verdict"}),
		FilterRanges: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "ipfilter_rules",
			Help:        "Number of disjoint ranges in the IP filter",
			ConstLabels: constLabels,
		}, []string{"family"}),
		RuleUpdates: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "ipfilter_rule_updates_total",
			Help:        "Rule mutations applied to the IP filter",
			ConstLabels: constLabels,
		}),
		Torrents: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "ipfilter_torrents",
			Help:        "Number of torrents in the session",
			ConstLabels: constLabels,
		}),
		PeerConnections: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "ipfilter_peer_connections",
			Help:        "Number of established peer connections",
			ConstLabels: constLabels,
		}),
		TorrentsBypassingFilter: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "ipfilter_torrents_bypassing_filter",
			Help:        "Number of torrents with the IP filter disabled",
			ConstLabels: constLabels,
		}),
		AnnounceErrors: promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
			Name:        "ipfilter_announce_errors_total",
			Help:        "Failed tracker announces",
			ConstLabels: constLabels,
		}, []string{"tracker"}),
	}
}

// Handler returns the HTTP handler serving Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// TrackDecision counts one admission decision. Safe on a nil receiver.
func (m *SessionMetrics) TrackDecision(site, verdict string) {
	if m == nil {
		return
	}
	m.AdmissionDecisions.WithLabelValues(site, verdict).Inc()
}

// TrackRuleUpdate counts one rule mutation. Safe on a nil receiver.
func (m *SessionMetrics) TrackRuleUpdate() {
	if m == nil {
		return
	}
	m.RuleUpdates.Inc()
}

// TrackAnnounceError counts a failed announce. Safe on a nil receiver.
func (m *SessionMetrics) TrackAnnounceError(tracker string) {
	if m == nil {
		return
	}
	m.AnnounceErrors.WithLabelValues(tracker).Inc()
}
