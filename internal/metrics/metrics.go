// Package metrics exposes replication and log counters to Prometheus.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "driftdb"

type Metrics struct {
	entriesAppended *prometheus.CounterVec
	entriesJoined   *prometheus.CounterVec
	entriesDropped  *prometheus.CounterVec
	fetchFailures   *prometheus.CounterVec
	syncDuration    *prometheus.HistogramVec
	heads           *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		entriesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_appended_total",
			Help:      "Entries written locally.",
		}, []string{"address"}),
		entriesJoined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_joined_total",
			Help:      "Entries merged from other replicas.",
		}, []string{"address"}),
		entriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_dropped_total",
			Help:      "Remote entries refused by the access controller.",
		}, []string{"address"}),
		fetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Causal-closure fetches that failed, per attempt.",
		}, []string{"address"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Time from head announcement to completed merge.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"address"}),
		heads: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heads",
			Help:      "Size of the current head set.",
		}, []string{"address"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.entriesAppended,
			m.entriesJoined,
			m.entriesDropped,
			m.fetchFailures,
			m.syncDuration,
			m.heads,
		)
	}
	return m
}

func (m *Metrics) Appended(address string) {
	if m == nil {
		return
	}
	m.entriesAppended.WithLabelValues(address).Inc()
}

func (m *Metrics) Joined(address string, added, dropped int) {
	if m == nil {
		return
	}
	m.entriesJoined.WithLabelValues(address).Add(float64(added))
	if dropped > 0 {
		m.entriesDropped.WithLabelValues(address).Add(float64(dropped))
	}
}

func (m *Metrics) FetchFailed(address string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(address).Inc()
}

func (m *Metrics) Synced(address string, d time.Duration) {
	if m == nil {
		return
	}
	m.syncDuration.WithLabelValues(address).Observe(d.Seconds())
}

func (m *Metrics) SetHeads(address string, n int) {
	if m == nil {
		return
	}
	m.heads.WithLabelValues(address).Set(float64(n))
}
