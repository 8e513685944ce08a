// Package metrics defines all Prometheus metrics for athena-ddnsd.
// All metrics use the "athena_ddnsd_" prefix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "athena_ddnsd"

// --- Interface Event Metrics ---

var (
	// AddressEvents counts interface address events that passed the
	// kernel-side filter, by address family.
	AddressEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "address_events_total",
		Help:      "Total interface address events emitted, by family.",
	}, []string{"family"})

	// WatcherRestarts counts restarts of the netlink listen cycle.
	WatcherRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "watcher_restarts_total",
		Help:      "Total restarts of the netlink subscribe-enumerate-listen cycle.",
	})
)

// --- DNS Metrics ---

var (
	// DNSQueries counts pre-update queries by record type and result.
	DNSQueries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dns_queries_total",
		Help:      "Total DNS queries sent, by record type and result.",
	}, []string{"type", "result"})

	// DNSUpdates counts UPDATE operations (delete+append pairs) by result.
	DNSUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dns_updates_total",
		Help:      "Total DNS UPDATE operations, by result.",
	}, []string{"result"})

	// DNSDuration tracks DNS transaction latency by operation.
	DNSDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dns_transaction_duration_seconds",
		Help:      "DNS transaction duration in seconds, by operation.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 3.0},
	}, []string{"op"})

	// UpdatesSkipped counts updates skipped because the authoritative
	// answer already matched the learned address.
	UpdatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "updates_skipped_total",
		Help:      "Total updates skipped because the record was already current.",
	})
)

// --- Record Metrics ---

var (
	// RecordsDirty is a gauge of records with a pending DNS update.
	RecordsDirty = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "records_dirty",
		Help:      "Number of records with a pending DNS update.",
	})

	// ServerStartTime is the unix timestamp of daemon start.
	ServerStartTime = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "start_time_seconds",
		Help:      "Unix timestamp at which the daemon started.",
	})
)
