// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "termhub"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions currently held in the registry.",
	})

	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients_connected",
		Help:      "Viewer connections attached to local sessions.",
	})

	Spawns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pty_spawns_total",
		Help:      "PTY spawn attempts by result (ok, retry, failed, not_found, reused).",
	}, []string{"result"})

	Cleanups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_cleanups_total",
		Help:      "Session teardowns by reason.",
	}, []string{"reason"})

	ClientWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_write_failures_total",
		Help:      "Broadcast writes to a single viewer that failed or timed out.",
	})

	BroadcastSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "broadcast_settle_seconds",
		Help:      "Time the PTY stayed paused while one chunk was delivered to all viewers.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
	})

	OrphansSwept = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphans_swept_total",
		Help:      "Sessions reclaimed by the orphan sweeper.",
	})

	RemoteAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "remote_connect_attempts_total",
		Help:      "Outbound remote proxy connection attempts by result.",
	}, []string{"result"})

	ActivityEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "activity_events_total",
		Help:      "Activity events published by type.",
	}, []string{"type"})
)

// RegisterRecovered exposes a panic counter owned by another package.
func RegisterRecovered(count func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "panics_recovered",
		Help:      "Panics contained without terminating the process.",
	}, func() float64 { return float64(count()) })
}
