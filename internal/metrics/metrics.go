// Package metrics holds the Prometheus instruments the sync engine
// and chat hub report into, exposed at GET /metrics on the app server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the instrument set. One instance is built at bootstrap
// and passed to the components that report; there is no package-level
// registry so tests can run engines side by side.
type Metrics struct {
	Registry *prometheus.Registry

	SyncRounds        prometheus.Counter
	SyncFailures      prometheus.Counter
	HeartbeatRounds   prometheus.Counter
	HeartbeatFailures prometheus.Counter
	ChatPushes        prometheus.Counter
	ChatPushFailures  prometheus.Counter

	KnownNodes   prometheus.Gauge
	TrustedNodes prometheus.Gauge
	Role         *prometheus.GaugeVec
}

// New builds and registers the instrument set
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		SyncRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshd_sync_rounds_total",
			Help: "Completed sync exchanges with peers.",
		}),
		SyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshd_sync_failures_total",
			Help: "Failed sync exchanges with peers.",
		}),
		HeartbeatRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshd_heartbeat_rounds_total",
			Help: "Completed heartbeats to hubs.",
		}),
		HeartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshd_heartbeat_failures_total",
			Help: "Failed heartbeats to hubs.",
		}),
		ChatPushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshd_chat_pushes_total",
			Help: "Chat messages pushed to peers.",
		}),
		ChatPushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshd_chat_push_failures_total",
			Help: "Chat pushes that failed.",
		}),
		KnownNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_known_nodes",
			Help: "Records in the nodes document.",
		}),
		TrustedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshd_trusted_nodes",
			Help: "Records with trusted status.",
		}),
		Role: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshd_role",
			Help: "Current sync role, 1 for the active one.",
		}, []string{"mode"}),
	}

	reg.MustRegister(
		m.SyncRounds, m.SyncFailures,
		m.HeartbeatRounds, m.HeartbeatFailures,
		m.ChatPushes, m.ChatPushFailures,
		m.KnownNodes, m.TrustedNodes, m.Role,
	)
	return m
}

// SetRole flips the role gauge to the given mode
func (m *Metrics) SetRole(mode string) {
	for _, known := range []string{"full", "relay", "temp_full"} {
		v := 0.0
		if known == mode {
			v = 1.0
		}
		m.Role.WithLabelValues(known).Set(v)
	}
}
