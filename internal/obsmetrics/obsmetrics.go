// Package obsmetrics exports each supervisor's model.ConnectionMetrics as
// Prometheus gauges, labeled by exchange. Grounded on the
// metricsLoop/Metrics() pattern in the teacher's okx/binance clients,
// adapted from a push-to-jsonl snapshot to a pull-based Prometheus registry.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"marketfeed/internal/model"
)

// Registry holds the per-exchange gauge vectors. One Registry is shared by
// every supervisor the router owns.
type Registry struct {
	totalConnections      *prometheus.GaugeVec
	successfulConnections *prometheus.GaugeVec
	failedConnections     *prometheus.GaugeVec
	reconnectionAttempts  *prometheus.GaugeVec
	pingFailures          *prometheus.GaugeVec
	lastPingTsMs          *prometheus.GaugeVec
	connectionPhase       *prometheus.GaugeVec
}

// NewRegistry builds and registers the gauge vectors against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		totalConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketfeed", Name: "connections_total", Help: "Total connection attempts made by a supervisor.",
		}, []string{"exchange"}),
		successfulConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketfeed", Name: "connections_successful", Help: "Successful connection attempts.",
		}, []string{"exchange"}),
		failedConnections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketfeed", Name: "connections_failed", Help: "Failed connection attempts.",
		}, []string{"exchange"}),
		reconnectionAttempts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketfeed", Name: "reconnection_attempts", Help: "Reconnection attempts since start.",
		}, []string{"exchange"}),
		pingFailures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketfeed", Name: "ping_failures", Help: "Heartbeat failures detected.",
		}, []string{"exchange"}),
		lastPingTsMs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketfeed", Name: "last_ping_timestamp_ms", Help: "Unix ms of the last successful ping.",
		}, []string{"exchange"}),
		connectionPhase: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "marketfeed", Name: "connection_phase", Help: "Current ConnectionPhase as an integer.",
		}, []string{"exchange"}),
	}

	reg.MustRegister(
		r.totalConnections,
		r.successfulConnections,
		r.failedConnections,
		r.reconnectionAttempts,
		r.pingFailures,
		r.lastPingTsMs,
		r.connectionPhase,
	)
	return r
}

// Observe updates every gauge for ex from a ConnectionMetrics snapshot.
func (r *Registry) Observe(ex model.ExchangeId, m model.ConnectionMetrics) {
	label := string(ex)
	r.totalConnections.WithLabelValues(label).Set(float64(m.TotalConnections))
	r.successfulConnections.WithLabelValues(label).Set(float64(m.SuccessfulConnections))
	r.failedConnections.WithLabelValues(label).Set(float64(m.FailedConnections))
	r.reconnectionAttempts.WithLabelValues(label).Set(float64(m.ReconnectionAttempts))
	r.pingFailures.WithLabelValues(label).Set(float64(m.PingFailures))
	r.lastPingTsMs.WithLabelValues(label).Set(float64(m.LastPingTsMs))
}

// ObservePhase records the supervisor's current connection phase.
func (r *Registry) ObservePhase(ex model.ExchangeId, phase model.ConnectionPhase) {
	r.connectionPhase.WithLabelValues(string(ex)).Set(float64(phase))
}
