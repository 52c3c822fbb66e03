package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConnectionMetrics holds Prometheus metrics for the managed transport.
type ConnectionMetrics struct {
	State             *prometheus.GaugeVec
	ReconnectAttempts prometheus.Counter
	LivenessFailures  prometheus.Counter
	FramesSent        *prometheus.CounterVec
	FramesReceived    prometheus.Counter
	PendingRequests   prometheus.Gauge
}

// NewConnectionMetrics creates and registers connection metrics on the given registry.
func NewConnectionMetrics(reg prometheus.Registerer) *ConnectionMetrics {
	m := &ConnectionMetrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of scheduled reconnect attempts.",
		}),
		LivenessFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "liveness_failures_total",
			Help:      "Total number of connections closed because the peer stopped answering.",
		}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_sent_total",
			Help:      "Total number of frames written, by path (direct or queued).",
		}, []string{"path"}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_received_total",
			Help:      "Total number of inbound frames.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "pending_requests",
			Help:      "Number of requests awaiting a response.",
		}),
	}

	reg.MustRegister(m.State, m.ReconnectAttempts, m.LivenessFailures, m.FramesSent, m.FramesReceived, m.PendingRequests)
	return m
}

// SetState marks state as the only active state.
func (m *ConnectionMetrics) SetState(state string, all ...string) {
	for _, s := range all {
		m.State.WithLabelValues(s).Set(0)
	}
	m.State.WithLabelValues(state).Set(1)
}
