package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DispatchMetrics holds Prometheus metrics for inbound message routing.
type DispatchMetrics struct {
	Dispatched       *prometheus.CounterVec
	ParseErrors      prometheus.Counter
	HandlerPanics    prometheus.Counter
	ResponsesMatched *prometheus.CounterVec
}

// NewDispatchMetrics creates and registers dispatch metrics on the given registry.
func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	factory := promauto.With(reg)
	return &DispatchMetrics{
		Dispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Total number of inbound envelopes fanned out to subscribers, by type.",
		}, []string{"type"}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "parse_errors_total",
			Help:      "Total number of malformed inbound frames dropped.",
		}),
		HandlerPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "handler_panics_total",
			Help:      "Total number of subscriber panics recovered.",
		}),
		ResponsesMatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "requests_settled_total",
			Help:      "Total number of pending requests settled, by outcome.",
		}, []string{"outcome"}),
	}
}
