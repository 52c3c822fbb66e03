package metrics

import "github.com/prometheus/client_golang/prometheus"

// QueueMetrics holds Prometheus metrics for the outbound queue.
type QueueMetrics struct {
	Enqueued           prometheus.Counter
	Rejected           prometheus.Counter
	Evicted            prometheus.Counter
	Completed          prometheus.Counter
	Retried            prometheus.Counter
	Failed             prometheus.Counter
	Timeouts           prometheus.Counter
	Depth              *prometheus.GaugeVec
	ProcessingDuration prometheus.Histogram
	PersistenceErrors  *prometheus.CounterVec
}

// NewQueueMetrics creates and registers queue metrics on the given registry.
func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      name,
			Help:      help,
		})
	}

	m := &QueueMetrics{
		Enqueued:  counter("enqueued_total", "Total number of messages accepted by the queue."),
		Rejected:  counter("rejected_total", "Total number of enqueues rejected because the queue was full."),
		Evicted:   counter("evicted_total", "Total number of pending messages evicted by higher-priority messages."),
		Completed: counter("completed_total", "Total number of messages processed successfully."),
		Retried:   counter("retried_total", "Total number of failed attempts scheduled for retry."),
		Failed:    counter("failed_total", "Total number of messages that exhausted their retries."),
		Timeouts:  counter("processing_timeouts_total", "Total number of processing attempts that exceeded the processing timeout."),
		Depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Number of queued messages, by status.",
		}, []string{"status"}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "processing_duration_seconds",
			Help:      "Duration of successful processing attempts in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		PersistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "persistence_errors_total",
			Help:      "Total number of snapshot load/save failures, by operation.",
		}, []string{"operation"}),
	}

	reg.MustRegister(m.Enqueued, m.Rejected, m.Evicted, m.Completed, m.Retried, m.Failed,
		m.Timeouts, m.Depth, m.ProcessingDuration, m.PersistenceErrors)
	return m
}
