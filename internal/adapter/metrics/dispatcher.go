package metrics

import "github.com/prometheus/client_golang/prometheus"

// DispatcherMetrics tracks the inbound response queue.
type DispatcherMetrics struct {
	Dropped    prometheus.Counter
	QueueDepth prometheus.Gauge
}

func NewDispatcherMetrics(reg prometheus.Registerer) *DispatcherMetrics {
	m := &DispatcherMetrics{
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "dropped_total",
			Help:      "Total number of responses discarded because the queue was full.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "queue_depth",
			Help:      "Number of responses waiting to be drained.",
		}),
	}

	reg.MustRegister(m.Dropped, m.QueueDepth)
	return m
}

func (m *DispatcherMetrics) Drop() {
	if m == nil {
		return
	}
	m.Dropped.Inc()
}

func (m *DispatcherMetrics) SetDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}
