package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics tracks the EventSub transport session.
type SessionMetrics struct {
	State      prometheus.Gauge
	Reconnects *prometheus.CounterVec
	Frames     *prometheus.CounterVec
}

func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		State: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "Current session state (0=connecting 1=handshaking 2=active 3=reconnecting 4=closing 5=closed).",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reconnects_total",
			Help:      "Total number of reconnects by reason.",
		}, []string{"reason"}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Total number of frames received by message type.",
		}, []string{"type"}),
	}

	reg.MustRegister(m.State, m.Reconnects, m.Frames)
	return m
}

func (m *SessionMetrics) SetState(state int) {
	if m == nil {
		return
	}
	m.State.Set(float64(state))
}

func (m *SessionMetrics) Reconnect(reason string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(reason).Inc()
}

func (m *SessionMetrics) Frame(messageType string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(messageType).Inc()
}
