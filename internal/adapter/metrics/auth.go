package metrics

import "github.com/prometheus/client_golang/prometheus"

// Refresh outcomes.
const (
	RefreshSuccess  = "success"
	RefreshRejected = "rejected"
	RefreshError    = "error"
)

// AuthMetrics tracks token refreshes.
type AuthMetrics struct {
	Refreshes *prometheus.CounterVec
}

func NewAuthMetrics(reg prometheus.Registerer) *AuthMetrics {
	m := &AuthMetrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "token_refreshes_total",
			Help:      "Total number of token refresh attempts by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.Refreshes)
	return m
}

func (m *AuthMetrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}
