package metrics

import "github.com/prometheus/client_golang/prometheus"

// Command outcomes.
const (
	OutcomeSent            = "sent"
	OutcomeRejected        = "rejected"
	OutcomeError           = "error"
	OutcomeUnauthenticated = "unauthenticated"
	OutcomeCancelled       = "cancelled"
)

// CommandMetrics tracks outbound chat commands.
type CommandMetrics struct {
	Total *prometheus.CounterVec
}

func NewCommandMetrics(reg prometheus.Registerer) *CommandMetrics {
	m := &CommandMetrics{
		Total: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of outbound commands by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(m.Total)
	return m
}

func (m *CommandMetrics) Observe(outcome string) {
	if m == nil {
		return
	}
	m.Total.WithLabelValues(outcome).Inc()
}
