package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "twitchsub"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Set bundles every metric the session core records. A nil *Set, or any
// nil member, records nothing.
type Set struct {
	Session    *SessionMetrics
	Dispatcher *DispatcherMetrics
	Commands   *CommandMetrics
	Auth       *AuthMetrics
}

// NewSet creates and registers all metrics on reg.
func NewSet(reg prometheus.Registerer) *Set {
	return &Set{
		Session:    NewSessionMetrics(reg),
		Dispatcher: NewDispatcherMetrics(reg),
		Commands:   NewCommandMetrics(reg),
		Auth:       NewAuthMetrics(reg),
	}
}
