package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the dev server's Prometheus collectors. Each server has its
// own registry so several servers can run in one process.
type Metrics struct {
	registry      *prometheus.Registry
	sessions      prometheus.Gauge
	requests      *prometheus.CounterVec
	pushedChanges prometheus.Counter
	reloads       *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "basekit",
			Name:      "sessions",
			Help:      "Connected websocket sessions.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "basekit",
			Name:      "requests_total",
			Help:      "Protocol requests by type and outcome.",
		}, []string{"type", "outcome"}),
		pushedChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "basekit",
			Name:      "pushed_changes_total",
			Help:      "Changes pushed to sessions.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "basekit",
			Name:      "fixture_reloads_total",
			Help:      "Fixture reloads by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.sessions,
		m.requests,
		m.pushedChanges,
		m.reloads,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) request(msgType, outcome string) {
	m.requests.WithLabelValues(msgType, outcome).Inc()
}

func (m *Metrics) reload(err error) {
	if err != nil {
		m.reloads.WithLabelValues("error").Inc()
		return
	}
	m.reloads.WithLabelValues("ok").Inc()
}
