// Package metrics exposes Prometheus counters for the chat core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dialogturn"

// Metrics holds the collectors on a private registry. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	turns         *prometheus.CounterVec
	parseFailures prometheus.Counter
	reconnects    prometheus.Counter
	sessionErrors *prometheus.CounterVec
	mediaFailures prometheus.Counter
	pendingMedia  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns dispatched, by kind.",
		}, []string{"kind"}),
		parseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_failures_total",
			Help:      "Server messages dropped because they could not be parsed.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Automatic voice session reconnect attempts.",
		}),
		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_errors_total",
			Help:      "Session errors reported by the dialogue client, by class.",
		}, []string{"class"}),
		mediaFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_failures_total",
			Help:      "Media playback attempts that failed to prepare or start.",
		}),
		pendingMedia: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_media",
			Help:      "Entries waiting in the after-speech media queue.",
		}),
	}
	m.Registry.MustRegister(
		m.turns,
		m.parseFailures,
		m.reconnects,
		m.sessionErrors,
		m.mediaFailures,
		m.pendingMedia,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) TurnDispatched(kind string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(kind).Inc()
}

func (m *Metrics) ParseFailed() {
	if m == nil {
		return
	}
	m.parseFailures.Inc()
}

func (m *Metrics) Reconnecting() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SessionError(class string) {
	if m == nil {
		return
	}
	m.sessionErrors.WithLabelValues(class).Inc()
}

func (m *Metrics) MediaFailed() {
	if m == nil {
		return
	}
	m.mediaFailures.Inc()
}

func (m *Metrics) SetPendingMedia(n int) {
	if m == nil {
		return
	}
	m.pendingMedia.Set(float64(n))
}
