package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	connections   *prometheus.GaugeVec
	envelopes     *prometheus.CounterVec
	deliveries    *prometheus.CounterVec
	controlFrames *prometheus.CounterVec
	persisted     prometheus.Counter
	persistErrors prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentrelay",
			Name:      "connections",
			Help:      "Open sockets by role.",
		}, []string{"role"}),
		envelopes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "envelopes_routed_total",
			Help:      "Application envelopes routed, by direction and fan-out mode.",
		}, []string{"direction", "mode"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "deliveries_total",
			Help:      "Per-target send attempts by result.",
		}, []string{"result"}),
		controlFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "control_frames_total",
			Help:      "Relay control frames handled, by type.",
		}, []string{"type"}),
		persisted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "events_persisted_total",
			Help:      "Thread-scoped envelopes appended to the event log.",
		}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentrelay",
			Name:      "event_append_errors_total",
			Help:      "Failed event log appends.",
		}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.envelopes, m.deliveries, m.controlFrames, m.persisted, m.persistErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) connOpened(role Role) {
	if m != nil {
		m.connections.WithLabelValues(string(role)).Inc()
	}
}

func (m *Metrics) connClosed(role Role) {
	if m != nil {
		m.connections.WithLabelValues(string(role)).Dec()
	}
}

func (m *Metrics) routed(direction, mode string) {
	if m != nil {
		m.envelopes.WithLabelValues(direction, mode).Inc()
	}
}

func (m *Metrics) delivered(res SendResult) {
	if m != nil {
		m.deliveries.WithLabelValues(res.String()).Inc()
	}
}

func (m *Metrics) control(frameType string) {
	if m != nil {
		m.controlFrames.WithLabelValues(frameType).Inc()
	}
}

func (m *Metrics) appendResult(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.persistErrors.Inc()
		return
	}
	m.persisted.Inc()
}
