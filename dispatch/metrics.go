package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// unknownMethod labels streams whose route could not be resolved, so that
// arbitrary paths do not create new series.
const unknownMethod = "unknown"

// Metrics holds the Prometheus collectors updated by dispatched streams. A
// nil *Metrics is valid and records nothing.
type Metrics struct {
	started  *prometheus.CounterVec
	handled  *prometheus.CounterVec
	received *prometheus.CounterVec
	sent     *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		started: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grpcexport_streams_started_total",
				Help: "Total number of streams opened, by method and cardinality.",
			},
			[]string{"service", "method", "cardinality"},
		),
		handled: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grpcexport_streams_handled_total",
				Help: "Total number of streams completed, by method and status code.",
			},
			[]string{"service", "method", "code"},
		),
		received: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grpcexport_messages_received_total",
				Help: "Total number of request messages received.",
			},
			[]string{"service", "method"},
		),
		sent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grpcexport_messages_sent_total",
				Help: "Total number of response messages sent.",
			},
			[]string{"service", "method"},
		),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "grpcexport_streams_in_flight",
			Help: "Number of streams currently open.",
		}),
	}
}

func (m *Metrics) streamStarted(service, method, cardinality string) {
	if m == nil {
		return
	}
	m.started.WithLabelValues(service, method, cardinality).Inc()
	m.inFlight.Inc()
}

func (m *Metrics) streamHandled(service, method, code string) {
	if m == nil {
		return
	}
	m.handled.WithLabelValues(service, method, code).Inc()
	m.inFlight.Dec()
}

func (m *Metrics) messagesReceived(service, method string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.received.WithLabelValues(service, method).Add(float64(n))
}

func (m *Metrics) messageSent(service, method string) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(service, method).Inc()
}
