package health

import (
	"errors"

	"github.com/goral/pkg/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "goral"

// Call outcomes used as the outcome label.
const (
	OutcomeSuccess   = "success"
	OutcomeStatus    = "status_error"
	OutcomeTransport = "transport_error"
	OutcomeAborted   = "aborted"
	OutcomeError     = "error"
)

// Metrics holds all Prometheus metrics for goral.
type Metrics struct {
	CallsTotal    *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	ResponseBytes *prometheus.HistogramVec
	CallsInFlight prometheus.Gauge
	QueuedCalls   prometheus.Gauge
	ServiceHealth *prometheus.GaugeVec
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// uses the default Prometheus registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "calls_total",
				Help:      "Total number of calls by service, protocol and outcome",
			},
			[]string{"service", "protocol", "outcome"},
		),
		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "call_duration_seconds",
				Help:      "Call latency histogram",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"service", "protocol"},
		),
		ResponseBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "response_bytes",
				Help:      "Size of aggregated response bodies",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MiB
			},
			[]string{"service", "protocol"},
		),
		CallsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "calls_in_flight",
				Help:      "Current number of calls being executed",
			},
		),
		QueuedCalls: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_calls",
				Help:      "Number of calls waiting for a worker",
			},
		),
		ServiceHealth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_health",
				Help:      "Health status of each service (1=healthy, 0=unhealthy)",
			},
			[]string{"service"},
		),
	}
}

// Outcome classifies a call error for the outcome label.
func Outcome(err error) string {
	var transportErr *protocol.TransportError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, protocol.ErrAborted):
		return OutcomeAborted
	case errors.As(err, new(*protocol.StatusError)):
		return OutcomeStatus
	case errors.As(err, &transportErr):
		return OutcomeTransport
	default:
		return OutcomeError
	}
}

// RecordCall records metrics for a completed call.
func (m *Metrics) RecordCall(service, proto string, err error, bodyLen int, durationSeconds float64) {
	m.CallsTotal.WithLabelValues(service, proto, Outcome(err)).Inc()
	m.CallDuration.WithLabelValues(service, proto).Observe(durationSeconds)
	if err == nil {
		m.ResponseBytes.WithLabelValues(service, proto).Observe(float64(bodyLen))
	}
}

// SetQueuedCalls updates the queued calls metric.
func (m *Metrics) SetQueuedCalls(count int) {
	m.QueuedCalls.Set(float64(count))
}

// SetServiceHealth updates the health status for a service.
func (m *Metrics) SetServiceHealth(service string, healthy bool) {
	if healthy {
		m.ServiceHealth.WithLabelValues(service).Set(1)
	} else {
		m.ServiceHealth.WithLabelValues(service).Set(0)
	}
}

// IncCallsInFlight increments the in-flight calls gauge.
func (m *Metrics) IncCallsInFlight() {
	m.CallsInFlight.Inc()
}

// DecCallsInFlight decrements the in-flight calls gauge.
func (m *Metrics) DecCallsInFlight() {
	m.CallsInFlight.Dec()
}
