package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edge"

// Metrics holds the collectors of one edge process. Each instance owns its
// own registry so tests can build as many as they like.
type Metrics struct {
	reg *prometheus.Registry

	SessionsActive    prometheus.Gauge
	SessionsTotal     prometheus.Counter
	HandshakeFailures *prometheus.CounterVec
	DialAttempts      *prometheus.CounterVec
	Bytes             *prometheus.CounterVec
	CloseCodes        *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	RegistryEvictions prometheus.Counter
	EndpointUp        *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "sessions_active", Help: "Relay sessions currently open",
		}),
		SessionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total", Help: "Relay sessions started",
		}),
		HandshakeFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshake_failures_total", Help: "Rejected upgrade requests by reason",
		}, []string{"reason"}),
		DialAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dial_attempts_total", Help: "Outbound connection attempts by stage and result",
		}, []string{"stage", "result"}),
		Bytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relayed_bytes_total", Help: "Bytes relayed by direction",
		}, []string{"direction"}),
		CloseCodes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "session_close_total", Help: "Closed sessions by close code",
		}, []string{"code"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_duration_seconds", Help: "Relay session lifetime",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 18),
		}),
		RegistryEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "registry_evictions_total", Help: "Session descriptors dropped by capacity clears",
		}),
		EndpointUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "fallback_endpoint_up", Help: "Last probe result per fallback endpoint (1 up, 0 down)",
		}, []string{"stage", "endpoint"}),
	}
}

// ObserveDial records one attempt of the connection establisher.
func (m *Metrics) ObserveDial(stage string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DialAttempts.WithLabelValues(stage, result).Inc()
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
