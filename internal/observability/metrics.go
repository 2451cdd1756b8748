package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "herdbot"

// Metrics groups the collectors of one process. A nil *Metrics is valid and
// records nothing, which keeps tests and the terminal client free of setup.
type Metrics struct {
	TurnsTotal             *prometheus.CounterVec
	ProviderRequestsTotal  *prometheus.CounterVec
	ProviderLatencySeconds *prometheus.HistogramVec
	MalformedTotal         *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TurnsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "chat",
				Name:      "turns_total",
				Help:      "Completed assistant turns by the source that served them",
			},
			[]string{"source"},
		),
		ProviderRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "provider",
				Name:      "requests_total",
				Help:      "Provider calls by provider and outcome",
			},
			[]string{"provider", "outcome"},
		),
		ProviderLatencySeconds: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "provider",
				Name:      "latency_seconds",
				Help:      "Time until a provider call produced its answer or failed",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		MalformedTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "provider",
				Name:      "malformed_total",
				Help:      "Skipped malformed chunks and citation records",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) ObserveTurn(source string) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(source).Inc()
}

func (m *Metrics) ObserveProvider(provider, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.ProviderRequestsTotal.WithLabelValues(provider, outcome).Inc()
	m.ProviderLatencySeconds.WithLabelValues(provider).Observe(time.Since(started).Seconds())
}

func (m *Metrics) ObserveMalformed(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.MalformedTotal.WithLabelValues(kind).Add(float64(n))
}
