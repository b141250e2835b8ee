package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors. One instance is
// created at startup and shared by every component.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	CacheHitsTotal      *prometheus.CounterVec
	CacheMissesTotal    prometheus.Counter
	RateLimitRejections *prometheus.CounterVec
	BudgetRejections    *prometheus.CounterVec
	ProviderFailures    *prometheus.CounterVec
	CircuitState        *prometheus.GaugeVec
	QueueDepth          *prometheus.GaugeVec
	CostCentsTotal      *prometheus.CounterVec
	StreamFramesTotal   *prometheus.CounterVec
}

// NewMetrics registers the collectors on a registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_requests_total",
			Help: "Requests by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "modelgate_request_duration_seconds",
			Help:    "End-to-end request latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider", "model"}),
		CacheHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_cache_hits_total",
			Help: "Cache hits by layer.",
		}, []string{"layer"}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "modelgate_cache_misses_total",
			Help: "Cache misses across both layers.",
		}),
		RateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_ratelimit_rejections_total",
			Help: "Rate-limit rejections by tier.",
		}, []string{"tier"}),
		BudgetRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_budget_rejections_total",
			Help: "Budget rejections by level.",
		}, []string{"level"}),
		ProviderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_provider_failures_total",
			Help: "Provider call failures by provider, region, and error kind.",
		}, []string{"provider", "region", "kind"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelgate_circuit_state",
			Help: "Breaker state per provider and region (0 closed, 1 half-open, 2 open).",
		}, []string{"provider", "region"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "modelgate_queue_depth",
			Help: "Queued requests by priority.",
		}, []string{"priority"}),
		CostCentsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_cost_cents_total",
			Help: "Accumulated provider cost in cents.",
		}, []string{"provider", "model"}),
		StreamFramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "modelgate_stream_frames_total",
			Help: "Streaming frames forwarded by provider.",
		}, []string{"provider"}),
	}
}

// ObserveCircuit records a breaker state as a gauge value.
func (m *Metrics) ObserveCircuit(provider, region, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	m.CircuitState.WithLabelValues(provider, region).Set(v)
}
