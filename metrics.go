package keypool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes Prometheus instruments for pools and orchestrators.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	attemptsTotal    *prometheus.CounterVec
	runsTotal        *prometheus.CounterVec
	keyFailuresTotal *prometheus.CounterVec
	callDuration     prometheus.Histogram

	registerer prometheus.Registerer
}

// NewMetrics registers the keypool instruments on reg
// (nil → prometheus.DefaultRegisterer).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		attemptsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keypool_attempts_total",
				Help: "Underlying call attempts by outcome status",
			},
			[]string{"status"},
		),
		runsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keypool_runs_total",
				Help: "Finished logical requests by final state",
			},
			[]string{"state"},
		),
		keyFailuresTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keypool_key_failures_total",
				Help: "Cooldown penalties applied to keys by failure class",
			},
			[]string{"class"},
		),
		callDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keypool_call_duration_seconds",
				Help:    "Duration of underlying calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		registerer: reg,
	}
}

// TrackPool exports the number of cooling keys of p as keypool_keys_cooling.
func (m *Metrics) TrackPool(p *Pool) error {
	if m == nil {
		return nil
	}
	return m.registerer.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "keypool_keys_cooling",
			Help: "Keys currently excluded from selection by cooldown",
		},
		func() float64 { return float64(p.Cooling()) },
	))
}

func (m *Metrics) attempt(status AttemptStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.attemptsTotal.WithLabelValues(string(status)).Inc()
	if d > 0 {
		m.callDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) run(state State) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) keyFailure(class FailureClass) {
	if m == nil {
		return
	}
	if class == "" {
		class = "unspecified"
	}
	m.keyFailuresTotal.WithLabelValues(string(class)).Inc()
}
