package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts RPC calls by method and outcome. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	calls   *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hypha",
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "Total number of RPC calls by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hypha",
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "RPC round trip duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.latency)
	}
	return m
}

func (m *Metrics) observe(method string, err error, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = Classify(err).String()
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(d.Seconds())
}
