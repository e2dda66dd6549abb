package orchestrate

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts retries and cache commits. A nil *Metrics records nothing.
type Metrics struct {
	retries *prometheus.CounterVec
	commits *prometheus.CounterVec
	deleted prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypha",
			Subsystem: "sync",
			Name:      "retries_total",
			Help:      "Resubmissions after a session expiry or a granted trust challenge",
		}, []string{"reason"}),
		commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hypha",
			Subsystem: "sync",
			Name:      "commits_total",
			Help:      "Cache commits by outcome",
		}, []string{"outcome"}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hypha",
			Subsystem: "sync",
			Name:      "deleted_entities_total",
			Help:      "Entities removed from the cache",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.retries, m.commits, m.deleted)
	}
	return m
}

func (m *Metrics) retry(reason string) {
	if m != nil {
		m.retries.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) commit(err error, deleted int) {
	if m == nil {
		return
	}
	if err != nil {
		m.commits.WithLabelValues("error").Inc()
		return
	}
	m.commits.WithLabelValues("ok").Inc()
	m.deleted.Add(float64(deleted))
}
