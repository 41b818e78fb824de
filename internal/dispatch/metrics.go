package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus collectors for a Dispatcher. A nil *Metrics
// records nothing.
type Metrics struct {
	Finished *prometheus.CounterVec
	Uncaught prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_dispatch_tasks_finished_total",
				Help: "Dispatched tasks that reached a terminal status, by status.",
			},
			[]string{"status"},
		),
		Uncaught: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_dispatch_uncaught_errors_total",
				Help: "Fire-and-forget failures routed to the uncaught handler.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Finished, m.Uncaught)
	}
	return m
}

func (m *Metrics) finished(status string) {
	if m == nil {
		return
	}
	m.Finished.WithLabelValues(status).Inc()
}

func (m *Metrics) uncaught() {
	if m == nil {
		return
	}
	m.Uncaught.Inc()
}
