package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Worker kind label values.
const (
	kindCore     = "core"
	kindOverflow = "overflow"
)

// Metrics holds the Prometheus collectors for a Pool. A nil *Metrics records
// nothing.
type Metrics struct {
	Submitted    prometheus.Counter
	Rejected     *prometheus.CounterVec
	Workers      *prometheus.GaugeVec
	QueueDepth   prometheus.Gauge
	TaskDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_pool_tasks_submitted_total",
				Help: "Tasks accepted for submission, before any rejection.",
			},
		),
		Rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_pool_tasks_rejected_total",
				Help: "Submissions handled by the rejection policy, by policy.",
			},
			[]string{"policy"},
		),
		Workers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conduit_pool_workers",
				Help: "Live workers, by kind.",
			},
			[]string{"kind"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_pool_queue_depth",
				Help: "Tasks waiting in the queue.",
			},
		),
		TaskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conduit_pool_task_duration_seconds",
				Help:    "Task execution time in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	// Pre-initialize label combinations so they appear from startup.
	m.Workers.WithLabelValues(kindCore)
	m.Workers.WithLabelValues(kindOverflow)

	if reg != nil {
		reg.MustRegister(m.Submitted, m.Rejected, m.Workers, m.QueueDepth, m.TaskDuration)
	}
	return m
}

func (m *Metrics) submitted() {
	if m == nil {
		return
	}
	m.Submitted.Inc()
}

func (m *Metrics) rejected(policy string) {
	if m == nil {
		return
	}
	m.Rejected.WithLabelValues(policy).Inc()
}

func (m *Metrics) workers(kind string, delta float64) {
	if m == nil {
		return
	}
	m.Workers.WithLabelValues(kind).Add(delta)
}

func (m *Metrics) queueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) observe(d time.Duration) {
	if m == nil {
		return
	}
	m.TaskDuration.Observe(d.Seconds())
}
