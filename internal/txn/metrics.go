package txn

import "github.com/prometheus/client_golang/prometheus"

// Rollback reasons used as metric labels.
const (
	reasonError        = "error"
	reasonRollbackOnly = "rollback_only"
	reasonTimeout      = "timeout"
	reasonPanic        = "panic"
	reasonCommitFailed = "commit_failed"
)

// Metrics holds the Prometheus collectors for a Manager. A nil *Metrics
// records nothing.
type Metrics struct {
	Begun      *prometheus.CounterVec
	Joined     *prometheus.CounterVec
	Committed  prometheus.Counter
	RolledBack *prometheus.CounterVec
	Refused    *prometheus.CounterVec
	Active     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Begun: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tx_begun_total",
				Help: "Transaction records begun, by propagation.",
			},
			[]string{"propagation"},
		),
		Joined: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tx_joined_total",
				Help: "Calls that joined an active transaction record, by propagation.",
			},
			[]string{"propagation"},
		),
		Committed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "conduit_tx_committed_total",
				Help: "Transaction records committed.",
			},
		),
		RolledBack: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tx_rolled_back_total",
				Help: "Transaction records rolled back, by reason.",
			},
			[]string{"reason"},
		),
		Refused: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conduit_tx_refused_total",
				Help: "Calls refused by Mandatory or Never before running the body.",
			},
			[]string{"propagation"},
		),
		Active: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "conduit_tx_active",
				Help: "Transaction records currently open.",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Begun, m.Joined, m.Committed, m.RolledBack, m.Refused, m.Active)
	}
	return m
}

func (m *Metrics) begun(p Propagation) {
	if m == nil {
		return
	}
	m.Begun.WithLabelValues(p.String()).Inc()
	m.Active.Inc()
}

func (m *Metrics) joined(p Propagation) {
	if m == nil {
		return
	}
	m.Joined.WithLabelValues(p.String()).Inc()
}

func (m *Metrics) committed() {
	if m == nil {
		return
	}
	m.Committed.Inc()
	m.Active.Dec()
}

func (m *Metrics) rolledBack(reason string) {
	if m == nil {
		return
	}
	m.RolledBack.WithLabelValues(reason).Inc()
	m.Active.Dec()
}

func (m *Metrics) refused(p Propagation) {
	if m == nil {
		return
	}
	m.Refused.WithLabelValues(p.String()).Inc()
}
