package reconcile

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the reconciler's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	duplicates    prometheus.Counter
	rollbacks     prometheus.Counter
	pendingFailed prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_reconcile_duplicates_total",
			Help: "Pushed messages discarded because their identity key was already applied.",
		}),
		rollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_reconcile_rollbacks_total",
			Help: "Optimistic messages removed after a failed submit.",
		}),
		pendingFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_reconcile_pending_failed_total",
			Help: "Optimistic messages marked failed after the pending timeout.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.duplicates, m.rollbacks, m.pendingFailed)
	}
	return m
}

func (m *Metrics) duplicate() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) rollback() {
	if m != nil {
		m.rollbacks.Inc()
	}
}

func (m *Metrics) pendingFail() {
	if m != nil {
		m.pendingFailed.Inc()
	}
}
