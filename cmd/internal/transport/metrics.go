package transport

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the transport's Prometheus collectors. A nil *Metrics is a no-op.
type Metrics struct {
	state        prometheus.Gauge
	dialAttempts prometheus.Counter
	reconnects   prometheus.Counter
	events       *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "convsync_transport_state",
			Help: "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 authenticated.",
		}),
		dialAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_transport_dial_attempts_total",
			Help: "Connection attempts, including the first dial.",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "convsync_transport_reconnects_total",
			Help: "Successful reconnections after a lost connection.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "convsync_transport_events_total",
			Help: "Inbound server events by type.",
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.state, m.dialAttempts, m.reconnects, m.events)
	}
	return m
}

func (m *Metrics) setState(s State) {
	if m != nil {
		m.state.Set(float64(s))
	}
}

func (m *Metrics) dialed() {
	if m != nil {
		m.dialAttempts.Inc()
	}
}

func (m *Metrics) reconnected() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) event(typ string) {
	if m != nil {
		m.events.WithLabelValues(typ).Inc()
	}
}
