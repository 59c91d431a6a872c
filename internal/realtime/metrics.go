package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts realtime pipeline outcomes. The pipeline swallows errors to
// protect ingestion throughput, so counters are the only failure signal.
type Metrics struct {
	EventsProcessed *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
}

// NewMetrics creates and registers the realtime counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funneld",
			Subsystem: "realtime",
			Name:      "events_processed_total",
			Help:      "Events accepted by the realtime tracker, by outcome.",
		}, []string{"outcome"}), // matched | unmatched
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funneld",
			Subsystem: "realtime",
			Name:      "events_dropped_total",
			Help:      "Events dropped by the realtime tracker, by stage.",
		}, []string{"stage"}), // decode | validate | load_funnels | load_state | persist
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "funneld",
			Subsystem: "realtime",
			Name:      "state_transitions_total",
			Help:      "User funnel state transitions, by kind.",
		}, []string{"kind"}), // entered | advanced | completed | activity
	}

	if reg != nil {
		reg.MustRegister(m.EventsProcessed, m.EventsDropped, m.Transitions)
	}

	return m
}
