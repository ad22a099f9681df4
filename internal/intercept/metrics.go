package intercept

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts hook activity.
type Metrics struct {
	Calls    *prometheus.CounterVec
	Filtered *prometheus.CounterVec
	Panics   *prometheus.CounterVec
}

// NewMetrics creates the hook counters and registers them with reg when it
// is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "artprobe",
			Subsystem: "hook",
			Name:      "calls_total",
			Help:      "Calls that reached a hooked target.",
		}, []string{"target"}),
		Filtered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "artprobe",
			Subsystem: "hook",
			Name:      "filtered_total",
			Help:      "Calls whose user logic was skipped, by the filter that rejected them.",
		}, []string{"target", "filter"}),
		Panics: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "artprobe",
			Subsystem: "hook",
			Name:      "panics_total",
			Help:      "Panics recovered from hook callbacks.",
		}, []string{"target"}),
	}
	if reg != nil {
		reg.MustRegister(m.Calls, m.Filtered, m.Panics)
	}
	return m
}
