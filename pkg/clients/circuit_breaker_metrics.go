package clients

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// 0=closed, 1=open, 2=half-open, matching CircuitBreakerState.
	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	circuitBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

func init() {
	prometheus.MustRegister(circuitBreakerState)
	prometheus.MustRegister(circuitBreakerTransitions)
}

// CircuitBreakerMetricsCallback returns an OnStateChange callback that
// mirrors breaker transitions into Prometheus.
func CircuitBreakerMetricsCallback() func(string, CircuitBreakerState, CircuitBreakerState) {
	return func(name string, from, to CircuitBreakerState) {
		circuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		circuitBreakerState.WithLabelValues(name).Set(float64(to))
	}
}
