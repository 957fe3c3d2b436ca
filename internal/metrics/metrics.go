// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepwatch",
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of sub-service runner launches.",
		}, []string{"name"},
	)
	serviceRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepwatch",
			Subsystem: "service",
			Name:      "restarts_total",
			Help:      "Number of retry-ladder restarts.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepwatch",
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stops, graceful or hard-killed.",
		}, []string{"name"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keepwatch",
			Subsystem: "service",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between sub-service states.",
		}, []string{"name", "from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "keepwatch",
			Subsystem: "service",
			Name:      "current_state",
			Help:      "Current state of a sub-service (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)
	watchdogTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "keepwatch",
			Subsystem: "supervisor",
			Name:      "watchdog_tick_duration_seconds",
			Help:      "Wall-clock duration of one watchdog pass over all sub-services.",
			Buckets:   prometheus.DefBuckets,
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceRestarts, serviceStops, stateTransitions, currentStates, watchdogTickDuration}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncRestart(name string) {
	if regOK.Load() {
		serviceRestarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

func RecordStateTransition(name, from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(name, from, to).Inc()
	}
}

func SetCurrentState(name, state string, active bool) {
	if !regOK.Load() {
		return
	}
	var value float64
	if active {
		value = 1
	}
	currentStates.WithLabelValues(name, state).Set(value)
}

func ObserveWatchdogTick(seconds float64) {
	if regOK.Load() {
		watchdogTickDuration.Observe(seconds)
	}
}
