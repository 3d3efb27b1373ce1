// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState is one-hot per dependency: exactly one state reads 1.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mediaforge_dependency_breaker_state",
		Help: "Circuit breaker state per external dependency",
	}, []string{"dependency", "state"})

	BreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaforge_dependency_breaker_trips_total",
		Help: "Breaker transitions to open per external dependency",
	}, []string{"dependency", "reason"})

	// EventsDropped counts job events a slow subscriber never received.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mediaforge_job_events_dropped_total",
		Help: "Job events dropped per topic kind and reason",
	}, []string{"topic", "reason"})
)

var breakerStates = [...]string{"closed", "half-open", "open"}

// SetBreakerState marks state as the active one for dependency.
func SetBreakerState(dependency, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		BreakerState.WithLabelValues(dependency, s).Set(v)
	}
}

func RecordBreakerTrip(dependency, reason string) {
	BreakerTrips.WithLabelValues(dependency, reason).Inc()
}

// RecordEventDrop counts a dropped job event. Empty labels read "unknown".
func RecordEventDrop(topic, reason string) {
	EventsDropped.WithLabelValues(orUnknown(topic), orUnknown(reason)).Inc()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
