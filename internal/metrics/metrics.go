// Package metrics holds the tracker's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for Transitions.
const (
	OutcomeAccepted = "accepted"
	OutcomeConflict = "conflict"
	OutcomeRejected = "rejected"
)

var (
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shard_tracker",
			Name:      "transitions_total",
			Help:      "Shard mutations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)

	Conflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shard_tracker",
			Name:      "conflicts_total",
			Help:      "Mutations rejected with a conflict, by operation.",
		},
		[]string{"op"},
	)

	Jobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "shard_tracker",
			Name:      "jobs_total",
			Help:      "Jobs currently held by the registry.",
		},
	)

	Events = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "shard_tracker",
			Name:      "job_events_total",
			Help:      "Job events appended to the event log, by name.",
		},
		[]string{"name"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "shard_tracker",
			Name:      "job_events_dropped_total",
			Help:      "Job events a slow subscriber missed.",
		},
	)
)
