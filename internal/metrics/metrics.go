package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Resolution counters and timings for the /metrics endpoint.
var (
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trailcast",
		Name:      "resolutions_total",
		Help:      "Resolution attempts by winning source and outcome.",
	}, []string{"source", "outcome"})

	ResolutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trailcast",
		Name:      "resolution_duration_seconds",
		Help:      "End-to-end resolution latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15},
	})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trailcast",
		Name:      "cache_lookups_total",
		Help:      "Cache lookups by result.",
	}, []string{"result"})

	GateInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trailcast",
		Name:      "gate_in_flight",
		Help:      "Resolutions currently holding a gate slot.",
	})

	GateTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trailcast",
		Name:      "gate_timeouts_total",
		Help:      "Requests that hit the wall deadline before resolving.",
	})
)
