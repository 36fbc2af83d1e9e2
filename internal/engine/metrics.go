package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "engine",
		Name:      "cycles_total",
		Help:      "Number of sync cycles, labeled by outcome.",
	}, []string{"outcome"})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fitsync",
		Subsystem: "engine",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent pushing, pulling and applying in one cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})

	pushedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "engine",
		Name:      "operations_pushed_total",
		Help:      "Number of queued operations acknowledged by the server.",
	})

	appliedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "engine",
		Name:      "changes_applied_total",
		Help:      "Number of remote changes written locally, labeled by source (pull or realtime).",
	}, []string{"source"})

	conflictsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "engine",
		Name:      "conflicts_total",
		Help:      "Number of conflicts detected, labeled by conflict type.",
	}, []string{"type"})

	retryExhaustedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fitsync",
		Subsystem: "engine",
		Name:      "retry_exhausted_total",
		Help:      "Number of operations dropped after reaching the retry ceiling.",
	})

	queueDepthGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fitsync",
		Subsystem: "engine",
		Name:      "queue_depth",
		Help:      "Operations waiting in the sync queue after the last cycle.",
	})
)

func init() {
	prometheus.MustRegister(cyclesCounter, cycleDuration, pushedCounter, appliedCounter,
		conflictsCounter, retryExhaustedCounter, queueDepthGauge)
}
