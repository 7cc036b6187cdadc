package replog

import "github.com/prometheus/client_golang/prometheus"

var (
	pushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "causalkv",
			Subsystem: "log",
			Name:      "pushes_total",
			Help:      "Counter of entries recording a put.",
		})

	deletesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "causalkv",
			Subsystem: "log",
			Name:      "deletes_total",
			Help:      "Counter of entries recording a tombstone.",
		})

	mergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "causalkv",
			Subsystem: "merger",
			Name:      "remote_heads_total",
			Help:      "Counter of processed remote heads.",
		}, []string{"result"})

	conflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "causalkv",
			Subsystem: "merger",
			Name:      "resolutions_total",
			Help:      "Counter of per-key resolutions of remote entries.",
		}, []string{"outcome"})

	mergeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "causalkv",
			Subsystem: "merger",
			Name:      "remote_head_duration_seconds",
			Help:      "Bucketed histogram of processing time (s) of remote heads.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 13),
		})

	broadcastsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "causalkv",
			Subsystem: "sync",
			Name:      "broadcasts_total",
			Help:      "Counter of head broadcasts.",
		})

	gcSweptTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "causalkv",
			Subsystem: "gc",
			Name:      "swept_entries_total",
			Help:      "Counter of cached entries dropped by gc.",
		})

	sweepFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "causalkv",
			Subsystem: "gc",
			Name:      "sweep_failures_total",
			Help:      "Counter of failed gc sweeps.",
		})
)

func init() {
	prometheus.MustRegister(pushesTotal)
	prometheus.MustRegister(deletesTotal)
	prometheus.MustRegister(mergesTotal)
	prometheus.MustRegister(conflictsTotal)
	prometheus.MustRegister(mergeDuration)
	prometheus.MustRegister(broadcastsTotal)
	prometheus.MustRegister(gcSweptTotal)
	prometheus.MustRegister(sweepFailuresTotal)
}
