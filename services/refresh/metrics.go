package refresh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketteller",
		Subsystem: "scheduler",
		Name:      "cycles_total",
		Help:      "Refresh cycles by outcome.",
	}, []string{"outcome"})

	subscriptionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketteller",
		Subsystem: "scheduler",
		Name:      "subscription_failures_total",
		Help:      "Per-subscription refreshes that failed inside a cycle.",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ticketteller",
		Subsystem: "scheduler",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one refresh cycle.",
		Buckets:   prometheus.DefBuckets,
	})
)

const (
	cycleCompleted = "completed"
	cycleSkipped   = "skipped"
	cycleFailed    = "failed"
	cycleCancelled = "cancelled"
)
