// Package metrics exposes Prometheus instruments for the check-in flows.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// CheckIns counts check-in attempts by method and terminal outcome.
	CheckIns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusattend",
		Name:      "checkins_total",
		Help:      "Check-in attempts by method and outcome.",
	}, []string{"method", "outcome"})

	// ComparisonDuration tracks external face comparison latency.
	ComparisonDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "campusattend",
		Name:      "face_comparison_seconds",
		Help:      "Latency of external face comparison calls.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(CheckIns, ComparisonDuration)
}

// ObserveCheckIn increments the check-in counter.
func ObserveCheckIn(method, outcome string) {
	CheckIns.WithLabelValues(method, outcome).Inc()
}

// ObserveComparison records one comparison round trip.
func ObserveComparison(d time.Duration) {
	ComparisonDuration.Observe(d.Seconds())
}
