package release

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ReleasesTotal counts release attempts by target kind and outcome.
	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "clearhold",
			Name:      "releases_total",
			Help:      "Release attempts by target and result.",
		},
		[]string{"target", "result"},
	)

	// ReleaseDuration observes end-to-end release latency.
	ReleaseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clearhold",
			Name:      "release_duration_seconds",
			Help:      "Release operation duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
	)

	// TransfersPendingTotal counts external transfers that failed and
	// were flagged for manual follow-up.
	TransfersPendingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clearhold",
			Name:      "transfers_pending_total",
			Help:      "External payout transfers left pending manual follow-up.",
		},
	)

	// SweepsTotal counts auto-release sweep executions.
	SweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "clearhold",
			Name:      "autorelease_sweeps_total",
			Help:      "Auto-release sweep executions.",
		},
	)

	// SweepDuration observes how long each sweep takes.
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "clearhold",
			Name:      "autorelease_sweep_duration_seconds",
			Help:      "Auto-release sweep duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 15.0},
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReleasesTotal,
		ReleaseDuration,
		TransfersPendingTotal,
		SweepsTotal,
		SweepDuration,
	)
}

// observeRelease returns a completion func recording outcome and latency.
func observeRelease(target string) func(result string) {
	start := time.Now()
	return func(result string) {
		ReleasesTotal.WithLabelValues(target, result).Inc()
		ReleaseDuration.Observe(time.Since(start).Seconds())
	}
}
