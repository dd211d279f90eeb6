package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sweep progress metrics
var (
	// CellsCompleted counts grid cells that produced a metric record
	CellsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_cells_completed_total",
			Help: "Total number of grid cells measured and recorded",
		},
	)

	// CellsSkipped counts grid cells abandoned before measurement
	CellsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_cells_skipped_total",
			Help: "Total number of grid cells skipped by failure stage (provisioning, measurement)",
		},
		[]string{"stage"},
	)

	// CellThroughputTPS tracks the most recent per-cell throughput
	CellThroughputTPS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweep_cell_throughput_tps",
			Help: "Tokens per second measured for the most recently completed cell",
		},
	)

	// BestThroughputTPS tracks the best throughput seen so far in this run
	BestThroughputTPS = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sweep_best_throughput_tps",
			Help: "Highest tokens-per-second throughput recorded so far in this run",
		},
	)
)

// Topology metrics
var (
	// ProvisioningDuration tracks how long topology bring-up takes
	ProvisioningDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sweep_provisioning_duration_seconds",
			Help:    "Duration of server topology bring-up by instance count",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"instances"},
	)

	// OrphansKilled counts leftover server processes removed before provisioning
	OrphansKilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_orphans_killed_total",
			Help: "Total number of orphaned server processes killed during cleanup",
		},
	)
)

// Load generator metrics
var (
	// RequestsTotal counts completion requests by outcome
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sweep_requests_total",
			Help: "Total number of completion requests by outcome (ok, error)",
		},
		[]string{"outcome"},
	)

	// RequestRetries counts transient-failure retries
	RequestRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sweep_request_retries_total",
			Help: "Total number of completion request retries after transient failures",
		},
	)
)

// RecordCellCompleted records a measured cell and updates the throughput
// gauges.
func RecordCellCompleted(throughputTPS, bestTPS float64) {
	CellsCompleted.Inc()
	CellThroughputTPS.Set(throughputTPS)
	BestThroughputTPS.Set(bestTPS)
}

// RecordCellSkipped increments the skip counter for a failure stage.
func RecordCellSkipped(stage string) {
	CellsSkipped.WithLabelValues(stage).Inc()
}

// RecordProvisioningDuration records how long topology bring-up took.
func RecordProvisioningDuration(instances string, duration time.Duration) {
	ProvisioningDuration.WithLabelValues(instances).Observe(duration.Seconds())
}

// RecordOrphanKilled increments the orphan cleanup counter.
func RecordOrphanKilled() {
	OrphansKilled.Inc()
}

// RecordRequests adds completed and failed request counts for one batch.
func RecordRequests(ok, failed int) {
	if ok > 0 {
		RequestsTotal.WithLabelValues("ok").Add(float64(ok))
	}
	if failed > 0 {
		RequestsTotal.WithLabelValues("error").Add(float64(failed))
	}
}

// RecordRetry increments the retry counter.
func RecordRetry() {
	RequestRetries.Inc()
}
