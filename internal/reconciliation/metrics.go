package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "covenant",
		Subsystem: "reconciliation",
		Name:      "custody_mismatches",
		Help:      "Number of tokens whose custody balance differs from open escrows in the last run.",
	})

	reconcileCustodyDiff = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "covenant",
		Subsystem: "reconciliation",
		Name:      "custody_diff",
		Help:      "Custody balance minus open escrow total, by token, in the last run.",
	}, []string{"token"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "covenant",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "covenant",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileMismatches,
		reconcileCustodyDiff,
		reconcileDuration,
		reconcileErrors,
	)
}
