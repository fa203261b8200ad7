package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketledger",
		Subsystem: "reconciliation",
		Name:      "balance_mismatches",
		Help:      "Number of balance mismatches found in the last reconciliation sweep.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "marketledger",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(reconcileMismatches, reconcileDuration)
}
