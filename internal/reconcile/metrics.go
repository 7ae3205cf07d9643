package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	scansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradenode",
		Subsystem: "reconcile",
		Name:      "scans_total",
		Help:      "Address rescans by result.",
	}, []string{"result"})

	sightingsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradenode",
		Subsystem: "reconcile",
		Name:      "sightings_total",
		Help:      "Transactions read from the ledger and handed to the order service.",
	})

	adapterErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradenode",
		Subsystem: "reconcile",
		Name:      "adapter_errors_total",
		Help:      "Failed ledger adapter calls, including retried ones.",
	})

	hintsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "tradenode",
		Subsystem: "reconcile",
		Name:      "hints_dropped_total",
		Help:      "Rescan hints dropped because the queue was full.",
	})

	watchedAddresses = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradenode",
		Subsystem: "reconcile",
		Name:      "watched_addresses",
		Help:      "Escrow addresses currently watched.",
	})

	scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradenode",
		Subsystem: "reconcile",
		Name:      "scan_duration_seconds",
		Help:      "Duration of full rescans in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
)

func init() {
	prometheus.MustRegister(
		scansTotal,
		sightingsTotal,
		adapterErrors,
		hintsDropped,
		watchedAddresses,
		scanDuration,
	)
}
