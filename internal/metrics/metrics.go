package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels operations that completed.
	OutcomeSuccess = "success"
	// OutcomeRejected labels operations refused for a caller-correctable reason.
	OutcomeRejected = "rejected"
	// OutcomeError labels operations that failed on an internal fault.
	OutcomeError = "error"
)

// Operation labels.
const (
	OpPreview  = "preview"
	OpCreate   = "create"
	OpRollback = "rollback"
	OpImport   = "import"
)

var (
	operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tc_engine",
			Name:      "operations_total",
			Help:      "Correlation operations handled, partitioned by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	operationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tc_engine",
			Name:      "operation_seconds",
			Help:      "Correlation operation latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"operation"},
	)

	rollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "tc_engine",
			Name:      "rollbacks_total",
			Help:      "Committed runs rolled back.",
		},
	)

	productFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tc_engine",
			Name:      "product_failures_total",
			Help:      "Output product generator failures after commit, by generator.",
		},
		[]string{"generator"},
	)

	latestTDTSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tc_engine",
			Name:      "latest_tdt_seconds",
			Help:      "Terrestrial time of the latest committed correlation, seconds past J2000.",
		},
	)

	sampleSetSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tc_engine",
			Name:      "candidate_samples",
			Help:      "Samples surviving window filtering per correlation attempt.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)
)

// Register attaches the engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		operationsTotal,
		operationDurationSeconds,
		rollbacksTotal,
		productFailuresTotal,
		latestTDTSeconds,
		sampleSetSize,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveOperation records an operation duration and outcome label.
func ObserveOperation(operation string, duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeRejected, OutcomeError:
	default:
		outcome = OutcomeError
	}
	operationsTotal.WithLabelValues(operation, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	operationDurationSeconds.WithLabelValues(operation).Observe(duration.Seconds())
}

// ObserveRollback counts a rolled-back run.
func ObserveRollback() {
	rollbacksTotal.Inc()
}

// ObserveProductFailure counts a generator failure.
func ObserveProductFailure(generator string) {
	productFailuresTotal.WithLabelValues(generator).Inc()
}

// SetLatestTDT publishes the terrestrial time of the latest committed run.
func SetLatestTDT(tdt float64) {
	latestTDTSeconds.Set(tdt)
}

// ObserveCandidateSamples records how many samples a window produced.
func ObserveCandidateSamples(n int) {
	sampleSetSize.Observe(float64(n))
}
