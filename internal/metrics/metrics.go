package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	KernelLaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_kernel_launches_total",
		Help: "Total number of attention kernel launches",
	}, []string{"backend"})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "attention_kernel_duration_seconds",
		Help:    "Histogram of attention kernel wall times",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend"})

	GridInstances = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_grid_instances",
		Help:    "Distribution of kernel instances per tiled launch",
		Buckets: []float64{1, 4, 16, 64, 256, 1024, 4096, 16384},
	})

	SequenceLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "attention_sequence_length",
		Help:    "Distribution of sequence lengths processed",
		Buckets: []float64{16, 64, 128, 256, 512, 1024, 2048, 4096, 8192},
	})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attention_numerical_instability_total",
		Help: "Total number of NaN/Inf values detected in interpret mode",
	}, []string{"tensor", "type"})

	MaskedRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_masked_rows_total",
		Help: "Count of fully masked-out query rows observed in interpret mode",
	})

	FlightExchangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attention_flight_exchanges_total",
		Help: "Total number of Flight DoExchange attention calls served",
	})
)

func RecordLaunch(backend string, gridSize int, seqLen int, elapsed time.Duration) {
	KernelLaunchesTotal.WithLabelValues(backend).Inc()
	KernelDuration.WithLabelValues(backend).Observe(elapsed.Seconds())
	GridInstances.Observe(float64(gridSize))
	SequenceLength.Observe(float64(seqLen))
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordNumericalInstability(tensor string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(tensor, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(tensor, "inf").Add(float64(infCount))
	}
}

func RecordMaskedRows(n int) {
	if n > 0 {
		MaskedRowsTotal.Add(float64(n))
	}
}
