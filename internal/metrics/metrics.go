// Package metrics provides Prometheus metrics for the dispatcher.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dispatcher.
type Metrics struct {
	// Discovery metrics
	PartitionsDiscovered       *prometheus.CounterVec
	PartitionsSkippedMalformed *prometheus.CounterVec

	// Run metrics
	RunsSubmitted *prometheus.CounterVec
	RunsSucceeded *prometheus.CounterVec
	RunsFailed    *prometheus.CounterVec
	RunsCancelled *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec

	// Progress metrics
	WatermarkDay       *prometheus.GaugeVec
	InFlightPartitions *prometheus.GaugeVec
	FailedPartitions   *prometheus.GaugeVec

	// Tick metrics
	TickDuration *prometheus.HistogramVec
	ScanErrors   *prometheus.CounterVec
	PollCycles   *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "mart_dispatcher"
	}

	pairLabels := []string{"table", "platform"}

	m := &Metrics{
		PartitionsDiscovered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_discovered_total",
				Help:      "Total number of partitions returned by source scans",
			},
			[]string{"table"},
		),
		PartitionsSkippedMalformed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "partitions_skipped_malformed_total",
				Help:      "Total number of listing keys skipped for not matching the partition layout",
			},
			[]string{"table"},
		),
		RunsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_submitted_total",
				Help:      "Total number of runs submitted to platform adapters",
			},
			pairLabels,
		),
		RunsSucceeded: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_succeeded_total",
				Help:      "Total number of runs that reached SUCCEEDED",
			},
			pairLabels,
		),
		RunsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_failed_total",
				Help:      "Total number of runs that reached FAILED",
			},
			pairLabels,
		),
		RunsCancelled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_cancelled_total",
				Help:      "Total number of runs that reached CANCELLED",
			},
			pairLabels,
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts scheduled after failed runs",
			},
			pairLabels,
		),
		WatermarkDay: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watermark_day",
				Help:      "Last processed partition date as days since the Unix epoch",
			},
			pairLabels,
		),
		InFlightPartitions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_partitions",
				Help:      "Number of partitions currently being processed",
			},
			pairLabels,
		),
		FailedPartitions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "failed_partitions",
				Help:      "Number of partitions held in the failed set awaiting operator action",
			},
			pairLabels,
		),
		TickDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tick_duration_seconds",
				Help:      "Wall-clock duration of one scheduling tick",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~160s
			},
			pairLabels,
		),
		ScanErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scan_errors_total",
				Help:      "Total number of ticks aborted by source listing failures",
			},
			[]string{"table"},
		),
		PollCycles: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_cycles_total",
				Help:      "Total number of adapter poll calls",
			},
			pairLabels,
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// AddPartitionsDiscovered adds to the partitions discovered counter.
func (m *Metrics) AddPartitionsDiscovered(table string, count float64) {
	m.PartitionsDiscovered.WithLabelValues(table).Add(count)
}

// AddPartitionsSkippedMalformed adds to the malformed-key counter.
func (m *Metrics) AddPartitionsSkippedMalformed(table string, count float64) {
	m.PartitionsSkippedMalformed.WithLabelValues(table).Add(count)
}

// IncRunsSubmitted increments the runs submitted counter.
func (m *Metrics) IncRunsSubmitted(table, platform string) {
	m.RunsSubmitted.WithLabelValues(table, platform).Inc()
}

// IncRunsSucceeded increments the runs succeeded counter.
func (m *Metrics) IncRunsSucceeded(table, platform string) {
	m.RunsSucceeded.WithLabelValues(table, platform).Inc()
}

// IncRunsFailed increments the runs failed counter.
func (m *Metrics) IncRunsFailed(table, platform string) {
	m.RunsFailed.WithLabelValues(table, platform).Inc()
}

// IncRunsCancelled increments the runs cancelled counter.
func (m *Metrics) IncRunsCancelled(table, platform string) {
	m.RunsCancelled.WithLabelValues(table, platform).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(table, platform string) {
	m.RetryAttempts.WithLabelValues(table, platform).Inc()
}

// SetWatermarkDay sets the watermark progress gauge.
func (m *Metrics) SetWatermarkDay(table, platform string, epochDays float64) {
	m.WatermarkDay.WithLabelValues(table, platform).Set(epochDays)
}

// SetInFlightPartitions sets the in-flight partitions gauge.
func (m *Metrics) SetInFlightPartitions(table, platform string, count float64) {
	m.InFlightPartitions.WithLabelValues(table, platform).Set(count)
}

// SetFailedPartitions sets the failed partitions gauge.
func (m *Metrics) SetFailedPartitions(table, platform string, count float64) {
	m.FailedPartitions.WithLabelValues(table, platform).Set(count)
}

// ObserveTickDuration records the duration of one tick.
func (m *Metrics) ObserveTickDuration(table, platform string, seconds float64) {
	m.TickDuration.WithLabelValues(table, platform).Observe(seconds)
}

// IncScanErrors increments the scan errors counter.
func (m *Metrics) IncScanErrors(table string) {
	m.ScanErrors.WithLabelValues(table).Inc()
}

// IncPollCycles increments the poll cycles counter.
func (m *Metrics) IncPollCycles(table, platform string) {
	m.PollCycles.WithLabelValues(table, platform).Inc()
}
