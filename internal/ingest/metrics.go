package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// measurement ingestion pipeline.
type Metrics struct {
	MessagesConsumed prometheus.Counter
	DecodeErrors     prometheus.Counter
	RowsWritten      prometheus.Counter
	RowsSkipped      prometheus.Counter
	ClassifyErrors   prometheus.Counter
	OutliersFlagged  prometheus.Counter
	IngestRunning    prometheus.Gauge

	BatchSize     prometheus.Histogram
	FlushDuration prometheus.Histogram
}

// NewMetrics creates and registers all ingestion metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airsense",
			Name:      "ingest_messages_consumed_total",
			Help:      "Total measurement messages read from the source topic.",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airsense",
			Name:      "ingest_decode_errors_total",
			Help:      "Total messages dropped due to payload decode failures.",
		}),
		RowsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airsense",
			Name:      "ingest_rows_written_total",
			Help:      "Total measurement rows inserted into the store.",
		}),
		RowsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airsense",
			Name:      "ingest_rows_skipped_total",
			Help:      "Total rows skipped as duplicates of existing (location, measured_at) pairs.",
		}),
		ClassifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airsense",
			Name:      "ingest_classify_errors_total",
			Help:      "Total batch classification failures during ingestion.",
		}),
		OutliersFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "airsense",
			Name:      "ingest_outliers_flagged_total",
			Help:      "Total rows written with the pm25 outlier flag set.",
		}),
		IngestRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "airsense",
			Name:      "ingest_running",
			Help:      "1 when the ingestion loop is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "airsense",
			Name:      "ingest_batch_size",
			Help:      "Number of messages per flushed batch.",
			Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000, 2500, 5000},
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "airsense",
			Name:      "ingest_flush_duration_seconds",
			Help:      "Duration of a complete classify-and-write flush cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}

	prometheus.MustRegister(
		m.MessagesConsumed,
		m.DecodeErrors,
		m.RowsWritten,
		m.RowsSkipped,
		m.ClassifyErrors,
		m.OutliersFlagged,
		m.IngestRunning,
		m.BatchSize,
		m.FlushDuration,
	)

	return m
}
