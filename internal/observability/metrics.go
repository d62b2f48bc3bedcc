package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// decode pipeline.
type Metrics struct {
	StreamsProcessed prometheus.Counter
	StreamErrors     prometheus.Counter

	MessagesDecoded prometheus.Counter
	MessagesFailed  prometheus.Counter
	MessagesSkipped prometheus.Counter
	RecordsProduced prometheus.Counter
	DecodeWarnings  prometheus.Counter

	PipelineRunning prometheus.Gauge

	DecodeDuration prometheus.Histogram
	MessageSize    prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		StreamsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gts_bufr_etl",
			Name:      "streams_processed_total",
			Help:      "Total input streams read to completion.",
		}),
		StreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gts_bufr_etl",
			Name:      "stream_errors_total",
			Help:      "Total streams abandoned on an unrecoverable read error.",
		}),
		MessagesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gts_bufr_etl",
			Name:      "messages_decoded_total",
			Help:      "Total BUFR messages decoded into records.",
		}),
		MessagesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gts_bufr_etl",
			Name:      "messages_failed_total",
			Help:      "Total messages dropped for framing or decode failures.",
		}),
		MessagesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gts_bufr_etl",
			Name:      "messages_skipped_total",
			Help:      "Total messages skipped (corrected or amended bulletins).",
		}),
		RecordsProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gts_bufr_etl",
			Name:      "records_produced_total",
			Help:      "Total observation records written to the sink.",
		}),
		DecodeWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gts_bufr_etl",
			Name:      "decode_warnings_total",
			Help:      "Total descriptor-level warnings attached to records.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gts_bufr_etl",
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		DecodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gts_bufr_etl",
			Name:      "decode_duration_seconds",
			Help:      "Duration of one frame-decode-load cycle per message.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}),
		MessageSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gts_bufr_etl",
			Name:      "message_size_bytes",
			Help:      "Size of framed BUFR envelopes including prologue and terminator.",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
		}),
	}

	prometheus.MustRegister(
		m.StreamsProcessed,
		m.StreamErrors,
		m.MessagesDecoded,
		m.MessagesFailed,
		m.MessagesSkipped,
		m.RecordsProduced,
		m.DecodeWarnings,
		m.PipelineRunning,
		m.DecodeDuration,
		m.MessageSize,
	)

	return m
}

// NewMetricsForTesting creates Metrics with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return &Metrics{
		StreamsProcessed: prometheus.NewCounter(prometheus.CounterOpts{Namespace: "gts_bufr_etl", Name: "streams_processed_total"}),
		StreamErrors:     prometheus.NewCounter(prometheus.CounterOpts{Namespace: "gts_bufr_etl", Name: "stream_errors_total"}),
		MessagesDecoded:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "gts_bufr_etl", Name: "messages_decoded_total"}),
		MessagesFailed:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "gts_bufr_etl", Name: "messages_failed_total"}),
		MessagesSkipped:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "gts_bufr_etl", Name: "messages_skipped_total"}),
		RecordsProduced:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: "gts_bufr_etl", Name: "records_produced_total"}),
		DecodeWarnings:   prometheus.NewCounter(prometheus.CounterOpts{Namespace: "gts_bufr_etl", Name: "decode_warnings_total"}),
		PipelineRunning:  prometheus.NewGauge(prometheus.GaugeOpts{Namespace: "gts_bufr_etl", Name: "pipeline_running"}),
		DecodeDuration:   prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "gts_bufr_etl", Name: "decode_duration_seconds"}),
		MessageSize:      prometheus.NewHistogram(prometheus.HistogramOpts{Namespace: "gts_bufr_etl", Name: "message_size_bytes"}),
	}
}
