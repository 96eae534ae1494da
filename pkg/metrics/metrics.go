// Package metrics provides performance tracking and observability for
// Conflux using Prometheus metrics. Collectors cover the collection
// loops, the shared buffer, the processing worker and the persistence
// sink.
//
// Counters are monotonically increasing (e.g. records collected);
// gauges track current values (e.g. buffer depth); histograms capture
// distributions (e.g. processing latency).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsCollected counts records fetched and transformed per source.
	RecordsCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conflux_records_collected_total",
			Help: "Total records collected, by source and domain",
		},
		[]string{"source", "domain"},
	)

	// FetchErrors counts collection failures by source and error type.
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conflux_fetch_errors_total",
			Help: "Total fetch failures, by source and error type",
		},
		[]string{"source", "type"},
	)

	// RecordsProcessed counts records handled by the processing worker.
	RecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conflux_records_processed_total",
			Help: "Total records processed, by outcome",
		},
		[]string{"status"},
	)

	// BufferDepth tracks the current occupancy of the shared buffer.
	BufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "conflux_buffer_depth",
			Help: "Current number of records in the shared ingest buffer",
		},
	)

	// BufferDropped counts records lost to buffer overflow.
	BufferDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conflux_buffer_dropped_total",
			Help: "Total records dropped due to buffer overflow",
		},
	)

	// ProcessingLatency tracks per-record processing duration.
	ProcessingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conflux_processing_latency_seconds",
			Help:    "Per-record processing latency",
			Buckets: prometheus.DefBuckets,
		},
	)

	// SinkErrors counts persistence write failures.
	SinkErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conflux_sink_errors_total",
			Help: "Total persistence write failures",
		},
	)
)
