// Copyright (C) 2025 Kittiwake Observability (dev@kittiwake.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides Prometheus metrics for the ingestion
// and diagnosis pipeline.
//
// Metrics are exposed via the /metrics endpoint. All operations are
// thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "kittiwake"

// Metrics holds all Prometheus collectors for the pipeline.
//
// Initialize once at startup via NewMetrics; pass the instance to the
// components that record into it.
type Metrics struct {
	// ReportsTotal counts ingested error reports by type and outcome
	// (accepted, sampled_out, rejected).
	ReportsTotal *prometheus.CounterVec

	// JobsTotal counts queue jobs by queue and terminal state.
	JobsTotal *prometheus.CounterVec

	// QueueDepth tracks waiting+delayed jobs per queue.
	QueueDepth *prometheus.GaugeVec

	// DiagnosisDuration observes end-to-end AI diagnosis latency.
	DiagnosisDuration prometheus.Histogram

	// SourcemapCacheEvents counts consumer cache hits/misses/evictions.
	SourcemapCacheEvents *prometheus.CounterVec

	// ColumnarInsertErrors counts dropped columnar mirror writes.
	ColumnarInsertErrors prometheus.Counter
}

// NewMetrics registers all collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in main; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ReportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ingest",
			Name:      "reports_total",
			Help:      "Error reports received, by error type and outcome.",
		}, []string{"type", "outcome"}),

		JobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Queue jobs by queue name and terminal state.",
		}, []string{"queue", "state"}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Waiting plus delayed jobs per queue.",
		}, []string{"queue"}),

		DiagnosisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "diagnosis",
			Name:      "duration_seconds",
			Help:      "End-to-end AI diagnosis latency.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),

		SourcemapCacheEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sourcemap",
			Name:      "cache_events_total",
			Help:      "Source-map consumer cache hits, misses and evictions.",
		}, []string{"event"}),

		ColumnarInsertErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "logstore",
			Name:      "insert_errors_total",
			Help:      "Columnar mirror writes that were logged and dropped.",
		}),
	}
}
