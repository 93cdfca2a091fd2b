// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and instrumentation for the orchestrator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring question
// turns. Metrics include:
//   - Turn counters and latency histograms (by route and terminal state)
//   - Re-query and conflict counters
//   - Per-claim verification verdicts
//   - Per-adapter call outcomes and evidence volume
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "mediquery"

// Subsystem for turn pipeline metrics
const pipelineSubsystem = "pipeline"

// TurnMetrics holds all Prometheus metrics for question turn processing.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring turn outcomes
// and evidence retrieval. Initialize once at startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type TurnMetrics struct {
	// TurnsTotal counts completed turns.
	// Labels: route (medicine_info, medicine_recommendation, recent_info),
	// state (delivering, failed)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures end-to-end turn latency.
	// Labels: route, state
	TurnDurationSeconds *prometheus.HistogramVec

	// ActiveTurns tracks turns currently in flight.
	ActiveTurns prometheus.Gauge

	// RequeriesTotal counts turns that took the bounded repeat retrieval
	// pass after verification flagged the draft.
	RequeriesTotal prometheus.Counter

	// ConflictsTotal counts merged facts whose sources contradicted each
	// other.
	ConflictsTotal prometheus.Counter

	// ClaimsTotal counts verifier verdicts.
	// Labels: status (verified, contradicted, unsupported)
	ClaimsTotal *prometheus.CounterVec

	// AdapterCallsTotal counts per-adapter retrieval outcomes.
	// Labels: source (tabular, chemical, vector, web, news, video),
	// state (ok, cached, timeout, error, skipped)
	AdapterCallsTotal *prometheus.CounterVec

	// EvidenceItemsTotal counts evidence items produced per source.
	// Labels: source
	EvidenceItemsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of TurnMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *TurnMetrics

var initOnce sync.Once

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Call at application
// startup. Later calls return the already-registered instance, so tests
// that build the service repeatedly do not trip duplicate registration.
//
// # Outputs
//
//   - *TurnMetrics: The initialized metrics instance.
func InitMetrics() *TurnMetrics {
	initOnce.Do(func() {
		DefaultMetrics = &TurnMetrics{
			TurnsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "turns_total",
					Help:      "Total completed turns by route and terminal state",
				},
				[]string{"route", "state"},
			),

			TurnDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "turn_duration_seconds",
					Help:      "End-to-end turn latency in seconds",
					Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 90, 120},
				},
				[]string{"route", "state"},
			),

			ActiveTurns: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "active_turns",
					Help:      "Number of turns currently being processed",
				},
			),

			RequeriesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "requeries_total",
					Help:      "Turns that repeated retrieval after verification flagged the draft",
				},
			),

			ConflictsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "conflicts_total",
					Help:      "Merged facts whose sources contradicted each other",
				},
			),

			ClaimsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "claims_total",
					Help:      "Verifier claim verdicts by status",
				},
				[]string{"status"},
			),

			AdapterCallsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "adapter_calls_total",
					Help:      "Adapter invocations by source and outcome",
				},
				[]string{"source", "state"},
			),

			EvidenceItemsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: pipelineSubsystem,
					Name:      "evidence_items_total",
					Help:      "Evidence items produced per source",
				},
				[]string{"source"},
			),
		}
	})

	return DefaultMetrics
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a completed turn.
//
// # Inputs
//
//   - route: The retrieval route the turn took. Empty before routing.
//   - state: The terminal state name.
//   - seconds: End-to-end latency.
//   - requeried: Whether the turn repeated retrieval.
//   - conflicts: Count of conflicted merged facts.
func (m *TurnMetrics) RecordTurn(route, state string, seconds float64, requeried bool, conflicts int) {
	if route == "" {
		route = "none"
	}
	m.TurnsTotal.WithLabelValues(route, state).Inc()
	m.TurnDurationSeconds.WithLabelValues(route, state).Observe(seconds)
	if requeried {
		m.RequeriesTotal.Inc()
	}
	if conflicts > 0 {
		m.ConflictsTotal.Add(float64(conflicts))
	}
}

// RecordClaim records one verifier verdict.
func (m *TurnMetrics) RecordClaim(status string) {
	m.ClaimsTotal.WithLabelValues(status).Inc()
}

// RecordAdapterCall records one adapter invocation outcome.
//
// # Inputs
//
//   - source: The evidence source kind.
//   - state: The adapter outcome name.
//   - items: Evidence items the call produced.
func (m *TurnMetrics) RecordAdapterCall(source, state string, items int) {
	m.AdapterCallsTotal.WithLabelValues(source, state).Inc()
	if items > 0 {
		m.EvidenceItemsTotal.WithLabelValues(source).Add(float64(items))
	}
}

// TurnStarted increments the active turns gauge.
func (m *TurnMetrics) TurnStarted() {
	m.ActiveTurns.Inc()
}

// TurnEnded decrements the active turns gauge.
func (m *TurnMetrics) TurnEnded() {
	m.ActiveTurns.Dec()
}
