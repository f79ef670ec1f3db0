// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics for the relationship aggregator.
//
// # Description
//
// This package implements Prometheus metrics for monitoring graph builds.
// Metrics include:
//   - Request counters (by endpoint and status)
//   - Build latency histograms
//   - Candidate outcome counters (included, not_reciprocal, ...)
//   - Upstream request counters (profile fetches, index searches)
//   - Upstream cache hit/miss counters
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Each service instance owns
// its own registry, so several instances can coexist in one process (tests).
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// All Record* helpers are safe to call on a nil *AggregatorMetrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "murmurmap"

// Subsystem for graph build metrics
const graphSubsystem = "graph"

// Subsystem for outbound calls
const upstreamSubsystem = "upstream"

// AggregatorMetrics holds all Prometheus metrics for graph builds.
//
// # Fields
//
//   - RequestsTotal: Counter of graph requests by endpoint and status
//   - BuildDurationSeconds: Histogram of end-to-end build time
//   - CandidatesTotal: Counter of relationship candidates by outcome
//   - GraphElements: Histogram of elements per emitted document
//   - UpstreamRequestsTotal: Counter of outbound calls by kind and status
//   - CacheLookupsTotal: Counter of upstream cache lookups by result
type AggregatorMetrics struct {
	// RequestsTotal counts graph requests.
	// Labels: endpoint (api_parse, v1_graph, cli), status (success, error, bad_request)
	RequestsTotal *prometheus.CounterVec

	// BuildDurationSeconds measures pipeline duration.
	// Labels: status (success, error)
	BuildDurationSeconds *prometheus.HistogramVec

	// CandidatesTotal counts relationship candidates by outcome.
	// Labels: outcome
	CandidatesTotal *prometheus.CounterVec

	// GraphElements observes the element count of successful documents.
	GraphElements prometheus.Histogram

	// UpstreamRequestsTotal counts outbound HTTP calls.
	// Labels: kind (profile, search), status (success, http_error, error)
	UpstreamRequestsTotal *prometheus.CounterVec

	// CacheLookupsTotal counts upstream cache lookups.
	// Labels: result (hit, miss)
	CacheLookupsTotal *prometheus.CounterVec
}

// NewAggregatorMetrics creates and registers all metrics on reg.
//
// # Inputs
//
//   - reg: Registerer to register on. prometheus.NewRegistry() for an
//     isolated instance; nil registers nothing (metrics still usable).
//
// # Outputs
//
//   - *AggregatorMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if the same registry already holds these metrics.
func NewAggregatorMetrics(reg prometheus.Registerer) *AggregatorMetrics {
	factory := promauto.With(reg)

	return &AggregatorMetrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: graphSubsystem,
				Name:      "requests_total",
				Help:      "Total number of graph requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),

		BuildDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: graphSubsystem,
				Name:      "build_duration_seconds",
				Help:      "Graph build duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"status"},
		),

		CandidatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: graphSubsystem,
				Name:      "candidates_total",
				Help:      "Total relationship candidates processed by outcome",
			},
			[]string{"outcome"},
		),

		GraphElements: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: graphSubsystem,
				Name:      "elements",
				Help:      "Number of elements in emitted graph documents",
				Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),

		UpstreamRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: upstreamSubsystem,
				Name:      "requests_total",
				Help:      "Total outbound requests by kind and status",
			},
			[]string{"kind", "status"},
		),

		CacheLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: upstreamSubsystem,
				Name:      "cache_lookups_total",
				Help:      "Total upstream document cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

// =============================================================================
// Label Values
// =============================================================================

// Endpoint identifies the entry point that triggered a graph build.
type Endpoint string

const (
	// EndpointAPIParse is GET /api/parse.
	EndpointAPIParse Endpoint = "api_parse"

	// EndpointV1Graph is GET /v1/graph.
	EndpointV1Graph Endpoint = "v1_graph"

	// EndpointCLI is the one-shot graph command.
	EndpointCLI Endpoint = "cli"
)

// RequestStatus is the status label of RequestsTotal.
type RequestStatus string

const (
	StatusSuccess    RequestStatus = "success"
	StatusError      RequestStatus = "error"
	StatusBadRequest RequestStatus = "bad_request"
)

// UpstreamKind identifies the outbound API.
type UpstreamKind string

const (
	// UpstreamProfile is a profile document fetch.
	UpstreamProfile UpstreamKind = "profile"

	// UpstreamSearch is an index search query.
	UpstreamSearch UpstreamKind = "search"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordRequest records a completed graph request.
func (m *AggregatorMetrics) RecordRequest(endpoint Endpoint, status RequestStatus) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(string(endpoint), string(status)).Inc()
}

// RecordBuild records a finished pipeline run.
//
// # Inputs
//
//   - seconds: Build duration.
//   - elements: Element count of the document; ignored on failure.
//   - success: Whether the build produced a document.
func (m *AggregatorMetrics) RecordBuild(seconds float64, elements int, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.BuildDurationSeconds.WithLabelValues(status).Observe(seconds)
	if success {
		m.GraphElements.Observe(float64(elements))
	}
}

// RecordCandidate counts one relationship candidate outcome.
func (m *AggregatorMetrics) RecordCandidate(outcome string) {
	if m == nil {
		return
	}
	m.CandidatesTotal.WithLabelValues(outcome).Inc()
}

// RecordUpstream counts one outbound request.
//
// # Inputs
//
//   - kind: Which upstream API was called.
//   - statusCode: HTTP status, or 0 when no response was received.
func (m *AggregatorMetrics) RecordUpstream(kind UpstreamKind, statusCode int) {
	if m == nil {
		return
	}
	status := "success"
	switch {
	case statusCode == 0:
		status = "error"
	case statusCode < 200 || statusCode > 299:
		status = "http_error"
	}
	m.UpstreamRequestsTotal.WithLabelValues(string(kind), status).Inc()
}

// RecordCacheLookup counts a cache hit or miss.
func (m *AggregatorMetrics) RecordCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(result).Inc()
}
