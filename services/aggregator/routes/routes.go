// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"log/slog"

	"github.com/AleutianAI/murmurmap/services/aggregator/handlers"
	"github.com/AleutianAI/murmurmap/services/aggregator/middleware"
	"github.com/AleutianAI/murmurmap/services/aggregator/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Options carries the dependencies of the aggregator routes.
type Options struct {
	Builder      handlers.GraphBuilder
	DefaultIndex string
	Metrics      *observability.AggregatorMetrics
	Logger       *slog.Logger

	// Gatherer backs GET /metrics. nil disables the endpoint.
	Gatherer prometheus.Gatherer
}

// SetupRoutes registers the health, metrics and graph endpoints. OPTIONS
// preflights on any path are answered by the CORS middleware.
func SetupRoutes(router *gin.Engine, opts Options) {
	router.Use(middleware.RequestID(), middleware.CORS())

	router.GET("/health", handlers.HealthCheck)
	if opts.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	graph := func(endpoint observability.Endpoint) gin.HandlerFunc {
		return handlers.HandleRelationshipGraph(handlers.GraphHandlerConfig{
			Builder:      opts.Builder,
			DefaultIndex: opts.DefaultIndex,
			Endpoint:     endpoint,
			Metrics:      opts.Metrics,
			Logger:       opts.Logger,
		})
	}

	// Legacy path
	router.GET("/api/parse", graph(observability.EndpointAPIParse))

	v1 := router.Group("/v1")
	{
		v1.GET("/graph", graph(observability.EndpointV1Graph))
	}
}
