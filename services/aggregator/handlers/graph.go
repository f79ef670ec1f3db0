// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the gin handlers of the aggregator service.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/murmurmap/services/aggregator/datatypes"
	"github.com/AleutianAI/murmurmap/services/aggregator/middleware"
	"github.com/AleutianAI/murmurmap/services/aggregator/observability"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
)

// MissingURLMessage is the 400 body text for a request without ?url=.
const MissingURLMessage = "Missing `url` query parameter"

// DefaultIndex is used when neither the request nor the config picks one.
const DefaultIndex = "test"

// queryValidate is the validator instance for graph queries.
var queryValidate = validator.New()

// GraphBuilder builds the relationship graph for an origin profile URL.
type GraphBuilder interface {
	Build(ctx context.Context, originURL, index string) (*datatypes.GraphDocument, error)
}

// GraphQuery holds the query parameters of a graph request.
type GraphQuery struct {
	URL   string `form:"url" validate:"required"`
	Index string `form:"index"`
}

// GraphHandlerConfig wires a graph handler.
type GraphHandlerConfig struct {
	Builder GraphBuilder

	// DefaultIndex applies when the request has no index parameter.
	// Default: "test"
	DefaultIndex string

	// Endpoint labels request metrics.
	Endpoint observability.Endpoint

	// Metrics may be nil.
	Metrics *observability.AggregatorMetrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// HandleRelationshipGraph serves GET requests for a relationship graph.
//
// Query Parameters:
//
//	url: Origin profile document URL (required)
//	index: "test" or any other value for production (optional)
//
// Response:
//
//	200 OK: GraphDocument
//	400 Bad Request: {"error": "Missing `url` query parameter"}
//	500 Internal Server Error: {"error": <message>} when the origin fails
//
// Access-Control-Allow-Origin: * is set on every response.
func HandleRelationshipGraph(cfg GraphHandlerConfig) gin.HandlerFunc {
	defaultIndex := cfg.DefaultIndex
	if defaultIndex == "" {
		defaultIndex = DefaultIndex
	}
	baseLogger := cfg.Logger
	if baseLogger == nil {
		baseLogger = slog.Default()
	}

	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		logger := baseLogger.With(
			"request_id", middleware.GetRequestID(c),
			"handler", "HandleRelationshipGraph",
		)

		var query GraphQuery
		if err := c.ShouldBindQuery(&query); err != nil {
			cfg.Metrics.RecordRequest(cfg.Endpoint, observability.StatusBadRequest)
			c.JSON(http.StatusBadRequest, gin.H{"error": MissingURLMessage})
			return
		}
		if err := queryValidate.Struct(query); err != nil {
			cfg.Metrics.RecordRequest(cfg.Endpoint, observability.StatusBadRequest)
			c.JSON(http.StatusBadRequest, gin.H{"error": MissingURLMessage})
			return
		}
		if query.Index == "" {
			query.Index = defaultIndex
		}

		start := time.Now()
		doc, err := cfg.Builder.Build(c.Request.Context(), query.URL, query.Index)
		if err != nil {
			logger.Error("graph build failed", "url", query.URL, "index", query.Index, "error", err)
			cfg.Metrics.RecordRequest(cfg.Endpoint, observability.StatusError)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		logger.Info("graph built",
			"url", query.URL,
			"index", query.Index,
			"elements", len(doc.Elements),
			"duration", time.Since(start),
		)
		cfg.Metrics.RecordRequest(cfg.Endpoint, observability.StatusSuccess)
		c.JSON(http.StatusOK, doc)
	}
}
