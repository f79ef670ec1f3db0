// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aggregator provides the Murmurations relationship graph service.
//
// # Description
//
// This package wires the graph pipeline to its HTTP surface:
//   - Upstream resolver with an optional in-memory document cache
//   - Index search client (test and production indexes)
//   - Build pipeline with per-candidate failure isolation
//   - Gin router with /api/parse, /v1/graph, /health and /metrics
//   - OpenTelemetry tracing (otlp, stdout or none)
//   - Prometheus metrics on a per-service registry
//
// # Usage
//
//	import "github.com/AleutianAI/murmurmap/services/aggregator"
//
//	svc, err := aggregator.New(aggregator.Config{Port: 8080})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//	if err := svc.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/AleutianAI/murmurmap/services/aggregator/datatypes"
	"github.com/AleutianAI/murmurmap/services/aggregator/directory"
	"github.com/AleutianAI/murmurmap/services/aggregator/fetch"
	"github.com/AleutianAI/murmurmap/services/aggregator/handlers"
	"github.com/AleutianAI/murmurmap/services/aggregator/observability"
	"github.com/AleutianAI/murmurmap/services/aggregator/pipeline"
	"github.com/AleutianAI/murmurmap/services/aggregator/routes"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ServiceName identifies the service in traces and logs.
const ServiceName = "murmurmap"

// ErrUnknownExporter is returned for an unsupported TraceExporter value.
var ErrUnknownExporter = errors.New("unknown trace exporter")

// =============================================================================
// Service Interface
// =============================================================================

// Service is the relationship graph service.
//
// # Assumptions
//
//   - Run() is called at most once per Service instance
//   - Close() is called once the service is no longer needed
type Service interface {
	// Run serves HTTP until ctx is canceled, then shuts down gracefully.
	//
	// Returns nil after a clean shutdown, or the listen error.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine for testing.
	Router() *gin.Engine

	// BuildGraph runs one build outside HTTP. An empty index selects
	// the configured default.
	BuildGraph(ctx context.Context, originURL, index string) (*datatypes.GraphDocument, error)

	// Close releases the cache and flushes the tracer.
	Close() error
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds service configuration options.
//
// All fields are optional with defaults applied by New().
//
//	cfg := Config{
//	    Port:          8080,
//	    DefaultIndex:  "production",
//	    CacheTTL:      time.Minute,
//	    TraceExporter: "otlp",
//	    OTelEndpoint:  "localhost:4317",
//	}
type Config struct {
	// Port is the HTTP server port. Default: 8080
	Port int

	// Host is the listen address. Default: "" (all interfaces)
	Host string

	// GinMode sets the Gin framework mode ("debug", "release", "test").
	// Default: leaves the current mode untouched
	GinMode string

	// SearchTestBaseURL overrides https://test-index.murmurations.network.
	SearchTestBaseURL string

	// SearchProductionBaseURL overrides https://index.murmurations.network.
	SearchProductionBaseURL string

	// SearchSchema overrides organizations_schema-v1.0.0.
	SearchSchema string

	// DefaultIndex applies when a request has no index parameter. Default: "test"
	DefaultIndex string

	// HTTPTimeout bounds each upstream request. Default: 30s
	HTTPTimeout time.Duration

	// MaxBodyBytes caps upstream bodies. Default: 4 MiB
	MaxBodyBytes int64

	// CacheTTL enables the upstream document cache when > 0. Default: 0 (off)
	CacheTTL time.Duration

	// TraceExporter selects "otlp", "stdout" or "none". Default: "none"
	TraceExporter string

	// OTelEndpoint is the OTLP gRPC collector. Default: "localhost:4317"
	OTelEndpoint string

	// DisableMetrics removes GET /metrics.
	DisableMetrics bool

	// ShutdownTimeout bounds graceful shutdown. Default: 5s
	ShutdownTimeout time.Duration

	// HTTPClient overrides the upstream client. Used by tests.
	HTTPClient fetch.HTTPClient

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// applyConfigDefaults fills in missing configuration values.
func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.DefaultIndex == "" {
		cfg.DefaultIndex = handlers.DefaultIndex
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = fetch.DefaultMaxBodyBytes
	}
	if cfg.TraceExporter == "" {
		cfg.TraceExporter = "none"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "localhost:4317"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// Thread-safe after construction. All fields are read-only after New() returns.
type service struct {
	config        Config
	logger        *slog.Logger
	router        *gin.Engine
	registry      *prometheus.Registry
	metrics       *observability.AggregatorMetrics
	cache         *fetch.CachingFetcher
	pipeline      *pipeline.Pipeline
	tracerCleanup func(context.Context) error
}

// New creates a Service with the given configuration.
//
// # Description
//
// New initializes all components:
//  1. Applies default configuration for missing values
//  2. Initializes OpenTelemetry tracing
//  3. Creates the metrics registry
//  4. Builds resolver, optional cache, search client and pipeline
//  5. Sets up HTTP routes
//
// # Outputs
//
//   - Service: Ready-to-run service. Call Close() when done.
//   - error: Non-nil if tracing or the cache cannot be initialized
func New(cfg Config) (Service, error) {
	s := &service{config: applyConfigDefaults(cfg)}
	s.logger = s.config.Logger

	if s.config.GinMode != "" {
		gin.SetMode(s.config.GinMode)
	}

	cleanup, err := s.initTracer(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	s.tracerCleanup = cleanup

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewAggregatorMetrics(s.registry)

	if err := s.initPipeline(); err != nil {
		_ = s.Close()
		return nil, err
	}

	s.initRouter()
	return s, nil
}

// Run serves HTTP until ctx is canceled.
func (s *service) Run(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting murmurmap server", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down murmurmap server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Router returns the underlying Gin engine for testing.
func (s *service) Router() *gin.Engine {
	return s.router
}

// BuildGraph builds one document and counts it under the cli endpoint.
func (s *service) BuildGraph(ctx context.Context, originURL, index string) (*datatypes.GraphDocument, error) {
	if index == "" {
		index = s.config.DefaultIndex
	}
	doc, err := s.pipeline.Build(ctx, originURL, index)
	if err != nil {
		s.metrics.RecordRequest(observability.EndpointCLI, observability.StatusError)
		return nil, err
	}
	s.metrics.RecordRequest(observability.EndpointCLI, observability.StatusSuccess)
	return doc, nil
}

// Close releases the cache and shuts down the tracer.
func (s *service) Close() error {
	var errs []error
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, err)
		}
		s.cache = nil
	}
	if s.tracerCleanup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.tracerCleanup(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
		s.tracerCleanup = nil
	}
	return errors.Join(errs...)
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initPipeline builds the fetch and search chain.
func (s *service) initPipeline() error {
	client := s.config.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout:   s.config.HTTPTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	var fetcher fetch.DocumentFetcher = fetch.NewResolver(client, s.config.MaxBodyBytes, s.metrics)
	if s.config.CacheTTL > 0 {
		cache, err := fetch.NewCachingFetcher(fetcher, fetch.CacheConfig{
			TTL:     s.config.CacheTTL,
			Logger:  s.logger,
			Metrics: s.metrics,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize upstream cache: %w", err)
		}
		s.cache = cache
		fetcher = cache
		s.logger.Info("Upstream document cache enabled", "ttl", s.config.CacheTTL)
	}

	searcher := directory.NewClient(fetcher,
		directory.WithBaseURLs(s.config.SearchTestBaseURL, s.config.SearchProductionBaseURL),
		directory.WithSchema(s.config.SearchSchema),
	)
	s.pipeline = pipeline.NewPipeline(fetcher, searcher, s.logger, s.metrics)
	return nil
}

// initRouter sets up the Gin engine and routes.
func (s *service) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware(ServiceName))

	opts := routes.Options{
		Builder:      s.pipeline,
		DefaultIndex: s.config.DefaultIndex,
		Metrics:      s.metrics,
		Logger:       s.logger,
	}
	if !s.config.DisableMetrics {
		opts.Gatherer = s.registry
	}
	routes.SetupRoutes(s.router, opts)
}

// initTracer initializes OpenTelemetry distributed tracing.
//
// # Description
//
// "otlp" exports over an insecure gRPC connection to OTelEndpoint,
// "stdout" pretty-prints spans to stderr, "none" leaves the global no-op
// provider in place.
//
// # Outputs
//
//   - func(context.Context) error: Cleanup to call on shutdown (never nil)
//   - error: Non-nil for an unknown exporter or exporter setup failure
func (s *service) initTracer(ctx context.Context) (func(context.Context) error, error) {
	var exporter sdktrace.SpanExporter

	switch s.config.TraceExporter {
	case "none":
		return func(context.Context) error { return nil }, nil

	case "otlp":
		conn, err := grpc.NewClient(s.config.OTelEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, fmt.Errorf("failed to create gRPC connection: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

	case "stdout":
		var err error
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, s.config.TraceExporter)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))

	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	s.logger.Info("Tracing enabled", "exporter", s.config.TraceExporter)
	return traceProvider.Shutdown, nil
}
