// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"log/slog"
	"time"

	"github.com/AleutianAI/murmurmap/pkg/logging"
	"github.com/AleutianAI/murmurmap/services/aggregator"
	"github.com/AleutianAI/murmurmap/services/aggregator/directory"
)

type MurmurmapConfig struct {
	// Server: listen address and lifecycle
	Server ServerConfig `yaml:"server"`

	// Index: which Murmurations index to search and where it lives
	Index IndexConfig `yaml:"index"`

	// Upstream: outbound HTTP limits and the document cache
	Upstream UpstreamConfig `yaml:"upstream"`

	// Telemetry: tracing exporter and the /metrics endpoint
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	GinMode         string        `yaml:"gin_mode,omitempty" validate:"omitempty,oneof=debug release test"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type IndexConfig struct {
	// Default applies when a request has no index parameter.
	// "test" selects the test index, anything else production.
	Default           string `yaml:"default" validate:"required"`
	TestBaseURL       string `yaml:"test_base_url" validate:"required,url"`
	ProductionBaseURL string `yaml:"production_base_url" validate:"required,url"`
	Schema            string `yaml:"schema" validate:"required"`
}

type UpstreamConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxBodyBytes int64         `yaml:"max_body_bytes" validate:"min=0"`
	// CacheTTL of 0 disables the cache.
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none otlp stdout"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	DisableMetrics bool   `yaml:"disable_metrics"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// DefaultConfig returns the configuration written by `murmurmap config init`.
func DefaultConfig() MurmurmapConfig {
	return MurmurmapConfig{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 5 * time.Second,
		},
		Index: IndexConfig{
			Default:           directory.IndexTest,
			TestBaseURL:       directory.TestIndexBaseURL,
			ProductionBaseURL: directory.ProductionIndexBaseURL,
			Schema:            directory.OrganizationsSchema,
		},
		Upstream: UpstreamConfig{
			Timeout:      30 * time.Second,
			MaxBodyBytes: 4 << 20,
		},
		Telemetry: TelemetryConfig{
			TraceExporter: "none",
			OTLPEndpoint:  "localhost:4317",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ServiceConfig maps the file configuration onto the service.
func (c MurmurmapConfig) ServiceConfig(logger *slog.Logger) aggregator.Config {
	return aggregator.Config{
		Port:                    c.Server.Port,
		Host:                    c.Server.Host,
		GinMode:                 c.Server.GinMode,
		ShutdownTimeout:         c.Server.ShutdownTimeout,
		SearchTestBaseURL:       c.Index.TestBaseURL,
		SearchProductionBaseURL: c.Index.ProductionBaseURL,
		SearchSchema:            c.Index.Schema,
		DefaultIndex:            c.Index.Default,
		HTTPTimeout:             c.Upstream.Timeout,
		MaxBodyBytes:            c.Upstream.MaxBodyBytes,
		CacheTTL:                c.Upstream.CacheTTL,
		TraceExporter:           c.Telemetry.TraceExporter,
		OTelEndpoint:            c.Telemetry.OTLPEndpoint,
		DisableMetrics:          c.Telemetry.DisableMetrics,
		Logger:                  logger,
	}
}

// LoggerConfig maps the logging section onto pkg/logging.
func (c MurmurmapConfig) LoggerConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:      level,
		Service:    aggregator.ServiceName,
		JSON:       c.Logging.JSON,
		LogFile:    c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
		Compress:   c.Logging.Compress,
	}, nil
}
