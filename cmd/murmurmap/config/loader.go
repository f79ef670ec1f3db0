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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides, applied after the file.
const (
	EnvPort          = "MURMURMAP_PORT"
	EnvDefaultIndex  = "MURMURMAP_DEFAULT_INDEX"
	EnvCacheTTL      = "MURMURMAP_CACHE_TTL"
	EnvLogLevel      = "MURMURMAP_LOG_LEVEL"
	EnvTraceExporter = "OTEL_TRACES_EXPORTER"
	EnvOTLPEndpoint  = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvGinMode       = "GIN_MODE"
)

// ErrConfigExists is returned by WriteDefault when the file is already there.
var ErrConfigExists = errors.New("config file already exists")

var validate = validator.New()

// DefaultPath returns ~/.murmurmap/murmurmap.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	return filepath.Join(home, ".murmurmap", "murmurmap.yaml"), nil
}

// Load reads the YAML file at path over DefaultConfig, then applies the
// environment overrides and validates the result.
//
// An empty path skips the file. A missing file is an error.
func Load(path string) (MurmurmapConfig, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read the config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse the config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig to path, creating parent directories.
func WriteDefault(path string, overwrite bool) error {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return fmt.Errorf("%s: %w", path, ErrConfigExists)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := Marshal(DefaultConfig())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Marshal renders cfg as YAML.
func Marshal(cfg MurmurmapConfig) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal the config: %w", err)
	}
	return data, nil
}

func applyEnv(cfg *MurmurmapConfig, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvPort); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		cfg.Server.Port = port
	}
	if v, ok := lookup(EnvDefaultIndex); ok && v != "" {
		cfg.Index.Default = v
	}
	if v, ok := lookup(EnvCacheTTL); ok && v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCacheTTL, err)
		}
		cfg.Upstream.CacheTTL = ttl
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Logging.Level = v
	}
	if v, ok := lookup(EnvTraceExporter); ok && v != "" {
		cfg.Telemetry.TraceExporter = v
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok && v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v, ok := lookup(EnvGinMode); ok && v != "" {
		cfg.Server.GinMode = v
	}
	return nil
}
