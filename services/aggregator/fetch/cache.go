// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/murmurmap/services/aggregator/observability"
	"github.com/dgraph-io/badger/v4"
	"golang.org/x/sync/singleflight"
)

// CacheConfig configures a CachingFetcher.
type CacheConfig struct {
	// TTL is how long an upstream body stays cached. Must be > 0.
	TTL time.Duration

	// Logger receives cache and BadgerDB diagnostics. Default: slog.Default()
	Logger *slog.Logger

	// Metrics records hits and misses. May be nil.
	Metrics *observability.AggregatorMetrics
}

// CachingFetcher wraps a DocumentFetcher with an in-memory TTL cache.
//
// Description:
//
//	Only successful bodies are cached, keyed by URL. Errors always go back
//	to the wrapped fetcher on the next call. Concurrent fetches of the same
//	URL are collapsed into one upstream request; the shared call runs under
//	the context of the caller that started it.
//
// Thread Safety: Safe for concurrent use.
type CachingFetcher struct {
	next    DocumentFetcher
	db      *badger.DB
	ttl     time.Duration
	logger  *slog.Logger
	metrics *observability.AggregatorMetrics
	flight  singleflight.Group
}

// NewCachingFetcher opens an in-memory BadgerDB and wraps next with it.
//
// Outputs:
//
//	*CachingFetcher - Caller must call Close() when done.
//	error - Non-nil if TTL is not positive or the store cannot be opened.
func NewCachingFetcher(next DocumentFetcher, cfg CacheConfig) (*CachingFetcher, error) {
	if next == nil {
		return nil, errors.New("caching fetcher requires a fetcher to wrap")
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive, got %s", cfg.TTL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{logger: logger.With("component", "upstream_cache")})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open upstream cache: %w", err)
	}

	return &CachingFetcher{
		next:    next,
		db:      db,
		ttl:     cfg.TTL,
		logger:  logger,
		metrics: cfg.Metrics,
	}, nil
}

// Fetch returns the cached body for rawURL or fetches and caches it.
func (c *CachingFetcher) Fetch(ctx context.Context, rawURL string) (json.RawMessage, error) {
	if rawURL == "" {
		return c.next.Fetch(ctx, rawURL)
	}
	if body, ok := c.lookup(rawURL); ok {
		c.metrics.RecordCacheLookup(true)
		return body, nil
	}
	c.metrics.RecordCacheLookup(false)

	result, err, _ := c.flight.Do(rawURL, func() (interface{}, error) {
		body, err := c.next.Fetch(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		c.store(rawURL, body)
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}

// Close releases the cache store.
func (c *CachingFetcher) Close() error {
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close upstream cache: %w", err)
	}
	return nil
}

func (c *CachingFetcher) lookup(rawURL string) (json.RawMessage, bool) {
	var body []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(rawURL))
		if err != nil {
			return err
		}
		body, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn("upstream cache read failed", "url", rawURL, "error", err)
		}
		return nil, false
	}
	return json.RawMessage(body), true
}

// store writes body under rawURL. Failures are logged and otherwise ignored.
func (c *CachingFetcher) store(rawURL string, body json.RawMessage) {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry([]byte(rawURL), body).WithTTL(c.ttl))
	})
	if err != nil {
		c.logger.Warn("upstream cache write failed", "url", rawURL, "error", err)
	}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
// Badger's startup chatter is demoted to Debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
