// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fetch retrieves JSON documents from arbitrary upstream URLs.
//
// # Description
//
// Resolver is the single outbound GET path used for both profile documents
// and index search queries. It fails with a *FetchError when the upstream
// answers with a non-2xx status, and with a generic error for transport
// failures or bodies that are not JSON. There is no retry.
//
// CachingFetcher optionally wraps any DocumentFetcher with a short-lived
// in-memory cache of raw upstream bodies.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/AleutianAI/murmurmap/pkg/validation"
	"github.com/AleutianAI/murmurmap/services/aggregator/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxBodyBytes caps the size of an upstream document.
const DefaultMaxBodyBytes int64 = 4 << 20

var tracer = otel.Tracer("murmurmap.fetch")

// ErrInvalidJSON is returned when an upstream body does not parse as JSON.
var ErrInvalidJSON = errors.New("response body is not valid JSON")

// ErrBodyTooLarge is returned when an upstream body exceeds the size cap.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// HTTPClient interface allows injecting mock HTTP clients for testing
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// DocumentFetcher retrieves the JSON document at a URL.
type DocumentFetcher interface {
	Fetch(ctx context.Context, url string) (json.RawMessage, error)
}

// FetchError reports an upstream response outside the 2xx range.
type FetchError struct {
	URL        string
	StatusCode int
	// Status is the reason phrase, e.g. "Not Found".
	Status string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch %s: %s", e.URL, e.Status)
}

// Resolver performs GET requests for JSON documents.
type Resolver struct {
	client       HTTPClient
	maxBodyBytes int64
	metrics      *observability.AggregatorMetrics
}

// NewResolver creates a Resolver.
//
// # Inputs
//
//   - client: HTTP client. Should carry a timeout; http.DefaultClient does not.
//   - maxBodyBytes: Body size cap. Values <= 0 use DefaultMaxBodyBytes.
//   - metrics: Optional upstream counters. May be nil.
func NewResolver(client HTTPClient, maxBodyBytes int64, metrics *observability.AggregatorMetrics) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Resolver{
		client:       client,
		maxBodyBytes: maxBodyBytes,
		metrics:      metrics,
	}
}

// Fetch GETs rawURL and returns the body as raw JSON.
//
// # Outputs
//
//   - json.RawMessage: The body, guaranteed to be valid JSON.
//   - error: *FetchError for non-2xx responses, ErrInvalidJSON for
//     unparseable bodies, or a wrapped transport/validation error.
func (r *Resolver) Fetch(ctx context.Context, rawURL string) (json.RawMessage, error) {
	kind := KindFromContext(ctx)

	ctx, span := tracer.Start(ctx, "fetch.Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("url.full", rawURL),
			attribute.String("murmurmap.upstream.kind", string(kind)),
		),
	)
	defer span.End()

	body, statusCode, err := r.do(ctx, rawURL)
	r.metrics.RecordUpstream(kind, statusCode)
	if statusCode != 0 {
		span.SetAttributes(attribute.Int("http.response.status_code", statusCode))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return body, nil
}

func (r *Resolver) do(ctx context.Context, rawURL string) (json.RawMessage, int, error) {
	if err := validation.ValidateFetchURL(rawURL); err != nil {
		return nil, 0, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request for %s: %w", rawURL, err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request to %s failed: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Drain a bounded amount so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, resp.StatusCode, &FetchError{
			URL:        rawURL,
			StatusCode: resp.StatusCode,
			Status:     statusText(resp),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBodyBytes+1))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response from %s: %w", rawURL, err)
	}
	if int64(len(body)) > r.maxBodyBytes {
		return nil, resp.StatusCode, fmt.Errorf("%s: %w (%d bytes)", rawURL, ErrBodyTooLarge, r.maxBodyBytes)
	}
	if !json.Valid(body) {
		return nil, resp.StatusCode, fmt.Errorf("%s: %w", rawURL, ErrInvalidJSON)
	}
	return json.RawMessage(body), resp.StatusCode, nil
}

// statusText extracts the reason phrase from a response status line.
func statusText(resp *http.Response) string {
	text := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if text == "" {
		text = http.StatusText(resp.StatusCode)
	}
	if text == "" {
		text = strconv.Itoa(resp.StatusCode)
	}
	return text
}

// =============================================================================
// Upstream Kind
// =============================================================================

type kindKey struct{}

// WithKind marks ctx so fetches made with it are counted as kind.
func WithKind(ctx context.Context, kind observability.UpstreamKind) context.Context {
	return context.WithValue(ctx, kindKey{}, kind)
}

// KindFromContext returns the upstream kind set by WithKind.
// Defaults to observability.UpstreamProfile.
func KindFromContext(ctx context.Context) observability.UpstreamKind {
	if kind, ok := ctx.Value(kindKey{}).(observability.UpstreamKind); ok {
		return kind
	}
	return observability.UpstreamProfile
}
