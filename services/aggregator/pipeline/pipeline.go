// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline builds a relationship graph for one origin profile.
//
// # Description
//
// Build runs the fetch, filter and aggregate steps for a single request:
//
//	origin URL
//	   │
//	   ▼
//	Fetch origin profile ──(error)──► fail the whole build
//	   │
//	   ▼
//	for each relationships[].object_url, in order:
//	   Search index ──(error)──► warn, skip
//	   │  (no entry) ──────────► skip
//	   ▼
//	   Fetch candidate profile ──(error)──► warn, skip
//	   │
//	   ▼
//	   links back to origin? ── no ──► skip
//	   │ yes
//	   ▼
//	   append element
//	   │
//	   ▼
//	connections from every element to the origin
//
// Candidates are processed one at a time. Only the origin fetch can fail
// the build.
//
// # Thread Safety
//
// A Pipeline holds no per-request state and is safe for concurrent use.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/murmurmap/services/aggregator/datatypes"
	"github.com/AleutianAI/murmurmap/services/aggregator/directory"
	"github.com/AleutianAI/murmurmap/services/aggregator/fetch"
	"github.com/AleutianAI/murmurmap/services/aggregator/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("murmurmap.pipeline")

// ErrMissingPrimaryURL is returned when the origin profile has no primary_url.
var ErrMissingPrimaryURL = errors.New("origin profile has no primary_url")

// errEmptyObjectURL marks a relationship entry without an object_url.
var errEmptyObjectURL = errors.New("relationship has no object_url")

// Searcher finds the index entry for a candidate URL.
// A nil node with a nil error means no match.
type Searcher interface {
	Search(ctx context.Context, rawURL, index string) (*datatypes.DirectoryNode, error)
}

// Outcome is the result of processing one relationship candidate.
type Outcome string

// Outcomes double as the "outcome" label of the candidates metric.
const (
	// OutcomeIncluded means the candidate links back to the origin and was
	// added to the graph.
	OutcomeIncluded Outcome = "included"

	// OutcomeNotReciprocal means the candidate profile was fetched but none
	// of its relationships point at the origin.
	OutcomeNotReciprocal Outcome = "not_reciprocal"

	// OutcomeNoMatch means the index returned no live profile for the URL.
	OutcomeNoMatch Outcome = "no_match"

	// OutcomeSearchFailed means the index search request failed.
	OutcomeSearchFailed Outcome = "search_failed"

	// OutcomeFetchFailed means the matched profile could not be fetched or
	// decoded.
	OutcomeFetchFailed Outcome = "fetch_failed"

	// OutcomeInvalid means the relationship had an empty object_url.
	OutcomeInvalid Outcome = "invalid"
)

// Pipeline builds graph documents.
type Pipeline struct {
	fetcher  fetch.DocumentFetcher
	searcher Searcher
	logger   *slog.Logger
	metrics  *observability.AggregatorMetrics
}

// NewPipeline creates a Pipeline.
//
// # Inputs
//
//   - fetcher: Retrieves origin and candidate profile documents.
//   - searcher: Resolves candidate URLs through the index.
//   - logger: Receives skip warnings. nil uses slog.Default().
//   - metrics: Optional build and candidate counters. May be nil.
func NewPipeline(fetcher fetch.DocumentFetcher, searcher Searcher, logger *slog.Logger, metrics *observability.AggregatorMetrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		fetcher:  fetcher,
		searcher: searcher,
		logger:   logger,
		metrics:  metrics,
	}
}

// Build produces the graph document for the profile at originURL.
//
// # Inputs
//
//   - ctx: Cancels in-flight upstream calls.
//   - originURL: Absolute URL of the origin profile document.
//   - index: "test" for the test index, anything else for production.
//
// # Outputs
//
//   - *datatypes.GraphDocument: Origin first, then reciprocal candidates in
//     relationship order.
//   - error: Non-nil only when the origin cannot be fetched or decoded.
func (p *Pipeline) Build(ctx context.Context, originURL, index string) (*datatypes.GraphDocument, error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "pipeline.Build")
	defer span.End()
	span.SetAttributes(
		attribute.String("murmurmap.origin_url", originURL),
		attribute.String("murmurmap.index", index),
	)

	doc, err := p.build(ctx, originURL, index)
	if err != nil {
		p.metrics.RecordBuild(time.Since(start).Seconds(), 0, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	p.metrics.RecordBuild(time.Since(start).Seconds(), len(doc.Elements), true)
	span.SetAttributes(attribute.Int("murmurmap.elements", len(doc.Elements)))
	span.SetStatus(codes.Ok, "")
	return doc, nil
}

func (p *Pipeline) build(ctx context.Context, originURL, index string) (*datatypes.GraphDocument, error) {
	origin, err := p.fetchProfile(ctx, originURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(origin.PrimaryURL) == "" {
		return nil, fmt.Errorf("%s: %w", originURL, ErrMissingPrimaryURL)
	}
	originKey := directory.NormalizeURL(origin.PrimaryURL)

	candidates := origin.RelationshipURLs()
	elements := make([]datatypes.Element, 0, len(candidates)+1)
	elements = append(elements, datatypes.MapProfile(origin))

	for _, candidateURL := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("graph build for %s interrupted: %w", originURL, err)
		}

		element, outcome, err := p.resolveCandidate(ctx, candidateURL, originKey, index)
		p.metrics.RecordCandidate(string(outcome))
		if err != nil {
			p.logger.Warn("skipping related URL",
				slog.String("url", candidateURL),
				slog.String("origin", originURL),
				slog.String("outcome", string(outcome)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if element != nil {
			elements = append(elements, *element)
		}
	}

	p.logger.Debug("graph built",
		slog.String("origin", originURL),
		slog.Int("candidates", len(candidates)),
		slog.Int("elements", len(elements)),
	)
	return datatypes.NewGraphDocument(elements), nil
}

// resolveCandidate processes one relationship URL.
//
// It never fails the build: any problem is reported as an outcome plus an
// error for the caller to log. A nil element with a nil error is a silent
// skip (no index entry, or not reciprocal).
func (p *Pipeline) resolveCandidate(ctx context.Context, candidateURL, originKey, index string) (*datatypes.Element, Outcome, error) {
	if strings.TrimSpace(candidateURL) == "" {
		return nil, OutcomeInvalid, errEmptyObjectURL
	}

	node, err := p.searcher.Search(ctx, candidateURL, index)
	if err != nil {
		return nil, OutcomeSearchFailed, err
	}
	if node == nil {
		return nil, OutcomeNoMatch, nil
	}

	candidate, err := p.fetchProfile(ctx, node.ProfileURL)
	if err != nil {
		return nil, OutcomeFetchFailed, err
	}

	if !linksTo(candidate, originKey) {
		return nil, OutcomeNotReciprocal, nil
	}
	element := datatypes.MapProfile(candidate)
	return &element, OutcomeIncluded, nil
}

func (p *Pipeline) fetchProfile(ctx context.Context, profileURL string) (datatypes.Profile, error) {
	var profile datatypes.Profile
	body, err := p.fetcher.Fetch(ctx, profileURL)
	if err != nil {
		return profile, err
	}
	if err := json.Unmarshal(body, &profile); err != nil {
		return profile, fmt.Errorf("failed to decode profile %s: %w", profileURL, err)
	}
	return profile, nil
}

// linksTo reports whether any of the profile's relationships points at the
// normalized origin URL.
func linksTo(profile datatypes.Profile, originKey string) bool {
	for _, rel := range profile.Relationships {
		if strings.Contains(rel.ObjectURL, originKey) {
			return true
		}
	}
	return false
}
