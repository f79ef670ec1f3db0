// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package directory queries the Murmurations index for profile entries.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/AleutianAI/murmurmap/services/aggregator/datatypes"
	"github.com/AleutianAI/murmurmap/services/aggregator/fetch"
	"github.com/AleutianAI/murmurmap/services/aggregator/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	// TestIndexBaseURL is the base of the test index.
	TestIndexBaseURL = "https://test-index.murmurations.network"

	// ProductionIndexBaseURL is the base of the production index.
	ProductionIndexBaseURL = "https://index.murmurations.network"

	// OrganizationsSchema is the schema every search is restricted to.
	OrganizationsSchema = "organizations_schema-v1.0.0"

	// IndexTest selects the test index. Any other value selects production.
	IndexTest = "test"
)

var tracer = otel.Tracer("murmurmap.directory")

var schemePrefix = regexp.MustCompile(`^https?://(www\.)?`)

// NormalizeURL strips a leading http:// or https:// scheme, an optional www.
// right after it, and one trailing slash.
//
//	NormalizeURL("https://www.example.org/") // "example.org"
func NormalizeURL(raw string) string {
	return strings.TrimSuffix(schemePrefix.ReplaceAllString(raw, ""), "/")
}

// SearchError reports a failed index query.
type SearchError struct {
	// URL is the candidate URL the search was made for.
	URL string
	// Status is the upstream status text, or the failure description.
	Status string
	Err    error
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("failed to query directory index for %s: %s", e.URL, e.Status)
}

func (e *SearchError) Unwrap() error { return e.Err }

// Client searches the index through a DocumentFetcher.
type Client struct {
	fetcher           fetch.DocumentFetcher
	testBaseURL       string
	productionBaseURL string
	schema            string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURLs overrides the test and production index bases.
// Empty values keep the defaults.
func WithBaseURLs(test, production string) Option {
	return func(c *Client) {
		if test != "" {
			c.testBaseURL = strings.TrimSuffix(test, "/")
		}
		if production != "" {
			c.productionBaseURL = strings.TrimSuffix(production, "/")
		}
	}
}

// WithSchema overrides the schema filter.
func WithSchema(schema string) Option {
	return func(c *Client) {
		if schema != "" {
			c.schema = schema
		}
	}
}

// NewClient creates a Client that issues searches through fetcher.
func NewClient(fetcher fetch.DocumentFetcher, opts ...Option) *Client {
	c := &Client{
		fetcher:           fetcher,
		testBaseURL:       TestIndexBaseURL,
		productionBaseURL: ProductionIndexBaseURL,
		schema:            OrganizationsSchema,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueryURL builds the search URL for an already normalized primary URL.
func (c *Client) QueryURL(normalized, index string) string {
	base := c.productionBaseURL
	if index == IndexTest {
		base = c.testBaseURL
	}
	q := url.Values{}
	q.Set("primary_url", normalized)
	q.Set("schema", c.schema)
	return base + "/v2/nodes?" + q.Encode()
}

// Search finds the best index entry for rawURL.
//
// # Outputs
//
//   - *datatypes.DirectoryNode: The selected entry, or nil when nothing matches.
//   - error: *SearchError when the index call fails or returns an unreadable body.
func (c *Client) Search(ctx context.Context, rawURL, index string) (*datatypes.DirectoryNode, error) {
	normalized := NormalizeURL(rawURL)

	ctx, span := tracer.Start(ctx, "directory.Search")
	defer span.End()
	span.SetAttributes(
		attribute.String("murmurmap.candidate_url", rawURL),
		attribute.String("murmurmap.index", index),
	)

	body, err := c.fetcher.Fetch(fetch.WithKind(ctx, observability.UpstreamSearch), c.QueryURL(normalized, index))
	if err != nil {
		serr := &SearchError{URL: rawURL, Status: err.Error(), Err: err}
		var fetchErr *fetch.FetchError
		if errors.As(err, &fetchErr) {
			serr.Status = fetchErr.Status
		}
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		return nil, serr
	}

	var resp datatypes.SearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		serr := &SearchError{URL: rawURL, Status: "malformed search response", Err: err}
		span.RecordError(serr)
		span.SetStatus(codes.Error, serr.Error())
		return nil, serr
	}

	node := SelectNode(resp.Data, normalized)
	span.SetAttributes(
		attribute.Int("murmurmap.search.results", len(resp.Data)),
		attribute.Bool("murmurmap.search.matched", node != nil),
	)
	return node, nil
}

// SelectNode picks an entry from search results.
//
// Deleted entries are ignored. The first entry whose profile_url contains
// normalized wins; otherwise the first remaining entry. Returns nil when no
// entry remains.
func SelectNode(nodes []datatypes.DirectoryNode, normalized string) *datatypes.DirectoryNode {
	var fallback *datatypes.DirectoryNode
	for i := range nodes {
		node := &nodes[i]
		if node.Status == datatypes.NodeStatusDeleted {
			continue
		}
		if strings.Contains(node.ProfileURL, normalized) {
			return node
		}
		if fallback == nil {
			fallback = node
		}
	}
	return fallback
}
