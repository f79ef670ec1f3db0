// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the graph build pipeline

package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/murmurmap/services/aggregator/datatypes"
	"github.com/AleutianAI/murmurmap/services/aggregator/directory"
	"github.com/AleutianAI/murmurmap/services/aggregator/fetch"
	"github.com/AleutianAI/murmurmap/services/aggregator/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Fakes
// =============================================================================

// mapFetcher serves profile documents from a map keyed by URL.
type mapFetcher struct {
	docs  map[string]string
	calls []string
}

func (f *mapFetcher) Fetch(_ context.Context, url string) (json.RawMessage, error) {
	f.calls = append(f.calls, url)
	body, ok := f.docs[url]
	if !ok {
		return nil, &fetch.FetchError{URL: url, StatusCode: 404, Status: "Not Found"}
	}
	return json.RawMessage(body), nil
}

// mapSearcher answers searches from a map keyed by candidate URL.
type mapSearcher struct {
	nodes map[string]*datatypes.DirectoryNode
	errs  map[string]error
	calls []string
}

func (s *mapSearcher) Search(_ context.Context, rawURL, _ string) (*datatypes.DirectoryNode, error) {
	s.calls = append(s.calls, rawURL)
	if err, ok := s.errs[rawURL]; ok {
		return nil, err
	}
	return s.nodes[rawURL], nil
}

func profileJSON(name, primaryURL string, related ...string) string {
	rels := make([]datatypes.Relationship, 0, len(related))
	for _, r := range related {
		rels = append(rels, datatypes.Relationship{ObjectURL: r})
	}
	raw, _ := json.Marshal(datatypes.Profile{Name: datatypes.Text(name), PrimaryURL: primaryURL, Relationships: rels})
	return string(raw)
}

func node(profileURL string) *datatypes.DirectoryNode {
	return &datatypes.DirectoryNode{ProfileURL: profileURL, Status: "posted"}
}

func newTestPipeline(f fetch.DocumentFetcher, s Searcher) (*Pipeline, *bytes.Buffer, *observability.AggregatorMetrics) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	m := observability.NewAggregatorMetrics(prometheus.NewRegistry())
	return NewPipeline(f, s, logger, m), &logs, m
}

// assertEdgeInvariant checks that every connection points from a non-origin
// element to the origin.
func assertEdgeInvariant(t *testing.T, doc *datatypes.GraphDocument) {
	t.Helper()
	require.NotEmpty(t, doc.Elements)
	require.Len(t, doc.Connections, len(doc.Elements)-1)
	for i, c := range doc.Connections {
		assert.Equal(t, doc.Elements[0].Label, c.To)
		assert.Equal(t, doc.Elements[i+1].Label, c.From)
	}
	assert.NotNil(t, doc.Loops)
	assert.Empty(t, doc.Loops)
}

// =============================================================================
// Build Tests
// =============================================================================

func TestBuild_OriginWithoutRelationships(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/profile.json": profileJSON("A", "https://a.org"),
	}}
	p, _, _ := newTestPipeline(f, &mapSearcher{})

	doc, err := p.Build(context.Background(), "https://a.org/profile.json", "test")

	require.NoError(t, err)
	require.Len(t, doc.Elements, 1)
	assert.Equal(t, "A", doc.Elements[0].LabelText())
	assert.Equal(t, "organization", doc.Elements[0].Type)
	assertEdgeInvariant(t, doc)
}

func TestBuild_ReciprocalCandidateIncluded(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/profile.json":    profileJSON("A", "https://www.a.org/", "https://b.org"),
		"https://index/profiles/b.json": profileJSON("B", "https://b.org", "http://a.org/about"),
	}}
	s := &mapSearcher{nodes: map[string]*datatypes.DirectoryNode{
		"https://b.org": node("https://index/profiles/b.json"),
	}}
	p, _, m := newTestPipeline(f, s)

	doc, err := p.Build(context.Background(), "https://a.org/profile.json", "test")

	require.NoError(t, err)
	require.Len(t, doc.Elements, 2)
	assert.Equal(t, "B", doc.Elements[1].LabelText())
	assert.Equal(t, []datatypes.Connection{{From: datatypes.Text("B"), To: datatypes.Text("A")}}, doc.Connections)
	assertEdgeInvariant(t, doc)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandidatesTotal.WithLabelValues("included")))
}

// TestBuild_NonStringFieldsPassThrough verifies that profile fields holding
// numbers or objects neither fail the build nor drop the candidate.
func TestBuild_NonStringFieldsPassThrough(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/profile.json": `{"id":42,"name":"A","primary_url":"https://a.org",
			"relationships":[{"object_url":"https://b.org"}]}`,
		"https://index/profiles/b.json": `{"name":"B","primary_url":"https://b.org",
			"image":{"url":"https://b.org/logo.png"},
			"relationships":[{"object_url":"https://a.org"}]}`,
	}}
	s := &mapSearcher{nodes: map[string]*datatypes.DirectoryNode{
		"https://b.org": node("https://index/profiles/b.json"),
	}}
	p, _, m := newTestPipeline(f, s)

	doc, err := p.Build(context.Background(), "https://a.org/profile.json", "test")

	require.NoError(t, err)
	require.Len(t, doc.Elements, 2)
	assert.Equal(t, json.RawMessage(`42`), doc.Elements[0].ID)
	assert.JSONEq(t, `{"url":"https://b.org/logo.png"}`, string(doc.Elements[1].Image))
	assertEdgeInvariant(t, doc)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandidatesTotal.WithLabelValues("included")))
}

// TestBuild_NonReciprocalCandidateExcluded verifies a candidate that does not
// link back to the origin is dropped without a warning.
func TestBuild_NonReciprocalCandidateExcluded(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/profile.json": profileJSON("A", "https://a.org", "https://b.org"),
		"https://b.org/profile.json": profileJSON("B", "https://b.org", "https://c.org"),
	}}
	s := &mapSearcher{nodes: map[string]*datatypes.DirectoryNode{
		"https://b.org": node("https://b.org/profile.json"),
	}}
	p, logs, m := newTestPipeline(f, s)

	doc, err := p.Build(context.Background(), "https://a.org/profile.json", "test")

	require.NoError(t, err)
	require.Len(t, doc.Elements, 1)
	assert.Empty(t, doc.Connections)
	assert.NotContains(t, logs.String(), "skipping related URL")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandidatesTotal.WithLabelValues("not_reciprocal")))
}

func TestBuild_NoIndexMatchSkipped(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/profile.json": profileJSON("A", "https://a.org", "https://b.org"),
	}}
	p, _, m := newTestPipeline(f, &mapSearcher{})

	doc, err := p.Build(context.Background(), "https://a.org/profile.json", "test")

	require.NoError(t, err)
	assert.Len(t, doc.Elements, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandidatesTotal.WithLabelValues("no_match")))
	assert.Equal(t, []string{"https://a.org/profile.json"}, f.calls)
}

// TestBuild_SearchFailureDoesNotAbort verifies one failing search leaves the
// other candidates and the response intact.
func TestBuild_SearchFailureDoesNotAbort(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/profile.json": profileJSON("A", "https://a.org", "https://b.org", "https://c.org"),
		"https://c.org/profile.json": profileJSON("C", "https://c.org", "https://a.org"),
	}}
	s := &mapSearcher{
		nodes: map[string]*datatypes.DirectoryNode{"https://c.org": node("https://c.org/profile.json")},
		errs:  map[string]error{"https://b.org": &directory.SearchError{
			URL: "https://b.org", Status: "Internal Server Error",
		}},
	}
	p, logs, m := newTestPipeline(f, s)

	doc, err := p.Build(context.Background(), "https://a.org/profile.json", "test")

	require.NoError(t, err)
	require.Len(t, doc.Elements, 2)
	assert.Equal(t, "C", doc.Elements[1].LabelText())
	assertEdgeInvariant(t, doc)
	assert.Contains(t, logs.String(), "skipping related URL")
	assert.Contains(t, logs.String(), "url=https://b.org")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandidatesTotal.WithLabelValues("search_failed")))
	assert.Equal(t, []string{"https://b.org", "https://c.org"}, s.calls)
}

func TestBuild_CandidateFetchFailureSkipped(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/profile.json": profileJSON("A", "https://a.org", "https://b.org"),
	}}
	s := &mapSearcher{nodes: map[string]*datatypes.DirectoryNode{
		"https://b.org": node("https://b.org/gone.json"),
	}}
	p, logs, m := newTestPipeline(f, s)

	doc, err := p.Build(context.Background(), "https://a.org/profile.json", "test")

	require.NoError(t, err)
	assert.Len(t, doc.Elements, 1)
	assert.Contains(t, logs.String(), "failed to fetch https://b.org/gone.json: Not Found")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandidatesTotal.WithLabelValues("fetch_failed")))
}

func TestBuild_MalformedCandidateSkipped(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/profile.json": profileJSON("A", "https://a.org", "https://b.org"),
		"https://b.org/profile.json": `{"name": 42}`,
	}}
	s := &mapSearcher{nodes: map[string]*datatypes.DirectoryNode{
		"https://b.org": node("https://b.org/profile.json"),
	}}
	p, _, _ := newTestPipeline(f, s)

	doc, err := p.Build(context.Background(), "https://a.org/profile.json", "test")

	require.NoError(t, err)
	assert.Len(t, doc.Elements, 1)
}

func TestBuild_EmptyObjectURLSkipped(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/profile.json": profileJSON("A", "https://a.org", ""),
	}}
	s := &mapSearcher{}
	p, logs, m := newTestPipeline(f, s)

	doc, err := p.Build(context.Background(), "https://a.org/profile.json", "test")

	require.NoError(t, err)
	assert.Len(t, doc.Elements, 1)
	assert.Empty(t, s.calls)
	assert.Contains(t, logs.String(), "relationship has no object_url")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CandidatesTotal.WithLabelValues("invalid")))
}

// TestBuild_RepeatedTargetsNotDeduplicated verifies a relation listed twice
// yields two elements.
func TestBuild_RepeatedTargetsNotDeduplicated(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/profile.json": profileJSON("A", "https://a.org", "https://b.org", "https://b.org"),
		"https://b.org/profile.json": profileJSON("B", "https://b.org", "https://a.org"),
	}}
	s := &mapSearcher{nodes: map[string]*datatypes.DirectoryNode{
		"https://b.org": node("https://b.org/profile.json"),
	}}
	p, _, _ := newTestPipeline(f, s)

	doc, err := p.Build(context.Background(), "https://a.org/profile.json", "test")

	require.NoError(t, err)
	assert.Len(t, doc.Elements, 3)
	assertEdgeInvariant(t, doc)
}

func TestBuild_OrderFollowsRelationships(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/profile.json": profileJSON("A", "https://a.org", "https://c.org", "https://b.org"),
		"https://b.org/profile.json": profileJSON("B", "https://b.org", "https://a.org"),
		"https://c.org/profile.json": profileJSON("C", "https://c.org", "https://a.org"),
	}}
	s := &mapSearcher{nodes: map[string]*datatypes.DirectoryNode{
		"https://b.org": node("https://b.org/profile.json"),
		"https://c.org": node("https://c.org/profile.json"),
	}}
	p, _, _ := newTestPipeline(f, s)

	doc, err := p.Build(context.Background(), "https://a.org/profile.json", "test")

	require.NoError(t, err)
	require.Len(t, doc.Elements, 3)
	assert.Equal(t, "C", doc.Elements[1].LabelText())
	assert.Equal(t, "B", doc.Elements[2].LabelText())
}

// =============================================================================
// Fatal Paths
// =============================================================================

func TestBuild_OriginNotFound(t *testing.T) {
	p, _, m := newTestPipeline(&mapFetcher{}, &mapSearcher{})

	doc, err := p.Build(context.Background(), "https://a.org/missing.json", "test")

	assert.Nil(t, doc)
	var fetchErr *fetch.FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, "failed to fetch https://a.org/missing.json: Not Found", err.Error())
	assert.Equal(t, 1, testutil.CollectAndCount(m.BuildDurationSeconds))
}

func TestBuild_OriginMalformed(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{"https://a.org/p.json": `["not","a","profile"]`}}
	p, _, _ := newTestPipeline(f, &mapSearcher{})

	_, err := p.Build(context.Background(), "https://a.org/p.json", "test")

	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "failed to decode profile https://a.org/p.json"))
}

func TestBuild_OriginWithoutPrimaryURL(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/p.json": profileJSON("A", "", "https://b.org"),
	}}
	s := &mapSearcher{}
	p, _, _ := newTestPipeline(f, s)

	_, err := p.Build(context.Background(), "https://a.org/p.json", "test")

	assert.ErrorIs(t, err, ErrMissingPrimaryURL)
	assert.Empty(t, s.calls)
}

func TestBuild_ContextCanceled(t *testing.T) {
	f := &mapFetcher{docs: map[string]string{
		"https://a.org/p.json": profileJSON("A", "https://a.org", "https://b.org"),
	}}
	s := &mapSearcher{}
	p, _, _ := newTestPipeline(f, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Build(ctx, "https://a.org/p.json", "test")

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, s.calls)
}

// =============================================================================
// End-to-End
// =============================================================================

// TestBuild_AgainstUpstreamServers wires the real resolver and directory
// client to httptest profile and index servers.
func TestBuild_AgainstUpstreamServers(t *testing.T) {
	profiles := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a.json":
			w.Write([]byte(profileJSON("A", "https://a.org", "https://b.org", "https://c.org", "https://d.org")))
		case "/b.json":
			w.Write([]byte(profileJSON("B", "https://b.org", "https://www.a.org/")))
		case "/c.json":
			w.Write([]byte(profileJSON("C", "https://c.org", "https://elsewhere.org")))
		default:
			http.NotFound(w, r)
		}
	}))
	defer profiles.Close()

	index := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var data []datatypes.DirectoryNode
		switch r.URL.Query().Get("primary_url") {
		case "b.org":
			data = []datatypes.DirectoryNode{
				{ProfileURL: profiles.URL + "/stale-b.json", Status: "deleted"},
				{ProfileURL: profiles.URL + "/b.json", Status: "posted"},
			}
		case "c.org":
			data = []datatypes.DirectoryNode{{ProfileURL: profiles.URL + "/c.json"}}
		case "d.org":
			http.Error(w, "boom", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(datatypes.SearchResponse{Data: data})
	}))
	defer index.Close()

	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()

	resolver := fetch.NewResolver(client, 0, nil)
	searcher := directory.NewClient(resolver, directory.WithBaseURLs(index.URL, index.URL))
	p, logs, _ := newTestPipeline(resolver, searcher)

	doc, err := p.Build(context.Background(), profiles.URL+"/a.json", "test")

	require.NoError(t, err)
	require.Len(t, doc.Elements, 2)
	assert.Equal(t, "A", doc.Elements[0].LabelText())
	assert.Equal(t, "B", doc.Elements[1].LabelText())
	assertEdgeInvariant(t, doc)
	assert.Contains(t, logs.String(), "url=https://d.org")
	assert.Contains(t, logs.String(), "Bad Gateway")
}
