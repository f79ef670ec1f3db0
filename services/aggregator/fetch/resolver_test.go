// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the upstream document resolver

package fetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/murmurmap/pkg/validation"
	"github.com/AleutianAI/murmurmap/services/aggregator/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock HTTP Client ---

type MockHTTPClient struct {
	DoFunc func(req *http.Request) (*http.Response, error)
}

func (m *MockHTTPClient) Do(req *http.Request) (*http.Response, error) {
	return m.DoFunc(req)
}

func jsonResponse(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Status:     http.StatusText(code),
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

// --- Fetch Tests ---

func TestResolverFetch_Success(t *testing.T) {
	var gotAccept, gotMethod string
	client := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		gotAccept = req.Header.Get("Accept")
		gotMethod = req.Method
		return jsonResponse(200, `{"name":"Org A"}`), nil
	}}

	body, err := NewResolver(client, 0, nil).Fetch(context.Background(), "https://a.org/profile.json")

	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Org A"}`, string(body))
	assert.Equal(t, http.MethodGet, gotMethod)
	assert.Equal(t, "application/json", gotAccept)
}

// TestResolverFetch_NotFound verifies the error carries the URL and the
// status text of the upstream response.
func TestResolverFetch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	url := srv.URL + "/missing.json"
	_, err := NewResolver(srv.Client(), 0, nil).Fetch(context.Background(), url)

	require.Error(t, err)
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))
	assert.Equal(t, 404, fetchErr.StatusCode)
	assert.Equal(t, "Not Found", fetchErr.Status)
	assert.Equal(t, "failed to fetch "+url+": Not Found", err.Error())
}

func TestResolverFetch_Non2xxStatuses(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		status string
		want   string
	}{
		{"server error", 500, "500 Internal Server Error", "Internal Server Error"},
		{"custom reason", 503, "503 Down For Maintenance", "Down For Maintenance"},
		{"bare code", 418, "418", "I'm a teapot"},
		{"redirect not followed", 304, "304 Not Modified", "Not Modified"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
				resp := jsonResponse(tt.code, `{}`)
				resp.Status = tt.status
				return resp, nil
			}}

			_, err := NewResolver(client, 0, nil).Fetch(context.Background(), "https://a.org")

			var fetchErr *FetchError
			require.ErrorAs(t, err, &fetchErr)
			assert.Equal(t, tt.want, fetchErr.Status)
			assert.Equal(t, tt.code, fetchErr.StatusCode)
		})
	}
}

func TestResolverFetch_InvalidJSON(t *testing.T) {
	client := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `<html>not json</html>`), nil
	}}

	_, err := NewResolver(client, 0, nil).Fetch(context.Background(), "https://a.org")

	assert.ErrorIs(t, err, ErrInvalidJSON)
	var fetchErr *FetchError
	assert.False(t, errors.As(err, &fetchErr))
}

func TestResolverFetch_NetworkError(t *testing.T) {
	client := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}

	_, err := NewResolver(client, 0, nil).Fetch(context.Background(), "https://a.org")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "https://a.org")
}

func TestResolverFetch_BodyTooLarge(t *testing.T) {
	client := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		return jsonResponse(200, `{"name":"`+strings.Repeat("x", 64)+`"}`), nil
	}}

	_, err := NewResolver(client, 32, nil).Fetch(context.Background(), "https://a.org")

	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestResolverFetch_RejectsUnsupportedURLs(t *testing.T) {
	called := false
	client := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		called = true
		return jsonResponse(200, `{}`), nil
	}}
	r := NewResolver(client, 0, nil)

	for _, raw := range []string{"", "file:///etc/passwd", "a.org/profile.json", "ftp://a.org"} {
		_, err := r.Fetch(context.Background(), raw)
		assert.Error(t, err, raw)
	}
	assert.False(t, called, "invalid URLs must not reach the HTTP client")

	_, err := r.Fetch(context.Background(), "gopher://a.org")
	assert.ErrorIs(t, err, validation.ErrUnsupportedScheme)
}

func TestResolverFetch_ContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewResolver(srv.Client(), 0, nil).Fetch(ctx, srv.URL)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolverFetch_RecordsUpstreamMetrics(t *testing.T) {
	m := observability.NewAggregatorMetrics(prometheus.NewRegistry())
	codes := []int{200, 404}
	i := 0
	client := &MockHTTPClient{DoFunc: func(req *http.Request) (*http.Response, error) {
		code := codes[i]
		i++
		return jsonResponse(code, `{}`), nil
	}}
	r := NewResolver(client, 0, m)

	_, _ = r.Fetch(context.Background(), "https://a.org")
	_, _ = r.Fetch(WithKind(context.Background(), observability.UpstreamSearch), "https://index.example/v2/nodes")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRequestsTotal.WithLabelValues("profile", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRequestsTotal.WithLabelValues("search", "http_error")))
}

func TestKindFromContext_Default(t *testing.T) {
	assert.Equal(t, observability.UpstreamProfile, KindFromContext(context.Background()))
	assert.Equal(t, observability.UpstreamSearch,
		KindFromContext(WithKind(context.Background(), observability.UpstreamSearch)))
}
