// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// Tests for the upstream document cache

package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AleutianAI/murmurmap/services/aggregator/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetcher is a DocumentFetcher that counts calls.
type countingFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (f *countingFetcher) Fetch(ctx context.Context, url string) (json.RawMessage, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if f.err != nil {
		return nil, f.err
	}
	return json.RawMessage(`{"url":"` + url + `"}`), nil
}

func newTestCache(t *testing.T, next DocumentFetcher, ttl time.Duration) (*CachingFetcher, *observability.AggregatorMetrics) {
	t.Helper()
	m := observability.NewAggregatorMetrics(prometheus.NewRegistry())
	c, err := NewCachingFetcher(next, CacheConfig{TTL: ttl, Metrics: m})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, m
}

func TestNewCachingFetcher_InvalidConfig(t *testing.T) {
	_, err := NewCachingFetcher(nil, CacheConfig{TTL: time.Minute})
	assert.Error(t, err)

	_, err = NewCachingFetcher(&countingFetcher{}, CacheConfig{})
	assert.Error(t, err)
}

func TestCachingFetcher_HitAfterMiss(t *testing.T) {
	next := &countingFetcher{}
	c, m := newTestCache(t, next, time.Minute)

	first, err := c.Fetch(context.Background(), "https://a.org")
	require.NoError(t, err)
	second, err := c.Fetch(context.Background(), "https://a.org")
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
	assert.Equal(t, int32(1), next.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookupsTotal.WithLabelValues("hit")))
}

func TestCachingFetcher_KeysByURL(t *testing.T) {
	next := &countingFetcher{}
	c, _ := newTestCache(t, next, time.Minute)

	a, err := c.Fetch(context.Background(), "https://a.org")
	require.NoError(t, err)
	b, err := c.Fetch(context.Background(), "https://b.org")
	require.NoError(t, err)

	assert.NotEqual(t, string(a), string(b))
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestCachingFetcher_ErrorsNotCached(t *testing.T) {
	next := &countingFetcher{err: &FetchError{URL: "https://a.org", StatusCode: 404, Status: "Not Found"}}
	c, _ := newTestCache(t, next, time.Minute)

	_, err := c.Fetch(context.Background(), "https://a.org")
	var fetchErr *FetchError
	require.True(t, errors.As(err, &fetchErr))

	_, err = c.Fetch(context.Background(), "https://a.org")
	require.Error(t, err)
	assert.Equal(t, int32(2), next.calls.Load())
}

func TestCachingFetcher_Expires(t *testing.T) {
	next := &countingFetcher{}
	c, _ := newTestCache(t, next, time.Second)

	_, err := c.Fetch(context.Background(), "https://a.org")
	require.NoError(t, err)

	// Badger TTLs have one-second resolution.
	time.Sleep(2100 * time.Millisecond)

	_, err = c.Fetch(context.Background(), "https://a.org")
	require.NoError(t, err)
	assert.Equal(t, int32(2), next.calls.Load())
}

// TestCachingFetcher_CollapsesConcurrentFetches verifies that callers racing
// on the same URL share a single upstream request.
func TestCachingFetcher_CollapsesConcurrentFetches(t *testing.T) {
	next := &countingFetcher{release: make(chan struct{})}
	c, _ := newTestCache(t, next, time.Minute)

	const callers = 8
	var started, done sync.WaitGroup
	started.Add(callers)
	done.Add(callers)
	results := make([]json.RawMessage, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer done.Done()
			started.Done()
			body, err := c.Fetch(context.Background(), "https://a.org")
			assert.NoError(t, err)
			results[i] = body
		}(i)
	}
	started.Wait()

	// Give the goroutines time to join the in-flight call before releasing it.
	require.Eventually(t, func() bool { return next.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(next.release)
	done.Wait()

	assert.Equal(t, int32(1), next.calls.Load())
	for _, body := range results {
		assert.JSONEq(t, `{"url":"https://a.org"}`, string(body))
	}
}
