package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSupplier records every proxy identity handed out.
type countingSupplier struct {
	mu    sync.Mutex
	calls int
	proxy string
}

func (s *countingSupplier) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.proxy
}

func (s *countingSupplier) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestGateway(supplier *countingSupplier) *Gateway {
	return NewGateway(Options{
		Currency:    "EUR",
		APIKey:      "test-key",
		Timeout:     5 * time.Second,
		MaxAttempts: 10,
		RetryDelay:  time.Millisecond,
	}, supplier)
}

func TestFetchRetriesTransientFailuresWithFreshProxy(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 4 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"metadata":{"listings_count":50}}`))
	}))
	defer server.Close()

	supplier := &countingSupplier{}
	g := newTestGateway(supplier)
	defer g.Close()

	var payload struct {
		Metadata struct {
			ListingsCount int `json:"listings_count"`
		} `json:"metadata"`
	}
	err := g.FetchJSON(context.Background(), server.URL, &payload)
	require.NoError(t, err)

	assert.Equal(t, 50, payload.Metadata.ListingsCount)
	assert.Equal(t, int32(5), hits.Load())
	// One identity for the first attempt plus one for each of the 4 retries.
	assert.Equal(t, 5, supplier.Calls())
}

func TestFetchDoesNotRetryFatalStatus(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	g := newTestGateway(&countingSupplier{})
	defer g.Close()

	err := g.FetchJSON(context.Background(), server.URL, &map[string]any{})

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindFatal, fe.Kind)
	assert.Equal(t, http.StatusNotFound, fe.Status)
	assert.Equal(t, 1, fe.Attempts)
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, IsStatus(err, http.StatusNotFound))
}

func TestFetchGivesUpAfterAttemptCap(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	g := newTestGateway(&countingSupplier{})
	defer g.Close()

	target := server.URL + "/v2/search_results?location=Prague"
	err := g.FetchJSON(context.Background(), target, &map[string]any{})

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindFatal, fe.Kind)
	assert.Equal(t, target, fe.URL)
	assert.Equal(t, 10, fe.Attempts)
	assert.Equal(t, int32(10), hits.Load())
	assert.Contains(t, err.Error(), target)
}

func TestFetchMalformedPayloadIsFatal(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`<html>blocked</html>`))
	}))
	defer server.Close()

	g := newTestGateway(&countingSupplier{})
	defer g.Close()

	err := g.FetchJSON(context.Background(), server.URL, &map[string]any{})

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindFatal, fe.Kind)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchTransportErrorIsRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := server.URL
	server.Close()

	supplier := &countingSupplier{}
	g := NewGateway(Options{MaxAttempts: 3, RetryDelay: time.Millisecond, Timeout: time.Second}, supplier)
	defer g.Close()

	err := g.FetchJSON(context.Background(), target, &map[string]any{})

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindFatal, fe.Kind)
	assert.Equal(t, 3, fe.Attempts)
	assert.Equal(t, 3, supplier.Calls())
}

func TestFetchSendsHeadersThroughProxy(t *testing.T) {
	var seen http.Header
	var host string
	proxyServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		host = r.Host
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer proxyServer.Close()

	g := newTestGateway(&countingSupplier{proxy: proxyServer.URL})
	defer g.Close()

	var out map[string]any
	err := g.FetchJSON(context.Background(), "http://api.airbnb.invalid/v2/reviews", &out)
	require.NoError(t, err)

	assert.Equal(t, true, out["ok"])
	assert.Equal(t, "api.airbnb.invalid", host)
	assert.Equal(t, "EUR", seen.Get("x-airbnb-currency"))
	assert.Equal(t, "test-key", seen.Get("x-airbnb-api-key"))
	assert.Equal(t, "application/json", seen.Get("Accept"))
}

func TestFetchCancelledContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	g := newTestGateway(&countingSupplier{})
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.FetchJSON(ctx, server.URL, &map[string]any{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClassifyStatus(t *testing.T) {
	for _, status := range []int{200, 204, 301} {
		_, failed := classifyStatus(status)
		assert.False(t, failed, "status %d", status)
	}
	for _, status := range []int{408, 429, 502, 503, 504} {
		kind, failed := classifyStatus(status)
		assert.True(t, failed)
		assert.Equal(t, KindTransient, kind, "status %d", status)
	}
	for _, status := range []int{400, 401, 403, 404, 500} {
		kind, failed := classifyStatus(status)
		assert.True(t, failed)
		assert.Equal(t, KindFatal, kind, "status %d", status)
	}
}
