package enrich

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaynJarvis/newtab/internal/errors"
)

func liveTestConfig(endpoint string) LiveConfig {
	return LiveConfig{
		Endpoint:       endpoint,
		Token:          "secret",
		Timeout:        2 * time.Second,
		Retries:        3,
		LLMModel:       "test-llm",
		EmbeddingModel: "test-embed",
		Dimension:      4,
	}
}

func TestLiveProvider_Describe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/describe", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req describeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-llm", req.Model)

		_ = json.NewEncoder(w).Encode(describeResponse{
			Description: "a page about " + req.Title,
			Keywords:    []string{"alpha", "beta"},
		})
	}))
	defer srv.Close()

	p := NewLiveProvider(liveTestConfig(srv.URL))
	defer p.Close()

	d, err := p.Describe(context.Background(), "Widgets", "widget content")
	require.NoError(t, err)
	assert.Equal(t, "a page about Widgets", d.Description)
	assert.Equal(t, []string{"alpha", "beta"}, d.Keywords)
}

func TestLiveProvider_DescribeFallsBackToPlaceholder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := liveTestConfig(srv.URL)
	cfg.Retries = 2
	p := NewLiveProvider(cfg)
	defer p.Close()

	d, err := p.Describe(context.Background(), "My Title", "quokka quokka marsupial island")
	require.NoError(t, err, "describe must never fail the caller")
	assert.Equal(t, "My Title", d.Description)
	assert.Contains(t, d.Keywords, "quokka")
}

func TestLiveProvider_EmbedRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1, 0, 0, 0}})
	}))
	defer srv.Close()

	p := NewLiveProvider(liveTestConfig(srv.URL))
	defer p.Close()

	vec, err := p.Embed(context.Background(), "query text")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0, 0}, vec)
	assert.Equal(t, int64(3), calls.Load())
}

func TestLiveProvider_EmbedUnavailableAfterRetries(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewLiveProvider(liveTestConfig(srv.URL))
	defer p.Close()

	_, err := p.Embed(context.Background(), "query text")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindEnrichmentUnavailable))
	assert.Equal(t, int64(3), calls.Load(), "3 tries total")
}

func TestLiveProvider_EmbedClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewLiveProvider(liveTestConfig(srv.URL))
	defer p.Close()

	_, err := p.Embed(context.Background(), "query text")
	require.Error(t, err)
	assert.Equal(t, int64(1), calls.Load(), "4xx is permanent")
}

func TestLiveProvider_EmbedDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float32{1, 2}})
	}))
	defer srv.Close()

	p := NewLiveProvider(liveTestConfig(srv.URL))
	defer p.Close()

	_, err := p.Embed(context.Background(), "query text")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindVector))
}

func TestLiveProvider_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewLiveProvider(liveTestConfig(srv.URL))
	assert.True(t, p.Healthy(context.Background()))

	require.NoError(t, p.Close())
	assert.False(t, p.Healthy(context.Background()))
}
