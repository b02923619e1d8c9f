package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ZaynJarvis/newtab/internal/errors"
)

// Default live provider settings.
const (
	DefaultTimeout = 30 * time.Second
	DefaultRetries = 3

	liveInitialBackoff = 500 * time.Millisecond
	liveMaxBackoff     = 8 * time.Second
	livePoolSize       = 4
)

// LiveConfig configures the live enrichment provider.
type LiveConfig struct {
	Endpoint       string        // Base URL of the enrichment API
	Token          string        // Bearer token, optional
	Timeout        time.Duration // Per-call timeout (default: 30s)
	Retries        int           // Total tries per call (default: 3)
	LLMModel       string        // Keyword/description model name
	EmbeddingModel string        // Embedding model name
	Dimension      int           // Expected embedding dimension
}

// LiveProvider talks to an enrichment service over HTTP JSON.
// Every call is retried with exponential backoff up to the configured
// bound; retries happen only at this boundary, no other layer retries.
type LiveProvider struct {
	client    *http.Client
	transport *http.Transport
	config    LiveConfig

	mu     sync.RWMutex
	closed bool
}

var _ Provider = (*LiveProvider)(nil)

// NewLiveProvider creates a live provider for the configured endpoint.
func NewLiveProvider(cfg LiveConfig) *LiveProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}

	transport := &http.Transport{
		MaxIdleConns:        livePoolSize,
		MaxIdleConnsPerHost: livePoolSize,
		IdleConnTimeout:     30 * time.Second,
	}
	// No http.Client.Timeout: the per-request context carries the deadline
	// so cancellation propagates correctly.
	return &LiveProvider{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
	}
}

type describeRequest struct {
	Model   string `json:"model"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

type describeResponse struct {
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Describe requests a description and keywords. On final failure a
// synthesized placeholder is returned with nil error so ingestion is
// never blocked by the provider.
func (p *LiveProvider) Describe(ctx context.Context, title, content string) (Description, error) {
	if p.isClosed() {
		return Description{}, fmt.Errorf("provider is closed")
	}

	var out describeResponse
	err := p.callWithRetry(ctx, "/v1/describe", describeRequest{
		Model:   p.config.LLMModel,
		Title:   title,
		Content: content,
	}, &out)
	if err != nil {
		slog.Warn("describe failed, synthesizing placeholder",
			slog.String("error", err.Error()))
		return placeholderDescription(title, content), nil
	}
	return Description{Description: out.Description, Keywords: out.Keywords}, nil
}

// Embed requests an embedding. Exhausted retries surface as an
// enrichment-unavailable error for the caller's fallback strategy.
func (p *LiveProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.isClosed() {
		return nil, fmt.Errorf("provider is closed")
	}

	var out embedResponse
	err := p.callWithRetry(ctx, "/v1/embeddings", embedRequest{
		Model: p.config.EmbeddingModel,
		Input: text,
	}, &out)
	if err != nil {
		return nil, errors.EnrichmentUnavailable(err)
	}
	if p.config.Dimension > 0 && len(out.Embedding) != p.config.Dimension {
		return nil, errors.Newf(errors.KindVector,
			"provider returned dimension %d, expected %d", len(out.Embedding), p.config.Dimension)
	}
	return out.Embedding, nil
}

// callWithRetry posts a JSON body and decodes the JSON response,
// retrying transient failures with exponential backoff.
func (p *LiveProvider) callWithRetry(ctx context.Context, path string, reqBody, respBody any) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
		return p.doCall(callCtx, path, body, respBody)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = liveInitialBackoff
	policy.MaxInterval = liveMaxBackoff

	return backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(p.config.Retries-1)), ctx))
}

func (p *LiveProvider) doCall(ctx context.Context, path string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.config.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.config.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, string(respBody))
		// Client errors will not improve with retries.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Healthy probes the provider's health endpoint.
func (p *LiveProvider) Healthy(ctx context.Context) bool {
	if p.isClosed() {
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, p.config.Endpoint+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Dimension returns the configured embedding dimension.
func (p *LiveProvider) Dimension() int {
	return p.config.Dimension
}

func (p *LiveProvider) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close releases idle connections.
func (p *LiveProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.transport.CloseIdleConnections()
	return nil
}
