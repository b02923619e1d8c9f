package enrich

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ZaynJarvis/newtab/internal/errors"
)

// MockDimension is the default embedding dimension for the mock provider.
const MockDimension = 2048

// Weights for hash-based vector generation.
const (
	mockTokenWeight = 0.7
	mockNgramWeight = 0.3
	mockNgramSize   = 3
)

// MockProvider derives deterministic enrichment outputs from input
// hashes. It needs no network or model and is the default provider for
// development and tests.
type MockProvider struct {
	dim int

	// Call counters, readable by tests.
	DescribeCalls atomic.Int64
	EmbedCalls    atomic.Int64

	mu          sync.RWMutex
	unavailable bool
	closed      bool
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock provider at the given dimension.
func NewMockProvider(dim int) *MockProvider {
	if dim <= 0 {
		dim = MockDimension
	}
	return &MockProvider{dim: dim}
}

// SetUnavailable toggles simulated provider outage: Describe still
// synthesizes placeholders, Embed fails with enrichment-unavailable.
func (m *MockProvider) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = down
}

// Describe derives a description and keywords from token frequency.
func (m *MockProvider) Describe(ctx context.Context, title, content string) (Description, error) {
	m.DescribeCalls.Add(1)

	m.mu.RLock()
	down, closed := m.unavailable, m.closed
	m.mu.RUnlock()
	if closed {
		return Description{}, fmt.Errorf("provider is closed")
	}
	if down {
		return placeholderDescription(title, content), nil
	}

	keywords := topTokens(title+" "+content, 5)
	desc := title
	if first := firstSentence(content); first != "" {
		desc = title + " — " + first
	}
	return Description{Description: desc, Keywords: keywords}, nil
}

// firstSentence extracts a short leading fragment of the content.
func firstSentence(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}
	if idx := strings.IndexAny(content, ".!?"); idx > 0 && idx < 160 {
		return content[:idx+1]
	}
	if len(content) > 160 {
		return content[:160]
	}
	return content
}

// Embed generates a deterministic hash-based embedding: tokens and
// character trigrams are hashed into vector slots and the result is
// normalized to unit length.
func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	m.EmbedCalls.Add(1)

	m.mu.RLock()
	down, closed := m.unavailable, m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("provider is closed")
	}
	if down {
		return nil, errors.EnrichmentUnavailable(fmt.Errorf("mock provider marked unavailable"))
	}

	vector := make([]float32, m.dim)
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return vector, nil
	}

	for _, token := range wordRe.FindAllString(strings.ToLower(trimmed), -1) {
		vector[hashToIndex(token, m.dim)] += mockTokenWeight
	}
	compact := compactAlnum(trimmed)
	for i := 0; i+mockNgramSize <= len(compact); i++ {
		vector[hashToIndex(compact[i:i+mockNgramSize], m.dim)] += mockNgramWeight
	}

	normalizeUnit(vector)
	return vector, nil
}

// compactAlnum lowercases and strips non-alphanumeric runes.
func compactAlnum(text string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(text) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// hashToIndex maps a string to a vector slot via FNV-64.
func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

// normalizeUnit scales a vector to unit length in place.
func normalizeUnit(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// Healthy reports readiness; false while simulating an outage.
func (m *MockProvider) Healthy(ctx context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.closed && !m.unavailable
}

// Dimension returns the embedding dimension.
func (m *MockProvider) Dimension() int {
	return m.dim
}

// Close releases resources.
func (m *MockProvider) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
