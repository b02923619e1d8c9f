// Package enrich abstracts LLM keyword/description generation and
// embedding generation behind a provider interface with two variants:
// a live HTTP JSON provider and a deterministic mock.
package enrich

import (
	"context"
	"regexp"
	"sort"
	"strings"
)

// Description is the output of keyword/description generation.
type Description struct {
	Description string
	Keywords    []string
}

// Provider generates enrichment data for pages and queries.
//
// Describe never blocks ingestion: on unrecoverable provider failure the
// live variant synthesizes a placeholder from the page text and returns
// nil error. Embed reports enrichment unavailability so callers can run
// their fallback strategy.
type Provider interface {
	// Describe derives a description and keywords from page text.
	Describe(ctx context.Context, title, content string) (Description, error)

	// Embed generates an embedding vector for the text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Healthy reports whether the provider is reachable.
	Healthy(ctx context.Context) bool

	// Dimension returns the embedding dimension.
	Dimension() int

	// Close releases resources.
	Close() error
}

var wordRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// commonStopWords are filtered out of synthesized keywords.
var commonStopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "has": true,
	"have": true, "you": true, "your": true, "not": true, "but": true,
	"can": true, "will": true, "its": true, "all": true, "when": true,
}

// topTokens returns the n most frequent content tokens, longest-first on
// ties, for use as placeholder keywords.
func topTokens(content string, n int) []string {
	counts := make(map[string]int)
	for _, w := range wordRe.FindAllString(strings.ToLower(content), -1) {
		if len(w) < 3 || commonStopWords[w] {
			continue
		}
		counts[w]++
	}

	tokens := make([]string, 0, len(counts))
	for w := range counts {
		tokens = append(tokens, w)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})

	if len(tokens) > n {
		tokens = tokens[:n]
	}
	return tokens
}

// placeholderDescription synthesizes enrichment output when the provider
// is unreachable: the title stands in for the description and frequent
// content tokens stand in for keywords.
func placeholderDescription(title, content string) Description {
	return Description{
		Description: title,
		Keywords:    topTokens(content, 5),
	}
}
