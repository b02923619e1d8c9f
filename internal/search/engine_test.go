package search

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaynJarvis/newtab/internal/cache"
	"github.com/ZaynJarvis/newtab/internal/enrich"
	"github.com/ZaynJarvis/newtab/internal/index"
	"github.com/ZaynJarvis/newtab/internal/store"
)

const engineDim = 128

type engineFixture struct {
	pages    *store.SQLitePageStore
	vectors  *store.VectorIndex
	provider *enrich.MockProvider
	queries  *cache.QueryCache
	pipeline *index.Pipeline
	engine   *Engine
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	pages, err := store.NewSQLitePageStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pages.Close() })

	vectors := store.NewVectorIndex(store.VectorIndexConfig{Dimension: engineDim})
	provider := enrich.NewMockProvider(engineDim)
	queries, err := cache.New(cache.Config{Capacity: 100})
	require.NoError(t, err)

	pipeline := index.New(pages, vectors, provider, index.Config{})
	t.Cleanup(pipeline.Close)

	engine := NewEngine(pages, vectors, provider, queries, Config{})
	return &engineFixture{
		pages: pages, vectors: vectors, provider: provider,
		queries: queries, pipeline: pipeline, engine: engine,
	}
}

// ingest indexes a page and waits for enrichment to settle.
func (f *engineFixture) ingest(t *testing.T, url, title, content string) int64 {
	t.Helper()
	res, err := f.pipeline.IndexPage(context.Background(), index.Request{
		URL: url, Title: title, Content: content,
	})
	require.NoError(t, err)
	f.pipeline.Wait()
	return res.ID
}

func pad(text string) string {
	return text + " " + strings.Repeat("additional page body text for indexing ", 5)
}

func TestSearch_EmptyQuery(t *testing.T) {
	f := newEngineFixture(t)

	results, err := f.engine.Search(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearch_ExactTitleMatch(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	id := f.ingest(t, "https://a.test/x", "Python FastAPI Tutorial",
		pad("fastapi is a modern python web framework for building apis"))
	f.ingest(t, "https://a.test/y", "Cooking With Cast Iron",
		pad("skillet recipes and seasoning care guide"))

	results, err := f.engine.Search(ctx, "fastapi tutorial")
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Equal(t, id, top.ID)
	assert.GreaterOrEqual(t, top.KeywordScore, 0.9)
	assert.Greater(t, top.SemanticScore, 0.0)
	assert.InDelta(t, 0.7*top.SemanticScore+0.3*top.KeywordScore, top.FinalScore, 0.11,
		"final = weights plus at most the frequency boost")
}

func TestSearch_FinalScoreFormula(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	id := f.ingest(t, "https://a.test/x", "Gardening Basics", pad("soil compost seeds watering"))

	// Give the page a known arc score.
	require.NoError(t, f.pages.UpdateScores(ctx, id, 0.5, 0.5, 0.5))

	results, err := f.engine.Search(ctx, "gardening")
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.InDelta(t, 0.7*r.SemanticScore+0.3*r.KeywordScore+0.1*0.5, r.FinalScore, 1e-9)
}

func TestSearch_QueryEmbeddingCached(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.ingest(t, "https://a.test/x", "Beta Testing Guide", pad("beta releases and feedback loops"))

	first, err := f.engine.Search(ctx, "beta")
	require.NoError(t, err)
	callsAfterFirst := f.provider.EmbedCalls.Load()

	second, err := f.engine.Search(ctx, "beta")
	require.NoError(t, err)

	assert.Equal(t, callsAfterFirst, f.provider.EmbedCalls.Load(),
		"second search must not call the provider")
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.InDelta(t, first[i].FinalScore, second[i].FinalScore, 1e-9)
	}
}

func TestSearch_ProviderDownColdCache_LexicalSurrogate(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	f.ingest(t, "https://a.test/1", "Gamma Page", pad("gamma rays and physics"))
	id2 := f.ingest(t, "https://a.test/2", "Alpha Page", pad("alpha particles and decay"))
	f.ingest(t, "https://a.test/3", "Delta Page", pad("delta waves and sleep"))

	f.provider.SetUnavailable(true)

	results, err := f.engine.Search(ctx, "alpha")
	require.NoError(t, err)
	require.NotEmpty(t, results)

	top := results[0]
	assert.Equal(t, id2, top.ID)
	assert.InDelta(t, 1.0, top.KeywordScore, 1e-9)
	// Surrogate vector is page 2's own embedding: cosine with itself is 1.
	assert.InDelta(t, 1.0, top.SemanticScore, 1e-6)
}

func TestSearch_ProviderDownNoEmbeddings_LexicalOnly(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Provider down from the start: pages index without embeddings.
	f.provider.SetUnavailable(true)
	f.ingest(t, "https://a.test/1", "Alpha Page", pad("alpha particles and decay"))

	results, err := f.engine.Search(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Zero(t, results[0].SemanticScore)
	assert.InDelta(t, 1.0, results[0].KeywordScore, 1e-9)
}

func TestSearch_MergeDedupesAcrossBranches(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	id := f.ingest(t, "https://a.test/x", "Rust Ownership", pad("rust borrow checker ownership lifetimes"))

	results, err := f.engine.Search(ctx, "rust ownership")
	require.NoError(t, err)

	seen := map[int64]int{}
	for _, r := range results {
		seen[r.ID]++
	}
	assert.Equal(t, 1, seen[id], "a page found by both branches appears once")
}

func TestSearch_CapsResults(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	for i := 0; i < 15; i++ {
		url := "https://a.test/p" + string(rune('a'+i))
		f.ingest(t, url, "Shared Topic Page", pad("shared topic words repeated across pages"))
	}

	results, err := f.engine.Search(ctx, "shared topic")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 10)
}

func TestSearch_ToleratesDeletedPage(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	id := f.ingest(t, "https://a.test/x", "Ephemeral Page", pad("ephemeral content here"))
	keep := f.ingest(t, "https://a.test/y", "Ephemeral Neighbor", pad("ephemeral content there"))

	// Delete between the branch snapshot and hydration: simulated by
	// removing the row but leaving the vector entry in place.
	require.NoError(t, f.pages.Delete(ctx, id))

	results, err := f.engine.Search(ctx, "ephemeral")
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, id, r.ID)
	}
	require.NotEmpty(t, results)
	assert.Equal(t, keep, results[0].ID)
}

func TestSearch_ResultMetadata(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	id := f.ingest(t, "https://a.test/x", "Metadata Rich Page", pad("metadata fields populated"))
	_, err := f.pages.BumpVisit(ctx, id, time.Now())
	require.NoError(t, err)

	results, err := f.engine.Search(ctx, "metadata")
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, "https://a.test/x", r.URL)
	assert.Equal(t, "Metadata Rich Page", r.Title)
	assert.NotEmpty(t, r.Description)
	assert.NotEmpty(t, r.Keywords)
	assert.False(t, r.CreatedAt.IsZero())
	assert.Equal(t, int64(1), r.AccessCount)
}
