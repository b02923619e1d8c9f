package search

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ZaynJarvis/newtab/internal/cache"
	"github.com/ZaynJarvis/newtab/internal/enrich"
	"github.com/ZaynJarvis/newtab/internal/errors"
	"github.com/ZaynJarvis/newtab/internal/store"
)

// Config configures the retrieval pipeline.
type Config struct {
	// MaxResults caps the returned list (default: 10).
	MaxResults int
	// KLexical is the lexical branch fetch size (default: 20).
	KLexical int
	// Weights are the fusion weights.
	Weights Weights
	// DropRatio is the relative similarity-drop threshold (default: 0.4).
	DropRatio float64
	// MinAbsolute is the absolute score floor for truncation (default: 0.2).
	MinAbsolute float64
}

// Result is one search hit with its fusion metadata.
type Result struct {
	ID          int64
	URL         string
	Title       string
	Description string
	Keywords    string
	FaviconURL  string
	CreatedAt   time.Time

	SemanticScore float64
	KeywordScore  float64
	FinalScore    float64
	AccessCount   int64
}

// Engine fuses lexical full-text search with semantic vector search.
// The two branches run concurrently; a branch failure degrades the result
// instead of failing the request.
type Engine struct {
	pages    store.PageStore
	vectors  *store.VectorIndex
	provider enrich.Provider
	queries  *cache.QueryCache
	config   Config
}

// NewEngine creates a retrieval engine over the given components.
func NewEngine(pages store.PageStore, vectors *store.VectorIndex, provider enrich.Provider,
	queries *cache.QueryCache, cfg Config) *Engine {
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if cfg.KLexical <= 0 {
		cfg.KLexical = 20
	}
	if cfg.Weights == (Weights{}) {
		cfg.Weights = DefaultWeights()
	}
	if cfg.DropRatio <= 0 {
		cfg.DropRatio = 0.4
	}
	if cfg.MinAbsolute <= 0 {
		cfg.MinAbsolute = 0.2
	}
	return &Engine{
		pages:    pages,
		vectors:  vectors,
		provider: provider,
		queries:  queries,
		config:   cfg,
	}
}

// Search executes one query. An empty (or whitespace) query returns an
// empty result list.
func (e *Engine) Search(ctx context.Context, query string) ([]*Result, error) {
	q := cache.Normalize(query)
	if q == "" {
		return []*Result{}, nil
	}

	var (
		lexHits []store.FTSHit
		semHits []store.VectorHit
		lexErr  error
	)
	lexDone := make(chan struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(lexDone)
		lexHits, lexErr = e.pages.FullTextSearch(gctx, q, e.config.KLexical)
		if lexErr != nil {
			slog.Warn("lexical branch failed", slog.String("error", lexErr.Error()))
		}
		return nil
	})
	g.Go(func() error {
		vec := e.resolveQueryVector(gctx, q, lexDone, &lexHits)
		if vec == nil {
			return nil
		}
		hits, err := e.vectors.Search(vec, e.config.KLexical)
		if err != nil {
			slog.Warn("semantic branch failed", slog.String("error", err.Error()))
			return nil
		}
		semHits = hits
		return nil
	})
	_ = g.Wait()

	if lexErr != nil && len(semHits) == 0 {
		return nil, lexErr
	}

	// Merge the two branches by page id.
	byID := make(map[int64]*candidate, len(lexHits)+len(semHits))
	for _, h := range lexHits {
		byID[h.ID] = &candidate{id: h.ID, keyword: KeywordScore(h.Rank)}
	}
	for _, h := range semHits {
		c, ok := byID[h.ID]
		if !ok {
			c = &candidate{id: h.ID}
			byID[h.ID] = c
		}
		c.semantic = h.Score
	}
	if len(byID) == 0 {
		return []*Result{}, nil
	}

	// Frequency boost and result hydration. Pages deleted since the
	// branch snapshot are tolerated and dropped.
	candidates := make([]*candidate, 0, len(byID))
	pagesByID := make(map[int64]*store.Page, len(byID))
	for id, c := range byID {
		page, err := e.pages.GetByID(ctx, id)
		if err != nil {
			if errors.IsKind(err, errors.KindNotFound) {
				continue
			}
			return nil, err
		}
		c.arcScore = page.ARCScore
		pagesByID[id] = page
		candidates = append(candidates, c)
	}

	fuse(candidates, e.config.Weights)
	candidates = truncateAtDrop(candidates, e.config.DropRatio, e.config.MinAbsolute)
	if len(candidates) > e.config.MaxResults {
		candidates = candidates[:e.config.MaxResults]
	}

	results := make([]*Result, 0, len(candidates))
	for _, c := range candidates {
		page := pagesByID[c.id]
		results = append(results, &Result{
			ID:            page.ID,
			URL:           page.URL,
			Title:         page.Title,
			Description:   page.Description,
			Keywords:      page.Keywords,
			FaviconURL:    page.FaviconURL,
			CreatedAt:     page.IndexedAt,
			SemanticScore: c.semantic,
			KeywordScore:  c.keyword,
			FinalScore:    c.final,
			AccessCount:   page.VisitCount,
		})
	}
	return results, nil
}

// resolveQueryVector finds an embedding for the query using the 3-step
// strategy: cache hit, then provider, then the stored embedding of the
// top lexical hit as a surrogate. Returns nil when all three fail.
func (e *Engine) resolveQueryVector(ctx context.Context, q string, lexDone <-chan struct{}, lexHits *[]store.FTSHit) []float32 {
	if vec, ok := e.queries.Get(q); ok {
		return vec
	}

	vec, err := e.provider.Embed(ctx, q)
	if err == nil {
		if isZeroVector(vec) {
			return nil
		}
		e.queries.Put(q, vec)
		return vec
	}
	if !errors.IsKind(err, errors.KindEnrichmentUnavailable) {
		slog.Warn("query embedding failed", slog.String("error", err.Error()))
	}

	// Provider unavailable and cache cold: degrade to the top lexical
	// hit's own embedding as a surrogate query vector.
	select {
	case <-lexDone:
	case <-ctx.Done():
		return nil
	}
	if len(*lexHits) == 0 {
		return nil
	}
	page, err := e.pages.GetByID(ctx, (*lexHits)[0].ID)
	if err != nil || page.Embedding == nil {
		return nil
	}
	slog.Debug("using lexical surrogate for query embedding",
		slog.String("query", q), slog.Int64("page_id", page.ID))
	return page.Embedding
}

// isZeroVector reports a vector with no signal (e.g. an embedding of
// punctuation-only text), which cannot be cosine-compared.
func isZeroVector(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}
