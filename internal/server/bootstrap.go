package server

import (
	"context"
	"log/slog"

	"github.com/ZaynJarvis/newtab/internal/arc"
	"github.com/ZaynJarvis/newtab/internal/cache"
	"github.com/ZaynJarvis/newtab/internal/config"
	"github.com/ZaynJarvis/newtab/internal/enrich"
	"github.com/ZaynJarvis/newtab/internal/index"
	"github.com/ZaynJarvis/newtab/internal/search"
	"github.com/ZaynJarvis/newtab/internal/store"
)

// Build assembles the service from configuration: it opens the document
// store, rebuilds the vector index from persisted embeddings, loads the
// query cache and wires the pipeline, engine, tracker and evictor.
func Build(ctx context.Context, cfg *config.Config) (*Service, error) {
	pages, err := store.NewSQLitePageStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}

	vectors := store.NewVectorIndex(store.VectorIndexConfig{
		Dimension: cfg.Vector.Dimension,
		SoftCap:   cfg.Vector.SoftCap,
	})
	loaded, err := index.RebuildVectorIndex(ctx, pages, vectors)
	if err != nil {
		_ = pages.Close()
		return nil, err
	}
	slog.Info("vector index rebuilt", slog.Int("vectors", loaded))

	var provider enrich.Provider
	if cfg.Enrichment.Provider == "live" {
		provider = enrich.NewLiveProvider(enrich.LiveConfig{
			Endpoint:       cfg.Enrichment.Endpoint,
			Token:          cfg.Enrichment.Token,
			Timeout:        cfg.Enrichment.Timeout,
			Retries:        cfg.Enrichment.Retries,
			LLMModel:       cfg.Enrichment.LLMModel,
			EmbeddingModel: cfg.Enrichment.EmbeddingModel,
			Dimension:      cfg.Vector.Dimension,
		})
	} else {
		provider = enrich.NewMockProvider(cfg.Vector.Dimension)
	}

	queries, err := cache.New(cache.Config{
		Capacity:   cfg.Cache.Capacity,
		TTL:        cfg.CacheTTL(),
		Path:       cfg.Cache.PersistencePath,
		FlushEvery: cfg.Cache.PersistEveryNMutations,
	})
	if err != nil {
		_ = pages.Close()
		_ = provider.Close()
		return nil, err
	}

	pipeline := index.New(pages, vectors, provider, index.Config{
		Staleness:       cfg.Staleness(),
		MinContentChars: cfg.Store.MinContentChars,
		MaxContentChars: cfg.Store.MaxContentChars,
	})

	engine := search.NewEngine(pages, vectors, provider, queries, search.Config{
		MaxResults: cfg.Search.MaxResults,
		KLexical:   cfg.Search.KLexical,
		Weights: search.Weights{
			Semantic: cfg.Search.SemanticWeight,
			Keyword:  cfg.Search.KeywordWeight,
			Freq:     cfg.Search.FreqWeight,
		},
		DropRatio:   cfg.Search.DropRatio,
		MinAbsolute: cfg.Search.MinAbsolute,
	})

	evictor := arc.NewEvictor(pages, vectors, arc.EvictorConfig{
		Capacity:      cfg.Eviction.Capacity,
		Headroom:      cfg.Eviction.Headroom,
		ProtectWindow: cfg.ProtectWindow(),
	})
	tracker := arc.NewTracker(pages, evictor, arc.TrackerConfig{
		RandomTriggerProbability: cfg.Eviction.RandomTriggerProbability,
	})

	return &Service{
		Pages:    pages,
		Vectors:  vectors,
		Provider: provider,
		Queries:  queries,
		Pipeline: pipeline,
		Engine:   engine,
		Tracker:  tracker,
		Evictor:  evictor,
	}, nil
}
