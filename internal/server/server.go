// Package server exposes the control surface over HTTP JSON. This layer
// only validates inputs and maps error kinds; semantics live in the
// pipeline, engine, tracker, evictor and cache packages.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/ZaynJarvis/newtab/internal/arc"
	"github.com/ZaynJarvis/newtab/internal/cache"
	"github.com/ZaynJarvis/newtab/internal/enrich"
	"github.com/ZaynJarvis/newtab/internal/errors"
	"github.com/ZaynJarvis/newtab/internal/index"
	"github.com/ZaynJarvis/newtab/internal/search"
	"github.com/ZaynJarvis/newtab/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Service bundles the components behind the control surface.
type Service struct {
	Pages    store.PageStore
	Vectors  *store.VectorIndex
	Provider enrich.Provider
	Queries  *cache.QueryCache
	Pipeline *index.Pipeline
	Engine   *search.Engine
	Tracker  *arc.Tracker
	Evictor  *arc.Evictor
}

// Close flushes and stops the service components.
func (s *Service) Close() error {
	s.Pipeline.Close()
	s.Queries.Flush()
	_ = s.Provider.Close()
	return s.Pages.Close()
}

// Handler builds the HTTP router for the service. CORS is open because
// the only client is a browser extension running on arbitrary origins.
func Handler(s *Service, requestTimeout time.Duration) http.Handler {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Post("/index", s.handleIndex)
		r.Get("/probe", s.handleProbe)
		r.Get("/search", s.handleSearch)
		r.Post("/visit", s.handleTrackVisit)

		r.Get("/pages", s.handleListPages)
		r.Get("/pages/{id}", s.handleGetPage)
		r.Delete("/pages/{id}", s.handleDeletePage)

		r.Get("/stats", s.handleStats)

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.handleCacheStats)
			r.Get("/top", s.handleCacheTop)
			r.Post("/clear", s.handleCacheClear)
			r.Post("/cleanup", s.handleCacheCleanup)
		})

		r.Route("/eviction", func(r chi.Router) {
			r.Get("/preview", s.handleEvictionPreview)
			r.Post("/run", s.handleEvictionRun)
			r.Get("/stats", s.handleEvictionStats)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
	})

	return r
}

// --- handlers ---

func (s *Service) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Validation("invalid JSON body"))
		return
	}

	res, err := s.Pipeline.IndexPage(r.Context(), index.Request{
		URL:        req.URL,
		Title:      req.Title,
		Content:    req.Content,
		FaviconURL: req.FaviconURL,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, indexResponse{
		ID:      res.ID,
		Status:  string(res.Status),
		Message: indexMessage(res.Status),
	})
}

func indexMessage(status index.Status) string {
	switch status {
	case index.StatusIndexed:
		return "page indexed"
	case index.StatusAlreadyIndexed:
		return "page already indexed"
	case index.StatusReindexed:
		return "stale page re-indexed"
	default:
		return string(status)
	}
}

func (s *Service) handleProbe(w http.ResponseWriter, r *http.Request) {
	probe, err := s.Pipeline.Probe(r.Context(), r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, err)
		return
	}

	resp := probeResponse{Indexed: probe.Indexed, NeedsReindex: probe.NeedsReindex}
	if probe.Indexed {
		resp.PageID = &probe.PageID
		resp.LastUpdated = &probe.LastUpdated
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	results, err := s.Engine.Search(r.Context(), query)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := searchResponse{
		Results:    make([]searchResult, 0, len(results)),
		Query:      query,
		TotalFound: len(results),
	}
	for _, res := range results {
		resp.Results = append(resp.Results, searchResult{
			ID:             res.ID,
			URL:            res.URL,
			Title:          res.Title,
			Description:    res.Description,
			Keywords:       res.Keywords,
			FaviconURL:     res.FaviconURL,
			CreatedAt:      res.CreatedAt,
			RelevanceScore: res.FinalScore,
			Metadata: resultMetadata{
				VectorScore:  res.SemanticScore,
				KeywordScore: res.KeywordScore,
				AccessCount:  res.AccessCount,
				FinalScore:   res.FinalScore,
			},
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleTrackVisit(w http.ResponseWriter, r *http.Request) {
	var req trackVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errors.Validation("invalid JSON body"))
		return
	}
	if err := index.ValidateURL(req.URL); err != nil {
		writeError(w, err)
		return
	}

	visit, err := s.Tracker.TrackVisit(r.Context(), req.URL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trackVisitResponse{
		PageID:     visit.PageID,
		VisitCount: visit.VisitCount,
		ARCScore:   visit.ARCScore,
	})
}

func (s *Service) handleGetPage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	page, err := s.Pages.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageResponse(page))
}

func (s *Service) handleListPages(w http.ResponseWriter, r *http.Request) {
	limit, err := parseQueryInt(r, "limit", defaultListLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := parseQueryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit <= 0 || limit > maxListLimit {
		writeError(w, errors.Validationf("limit must be in 1..%d", maxListLimit))
		return
	}
	if offset < 0 {
		writeError(w, errors.Validation("offset must be non-negative"))
		return
	}

	pages, err := s.Pages.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.Pages.Count(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	resp := listPagesResponse{
		Pages:  make([]pageResponse, 0, len(pages)),
		Total:  total,
		Limit:  limit,
		Offset: offset,
	}
	for _, p := range pages {
		resp.Pages = append(resp.Pages, toPageResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleDeletePage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.Pages.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.Vectors.Remove(id)
	writeJSON(w, http.StatusOK, messageResponse{Message: "page deleted"})
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.Pages.Count(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statsResponse{
		DB: dbStats{TotalPages: total},
		Vector: vectorStats{
			TotalVectors: s.Vectors.Size(),
			Dimension:    s.Vectors.Dimension(),
			MemoryMB:     float64(s.Vectors.MemoryBytes()) / (1024 * 1024),
		},
		Cache: s.Queries.Stats(),
	})
}

func (s *Service) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Queries.Stats())
}

func (s *Service) handleCacheTop(w http.ResponseWriter, r *http.Request) {
	limit, err := parseQueryInt(r, "limit", 10)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cacheTopResponse{Queries: s.Queries.Top(limit)})
}

func (s *Service) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	s.Queries.Clear()
	writeJSON(w, http.StatusOK, messageResponse{Message: "cache cleared"})
}

func (s *Service) handleCacheCleanup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cacheCleanupResponse{Removed: s.Queries.CleanupExpired()})
}

func (s *Service) handleEvictionPreview(w http.ResponseWriter, r *http.Request) {
	count, err := parseQueryInt(r, "count", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	candidates, err := s.Evictor.Preview(r.Context(), count)
	if err != nil {
		writeError(w, err)
		return
	}
	if candidates == nil {
		candidates = []arc.Candidate{}
	}
	writeJSON(w, http.StatusOK, evictionPreviewResponse{Candidates: candidates})
}

func (s *Service) handleEvictionRun(w http.ResponseWriter, r *http.Request) {
	removed, err := s.Evictor.Run(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evictionRunResponse{Removed: removed})
}

func (s *Service) handleEvictionStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Evictor.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- helpers ---

func toPageResponse(p *store.Page) pageResponse {
	resp := pageResponse{
		ID:              p.ID,
		URL:             p.URL,
		Title:           p.Title,
		Description:     p.Description,
		Keywords:        p.Keywords,
		Content:         p.Content,
		FaviconURL:      p.FaviconURL,
		VisitCount:      p.VisitCount,
		IndexedAt:       p.IndexedAt,
		LastUpdatedAt:   p.LastUpdatedAt,
		AccessFrequency: p.AccessFrequency,
		RecencyScore:    p.RecencyScore,
		ARCScore:        p.ARCScore,
		HasEmbedding:    p.Embedding != nil,
	}
	if !p.FirstVisited.IsZero() {
		resp.FirstVisited = &p.FirstVisited
	}
	if !p.LastVisited.IsZero() {
		resp.LastVisited = &p.LastVisited
	}
	return resp
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Validationf("invalid page id %q", raw)
	}
	return id, nil
}

func parseQueryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Validationf("invalid %s %q", key, raw)
	}
	return v, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("response encode failed", slog.String("error", err.Error()))
	}
}

// writeError maps error kinds to HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	kind := errors.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case errors.KindValidation:
		status = http.StatusBadRequest
	case errors.KindNotFound:
		status = http.StatusNotFound
	case errors.KindTimeout:
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		// Store, vector and internal errors all surface as 500.
		slog.Error("request failed", slog.String("kind", string(kind)), slog.String("error", err.Error()))
	}

	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(kind)})
}
