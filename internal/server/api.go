package server

import (
	"time"

	"github.com/ZaynJarvis/newtab/internal/arc"
	"github.com/ZaynJarvis/newtab/internal/cache"
)

// Wire types for the JSON API. Embeddings are never serialized.

type indexRequest struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	FaviconURL string `json:"favicon_url"`
}

type indexResponse struct {
	ID      int64  `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type probeResponse struct {
	Indexed      bool       `json:"indexed"`
	PageID       *int64     `json:"page_id,omitempty"`
	NeedsReindex bool       `json:"needs_reindex"`
	LastUpdated  *time.Time `json:"last_updated,omitempty"`
}

type resultMetadata struct {
	VectorScore  float64 `json:"vector_score"`
	KeywordScore float64 `json:"keyword_score"`
	AccessCount  int64   `json:"access_count"`
	FinalScore   float64 `json:"final_score"`
}

type searchResult struct {
	ID             int64          `json:"id"`
	URL            string         `json:"url"`
	Title          string         `json:"title"`
	Description    string         `json:"description"`
	Keywords       string         `json:"keywords"`
	FaviconURL     string         `json:"favicon_url,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	RelevanceScore float64        `json:"relevance_score"`
	Metadata       resultMetadata `json:"metadata"`
}

type searchResponse struct {
	Results    []searchResult `json:"results"`
	Query      string         `json:"query"`
	TotalFound int            `json:"total_found"`
}

type trackVisitRequest struct {
	URL string `json:"url"`
}

type trackVisitResponse struct {
	PageID     int64   `json:"page_id"`
	VisitCount int64   `json:"visit_count"`
	ARCScore   float64 `json:"arc_score"`
}

type pageResponse struct {
	ID              int64      `json:"id"`
	URL             string     `json:"url"`
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	Keywords        string     `json:"keywords"`
	Content         string     `json:"content"`
	FaviconURL      string     `json:"favicon_url,omitempty"`
	VisitCount      int64      `json:"visit_count"`
	FirstVisited    *time.Time `json:"first_visited,omitempty"`
	LastVisited     *time.Time `json:"last_visited,omitempty"`
	IndexedAt       time.Time  `json:"indexed_at"`
	LastUpdatedAt   time.Time  `json:"last_updated_at"`
	AccessFrequency float64    `json:"access_frequency"`
	RecencyScore    float64    `json:"recency_score"`
	ARCScore        float64    `json:"arc_score"`
	HasEmbedding    bool       `json:"has_embedding"`
}

type listPagesResponse struct {
	Pages  []pageResponse `json:"pages"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit"`
	Offset int            `json:"offset"`
}

type dbStats struct {
	TotalPages int `json:"total_pages"`
}

type vectorStats struct {
	TotalVectors int     `json:"total_vectors"`
	Dimension    int     `json:"dimension"`
	MemoryMB     float64 `json:"memory_mb"`
}

type statsResponse struct {
	DB     dbStats     `json:"db"`
	Vector vectorStats `json:"vector"`
	Cache  cache.Stats `json:"cache"`
}

type cacheTopResponse struct {
	Queries []cache.QueryCount `json:"queries"`
}

type cacheCleanupResponse struct {
	Removed int `json:"removed"`
}

type evictionPreviewResponse struct {
	Candidates []arc.Candidate `json:"candidates"`
}

type evictionRunResponse struct {
	Removed int `json:"removed"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
