// Package store provides page persistence (SQLite with an FTS5 full-text
// index) and the in-memory vector index.
package store

import (
	"context"
	"fmt"
	"time"
)

// Page is the primary entity: one indexed web page.
type Page struct {
	ID          int64
	URL         string
	Title       string
	Description string
	// Keywords is a comma-separated list produced by enrichment.
	Keywords   string
	Content    string
	FaviconURL string
	// Embedding may be nil when enrichment failed or has not completed.
	Embedding []float32

	VisitCount   int64
	FirstVisited time.Time
	LastVisited  time.Time

	IndexedAt     time.Time
	LastUpdatedAt time.Time

	AccessFrequency float64
	RecencyScore    float64
	ARCScore        float64
}

// FTSHit is a single full-text search hit.
type FTSHit struct {
	ID int64
	// Rank is the 1-based position in the relevance ordering.
	Rank int
}

// VisitCounters is the snapshot returned by BumpVisit.
type VisitCounters struct {
	VisitCount   int64
	FirstVisited time.Time
	LastVisited  time.Time
}

// PageStore is the durable keyed store of pages. All mutations are atomic
// with respect to the full-text index: the FTS row is written in the same
// transaction as the page row.
type PageStore interface {
	// UpsertByURL inserts the page or refreshes the existing row for its
	// URL. Returns the row id and whether a new row was created.
	UpsertByURL(ctx context.Context, p *Page) (id int64, wasNew bool, err error)

	// Touch updates last_visited bookkeeping fields without refreshing
	// content. Used when an ingest finds a fresh row.
	Touch(ctx context.Context, id int64, at time.Time) error

	// UpdateEnrichment writes description and keywords back to a page.
	// The write is skipped (returning false) when the row was refreshed
	// after the guard timestamp, so stale background results are discarded.
	UpdateEnrichment(ctx context.Context, id int64, description, keywords string, guard time.Time) (bool, error)

	// UpdateEmbedding persists the embedding vector with the same guard
	// semantics as UpdateEnrichment.
	UpdateEmbedding(ctx context.Context, id int64, embedding []float32, guard time.Time) (bool, error)

	GetByID(ctx context.Context, id int64) (*Page, error)
	GetByURL(ctx context.Context, url string) (*Page, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, offset, limit int) ([]*Page, error)
	Count(ctx context.Context) (int, error)

	// FullTextSearch returns hits ordered best-first with 1-based ranks.
	FullTextSearch(ctx context.Context, query string, limit int) ([]FTSHit, error)

	// BumpVisit increments the visit counter, stamps last_visited and, on
	// first visit, first_visited. Atomic per page.
	BumpVisit(ctx context.Context, id int64, at time.Time) (VisitCounters, error)

	// UpdateScores writes the derived frequency, recency and ARC scores.
	UpdateScores(ctx context.Context, id int64, frequency, recency, arc float64) error

	// HalveVisitCounts divides every visit counter by two in one pass.
	// Preserves relative ordering; used for count suppression.
	HalveVisitCounts(ctx context.Context) error

	// MaxVisitCount returns the largest visit counter in the store.
	MaxVisitCount(ctx context.Context) (int64, error)

	// EvictionCandidates returns up to limit pages ordered most-evictable
	// first (arc asc, last_visited asc, id asc), excluding pages visited
	// at or after protectCutoff.
	EvictionCandidates(ctx context.Context, protectCutoff time.Time, limit int) ([]*Page, error)

	// AllEmbeddings streams every persisted embedding, for rebuilding the
	// vector index on startup.
	AllEmbeddings(ctx context.Context) (map[int64][]float32, error)

	Close() error
}

// VectorHit is a single vector search result.
type VectorHit struct {
	ID int64
	// Score is cosine similarity normalized to [0,1].
	Score float64
}

// ErrDimensionMismatch indicates a vector of the wrong dimension.
// This is a programmer error and always surfaces.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
