package arc

import (
	"context"
	"log/slog"
	"time"

	"github.com/ZaynJarvis/newtab/internal/store"
)

// EvictorConfig configures eviction selection.
type EvictorConfig struct {
	// Capacity is the page count that triggers eviction (default: 1000).
	Capacity int
	// Headroom is how far below capacity a pass prunes (default: 50).
	// A headroom at or above capacity is treated as zero.
	Headroom int
	// ProtectWindow shields pages visited within it (default: 1h).
	ProtectWindow time.Duration
}

// Candidate is one eviction candidate with its selection key.
type Candidate struct {
	ID          int64     `json:"id"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	ARCScore    float64   `json:"arc_score"`
	VisitCount  int64     `json:"visit_count"`
	LastVisited time.Time `json:"last_visited,omitzero"`
}

// Stats describes the eviction state of the store.
type Stats struct {
	TotalPages    int     `json:"total_pages"`
	Capacity      int     `json:"capacity"`
	Headroom      int     `json:"headroom"`
	OverCapacity  bool    `json:"over_capacity"`
	EvictableNow  int     `json:"evictable_now"`
	MinARCScore   float64 `json:"min_arc_score"`
	MaxARCScore   float64 `json:"max_arc_score"`
	MeanARCScore  float64 `json:"mean_arc_score"`
	ProtectWindow string  `json:"protect_window"`
}

// Evictor selects and removes the least valuable pages when the store
// exceeds its capacity bound. Pages are deleted from the document store
// and the vector index together.
type Evictor struct {
	pages   store.PageStore
	vectors *store.VectorIndex
	config  EvictorConfig

	now func() time.Time
}

// NewEvictor creates an evictor over the given stores.
func NewEvictor(pages store.PageStore, vectors *store.VectorIndex, cfg EvictorConfig) *Evictor {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.Headroom < 0 || cfg.Headroom >= cfg.Capacity {
		cfg.Headroom = 0
	}
	if cfg.ProtectWindow <= 0 {
		cfg.ProtectWindow = time.Hour
	}
	return &Evictor{
		pages:   pages,
		vectors: vectors,
		config:  cfg,
		now:     time.Now,
	}
}

// Run performs one eviction pass: when the store is over capacity the
// worst candidates (lowest ARC score, oldest visit, lowest id) outside
// the protect window are removed until the store is back at
// capacity − headroom, or no evictable candidates remain.
func (e *Evictor) Run(ctx context.Context) (int, error) {
	count, err := e.pages.Count(ctx)
	if err != nil {
		return 0, err
	}
	target := e.config.Capacity - e.config.Headroom
	need := count - target
	if count <= e.config.Capacity || need <= 0 {
		return 0, nil
	}

	cutoff := e.now().Add(-e.config.ProtectWindow)
	candidates, err := e.pages.EvictionCandidates(ctx, cutoff, need)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, page := range candidates {
		if err := e.pages.Delete(ctx, page.ID); err != nil {
			return removed, err
		}
		e.vectors.Remove(page.ID)
		removed++
	}

	if removed > 0 {
		slog.Info("eviction pass complete",
			slog.Int("removed", removed),
			slog.Int("pages_before", count))
	}
	return removed, nil
}

// Preview returns the next n eviction candidates without removing them.
func (e *Evictor) Preview(ctx context.Context, n int) ([]Candidate, error) {
	if n <= 0 {
		n = e.config.Headroom
		if n <= 0 {
			n = 10
		}
	}
	cutoff := e.now().Add(-e.config.ProtectWindow)
	pages, err := e.pages.EvictionCandidates(ctx, cutoff, n)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(pages))
	for _, p := range pages {
		candidates = append(candidates, Candidate{
			ID:          p.ID,
			URL:         p.URL,
			Title:       p.Title,
			ARCScore:    p.ARCScore,
			VisitCount:  p.VisitCount,
			LastVisited: p.LastVisited,
		})
	}
	return candidates, nil
}

// Stats reports capacity pressure and the ARC score distribution of the
// current candidate set.
func (e *Evictor) Stats(ctx context.Context) (Stats, error) {
	count, err := e.pages.Count(ctx)
	if err != nil {
		return Stats{}, err
	}

	cutoff := e.now().Add(-e.config.ProtectWindow)
	candidates, err := e.pages.EvictionCandidates(ctx, cutoff, count)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{
		TotalPages:    count,
		Capacity:      e.config.Capacity,
		Headroom:      e.config.Headroom,
		OverCapacity:  count > e.config.Capacity,
		EvictableNow:  len(candidates),
		ProtectWindow: e.config.ProtectWindow.String(),
	}
	if len(candidates) > 0 {
		s.MinARCScore = candidates[0].ARCScore
		s.MaxARCScore = candidates[0].ARCScore
		var sum float64
		for _, c := range candidates {
			if c.ARCScore < s.MinARCScore {
				s.MinARCScore = c.ARCScore
			}
			if c.ARCScore > s.MaxARCScore {
				s.MaxARCScore = c.ARCScore
			}
			sum += c.ARCScore
		}
		s.MeanARCScore = sum / float64(len(candidates))
	}
	return s, nil
}
