package arc

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ZaynJarvis/newtab/internal/errors"
	"github.com/ZaynJarvis/newtab/internal/store"
)

// TrackerConfig configures visit tracking.
type TrackerConfig struct {
	// RandomTriggerProbability runs an eviction pass on this fraction of
	// tracked visits (default: 0.01).
	RandomTriggerProbability float64
}

// Visit is the result of tracking one page visit.
type Visit struct {
	PageID     int64
	VisitCount int64
	ARCScore   float64
}

// Tracker maintains visit counters and derived scores. It is one of the
// two mutators of the page store (the other is the indexing pipeline).
type Tracker struct {
	pages   store.PageStore
	evictor *Evictor
	config  TrackerConfig

	now     func() time.Time
	randF64 func() float64
}

// NewTracker creates a visit tracker. The evictor may be nil to disable
// the probabilistic eviction trigger.
func NewTracker(pages store.PageStore, evictor *Evictor, cfg TrackerConfig) *Tracker {
	return &Tracker{
		pages:   pages,
		evictor: evictor,
		config:  cfg,
		now:     time.Now,
		randF64: rand.Float64,
	}
}

// TrackVisit finds or creates the page row for a URL, increments its
// visit counter and recomputes the derived scores. Counter suppression
// halves every counter once any reaches the saturation bound, which
// preserves relative ordering.
func (t *Tracker) TrackVisit(ctx context.Context, url string) (Visit, error) {
	now := t.now()

	page, err := t.pages.GetByURL(ctx, url)
	if err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			return Visit{}, err
		}
		// A visit to an unindexed URL creates a placeholder row; the
		// indexing pipeline fills it in when the page is ingested.
		id, _, upErr := t.pages.UpsertByURL(ctx, &store.Page{
			URL:           url,
			Title:         url,
			IndexedAt:     now,
			LastUpdatedAt: now,
		})
		if upErr != nil {
			return Visit{}, upErr
		}
		page = &store.Page{ID: id}
	}

	counters, err := t.pages.BumpVisit(ctx, page.ID, now)
	if err != nil {
		return Visit{}, err
	}

	if counters.VisitCount >= SuppressionThreshold {
		if err := t.pages.HalveVisitCounts(ctx); err != nil {
			return Visit{}, err
		}
		counters.VisitCount /= 2
	}

	frequency, recency, arcScore := Score(counters.VisitCount, counters.FirstVisited, counters.LastVisited, now)
	if err := t.pages.UpdateScores(ctx, page.ID, frequency, recency, arcScore); err != nil {
		return Visit{}, err
	}

	if t.evictor != nil && t.randF64() < t.config.RandomTriggerProbability {
		if _, err := t.evictor.Run(ctx); err != nil {
			slog.Warn("opportunistic eviction failed", slog.String("error", err.Error()))
		}
	}

	return Visit{PageID: page.ID, VisitCount: counters.VisitCount, ARCScore: arcScore}, nil
}

// RefreshScores recomputes the derived scores for one page without
// counting a visit.
func (t *Tracker) RefreshScores(ctx context.Context, id int64) error {
	page, err := t.pages.GetByID(ctx, id)
	if err != nil {
		return err
	}
	frequency, recency, arcScore := Score(page.VisitCount, page.FirstVisited, page.LastVisited, t.now())
	return t.pages.UpdateScores(ctx, id, frequency, recency, arcScore)
}
