package arc

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaynJarvis/newtab/internal/errors"
	"github.com/ZaynJarvis/newtab/internal/store"
)

type evictorFixture struct {
	pages   *store.SQLitePageStore
	vectors *store.VectorIndex
	evictor *Evictor
}

func newEvictorFixture(t *testing.T, cfg EvictorConfig) *evictorFixture {
	t.Helper()
	pages, err := store.NewSQLitePageStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pages.Close() })

	vectors := store.NewVectorIndex(store.VectorIndexConfig{Dimension: 4})
	return &evictorFixture{
		pages:   pages,
		vectors: vectors,
		evictor: NewEvictor(pages, vectors, cfg),
	}
}

// addPage inserts a page with the given arc score, an old visit stamp and
// a vector entry.
func (f *evictorFixture) addPage(t *testing.T, url string, arcScore float64, lastVisited time.Time) int64 {
	t.Helper()
	ctx := context.Background()
	id, _, err := f.pages.UpsertByURL(ctx, &store.Page{URL: url, Title: "T", Content: "c",
		IndexedAt: time.Now(), LastUpdatedAt: time.Now()})
	require.NoError(t, err)
	if !lastVisited.IsZero() {
		_, err = f.pages.BumpVisit(ctx, id, lastVisited)
		require.NoError(t, err)
	}
	require.NoError(t, f.pages.UpdateScores(ctx, id, arcScore, arcScore, arcScore))
	require.NoError(t, f.vectors.Add(id, []float32{1, 0, 0, 0}))
	return id
}

func TestEvictor_UnderCapacityIsNoop(t *testing.T) {
	f := newEvictorFixture(t, EvictorConfig{Capacity: 10, Headroom: 2, ProtectWindow: time.Hour})
	f.addPage(t, "https://a.test/1", 0.1, time.Now().Add(-2*time.Hour))

	removed, err := f.evictor.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestEvictor_RemovesWorstUntilTarget(t *testing.T) {
	f := newEvictorFixture(t, EvictorConfig{Capacity: 3, Headroom: 1, ProtectWindow: time.Hour})
	ctx := context.Background()
	old := time.Now().Add(-3 * time.Hour)

	idWorst := f.addPage(t, "https://a.test/worst", 0.05, old)
	idBad := f.addPage(t, "https://a.test/bad", 0.2, old)
	idGood := f.addPage(t, "https://a.test/good", 0.8, old)
	idBest := f.addPage(t, "https://a.test/best", 0.9, old)

	// 4 pages > capacity 3; prune down to capacity − headroom = 2.
	removed, err := f.evictor.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	for _, id := range []int64{idWorst, idBad} {
		_, err := f.pages.GetByID(ctx, id)
		assert.True(t, errors.IsKind(err, errors.KindNotFound))
		assert.False(t, f.vectors.Contains(id), "vector entry removed with the page")
	}
	for _, id := range []int64{idGood, idBest} {
		_, err := f.pages.GetByID(ctx, id)
		assert.NoError(t, err)
	}
}

func TestEvictor_ProtectWindowShieldsRecentVisits(t *testing.T) {
	f := newEvictorFixture(t, EvictorConfig{Capacity: 1, Headroom: 0, ProtectWindow: time.Hour})
	ctx := context.Background()

	// Both pages over capacity, but the low-score page was just visited.
	idHot := f.addPage(t, "https://a.test/hot", 0.01, time.Now())
	idCold := f.addPage(t, "https://a.test/cold", 0.9, time.Now().Add(-2*time.Hour))

	removed, err := f.evictor.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = f.pages.GetByID(ctx, idHot)
	assert.NoError(t, err, "recently visited page is protected despite low score")
	_, err = f.pages.GetByID(ctx, idCold)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestEvictor_HeadroomAboveCapacityClampsToZero(t *testing.T) {
	// Mirrors a small-capacity deployment: capacity 3 with the default
	// headroom of 50 must prune to exactly capacity, not below.
	f := newEvictorFixture(t, EvictorConfig{Capacity: 3, Headroom: 50, ProtectWindow: time.Hour})
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	visited := f.addPage(t, "https://a.test/visited", 0.9, old)
	for i := 0; i < 3; i++ {
		f.addPage(t, fmt.Sprintf("https://a.test/%d", i), 0.1, old)
	}

	removed, err := f.evictor.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	count, err := f.pages.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	_, err = f.pages.GetByID(ctx, visited)
	assert.NoError(t, err, "the frequently scored page survives")
}

func TestEvictor_Preview(t *testing.T) {
	f := newEvictorFixture(t, EvictorConfig{Capacity: 10, Headroom: 2, ProtectWindow: time.Hour})
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	f.addPage(t, "https://a.test/a", 0.5, old)
	worst := f.addPage(t, "https://a.test/b", 0.1, old)

	candidates, err := f.evictor.Preview(ctx, 1)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, worst, candidates[0].ID)
	assert.Equal(t, 0.1, candidates[0].ARCScore)

	// Preview must not delete anything.
	count, err := f.pages.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestEvictor_Stats(t *testing.T) {
	f := newEvictorFixture(t, EvictorConfig{Capacity: 2, Headroom: 0, ProtectWindow: time.Hour})
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	f.addPage(t, "https://a.test/a", 0.2, old)
	f.addPage(t, "https://a.test/b", 0.4, old)
	f.addPage(t, "https://a.test/c", 0.6, time.Now()) // protected

	s, err := f.evictor.Stats(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, s.TotalPages)
	assert.True(t, s.OverCapacity)
	assert.Equal(t, 2, s.EvictableNow)
	assert.InDelta(t, 0.2, s.MinARCScore, 1e-9)
	assert.InDelta(t, 0.4, s.MaxARCScore, 1e-9)
	assert.InDelta(t, 0.3, s.MeanARCScore, 1e-9)
}
