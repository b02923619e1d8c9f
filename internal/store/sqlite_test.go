package store

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZaynJarvis/newtab/internal/errors"
)

func newTestStore(t *testing.T) *SQLitePageStore {
	t.Helper()
	s, err := NewSQLitePageStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPage(url, title, content string) *Page {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Page{
		URL:           url,
		Title:         title,
		Content:       content,
		IndexedAt:     now,
		LastUpdatedAt: now,
	}
}

func TestUpsertByURL_InsertThenRefresh(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, wasNew, err := s.UpsertByURL(ctx, testPage("https://a.test/x", "First", "alpha content"))
	require.NoError(t, err)
	assert.True(t, wasNew)
	assert.Greater(t, id1, int64(0))

	// Second upsert for the same URL refreshes in place.
	id2, wasNew, err := s.UpsertByURL(ctx, testPage("https://a.test/x", "Second", "beta content"))
	require.NoError(t, err)
	assert.False(t, wasNew)
	assert.Equal(t, id1, id2)

	p, err := s.GetByURL(ctx, "https://a.test/x")
	require.NoError(t, err)
	assert.Equal(t, "Second", p.Title)
	assert.Equal(t, "beta content", p.Content)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetByID_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetByID(context.Background(), 404)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestDelete_RemovesPageAndFTS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.UpsertByURL(ctx, testPage("https://a.test/x", "Searchable Title", "unique zanzibar content"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))

	_, err = s.GetByID(ctx, id)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))

	hits, err := s.FullTextSearch(ctx, "zanzibar", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	// Idempotent delete contract lives at the vector index; the store
	// reports not-found for unknown ids.
	err = s.Delete(ctx, id)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestFullTextSearch_RankOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertByURL(ctx, testPage("https://a.test/1", "Python FastAPI Tutorial", "fastapi is a modern web framework for building apis with python"))
	require.NoError(t, err)
	_, _, err = s.UpsertByURL(ctx, testPage("https://a.test/2", "Go Basics", "notes about golang and nothing else"))
	require.NoError(t, err)

	hits, err := s.FullTextSearch(ctx, "fastapi tutorial", 20)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, 1, hits[0].Rank)

	p, err := s.GetByID(ctx, hits[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Python FastAPI Tutorial", p.Title)
}

func TestFullTextSearch_EmptyAndWeirdQueries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hits, err := s.FullTextSearch(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = s.FullTextSearch(ctx, `"((*))"`, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestUpdateEnrichment_RefreshesFTS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.UpsertByURL(ctx, testPage("https://a.test/x", "Title", "plain content"))
	require.NoError(t, err)

	ok, err := s.UpdateEnrichment(ctx, id, "a page about quokkas", "quokka, marsupial", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	hits, err := s.FullTextSearch(ctx, "quokka", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, id, hits[0].ID)
}

func TestUpdateEnrichment_StaleGuardDiscards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	page := testPage("https://a.test/x", "Title", "content body")
	id, _, err := s.UpsertByURL(ctx, page)
	require.NoError(t, err)

	// Guard older than the row's last_updated_at: the write must be dropped.
	stale := page.LastUpdatedAt.Add(-time.Hour)
	ok, err := s.UpdateEnrichment(ctx, id, "stale description", "stale", stale)
	require.NoError(t, err)
	assert.False(t, ok)

	p, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, p.Description)
}

func TestUpdateEmbedding_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.UpsertByURL(ctx, testPage("https://a.test/x", "Title", "content body"))
	require.NoError(t, err)

	vec := []float32{0.25, -1.5, 3.0}
	ok, err := s.UpdateEmbedding(ctx, id, vec, time.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	p, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, vec, p.Embedding)

	all, err := s.AllEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, vec, all[id])
}

func TestBumpVisit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.UpsertByURL(ctx, testPage("https://a.test/x", "Title", "content body"))
	require.NoError(t, err)

	t1 := time.Now().UTC().Truncate(time.Millisecond)
	c, err := s.BumpVisit(ctx, id, t1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), c.VisitCount)
	assert.Equal(t, t1, c.FirstVisited)
	assert.Equal(t, t1, c.LastVisited)

	t2 := t1.Add(time.Hour)
	c, err = s.BumpVisit(ctx, id, t2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), c.VisitCount)
	assert.Equal(t, t1, c.FirstVisited, "first_visited must not move")
	assert.Equal(t, t2, c.LastVisited)

	_, err = s.BumpVisit(ctx, 999, t1)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestHalveVisitCounts_PreservesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids := make([]int64, 3)
	visits := []int{7, 3, 1}
	for i, n := range visits {
		id, _, err := s.UpsertByURL(ctx, testPage("https://a.test/"+string(rune('a'+i)), "T", "content"))
		require.NoError(t, err)
		ids[i] = id
		for v := 0; v < n; v++ {
			_, err := s.BumpVisit(ctx, id, time.Now())
			require.NoError(t, err)
		}
	}

	require.NoError(t, s.HalveVisitCounts(ctx))

	var counts []int64
	for _, id := range ids {
		p, err := s.GetByID(ctx, id)
		require.NoError(t, err)
		counts = append(counts, p.VisitCount)
	}
	assert.Equal(t, []int64{3, 1, 0}, counts)
	assert.True(t, counts[0] >= counts[1] && counts[1] >= counts[2])

	max, err := s.MaxVisitCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)
}

func TestEvictionCandidates_OrderAndProtectWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(url string, arc float64, lastVisited time.Time) int64 {
		id, _, err := s.UpsertByURL(ctx, testPage(url, "T", "content"))
		require.NoError(t, err)
		_, err = s.BumpVisit(ctx, id, lastVisited)
		require.NoError(t, err)
		require.NoError(t, s.UpdateScores(ctx, id, arc, arc, arc))
		return id
	}

	old := now.Add(-24 * time.Hour)
	idLow := mk("https://a.test/low", 0.1, old)
	idMid := mk("https://a.test/mid", 0.5, old)
	idHot := mk("https://a.test/hot", 0.05, now) // protected: visited just now

	cutoff := now.Add(-time.Hour)
	candidates, err := s.EvictionCandidates(ctx, cutoff, 10)
	require.NoError(t, err)

	require.Len(t, candidates, 2)
	assert.Equal(t, idLow, candidates[0].ID)
	assert.Equal(t, idMid, candidates[1].ID)
	for _, c := range candidates {
		assert.NotEqual(t, idHot, c.ID)
	}
}

func TestList_Pagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p := testPage("https://a.test/"+string(rune('a'+i)), "T", "content")
		p.LastUpdatedAt = time.Now().Add(time.Duration(i) * time.Minute)
		_, _, err := s.UpsertByURL(ctx, p)
		require.NoError(t, err)
	}

	first, err := s.List(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)

	second, err := s.List(ctx, 2, 2)
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.NotEqual(t, first[0].ID, second[0].ID)
}

func TestClose_Idempotent(t *testing.T) {
	s, err := NewSQLitePageStore("")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.Count(context.Background())
	require.Error(t, err)
	assert.True(t, stderrors.Is(err, errors.New(errors.KindStore, "")))
}
