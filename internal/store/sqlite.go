package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/ZaynJarvis/newtab/internal/errors"
)

// SQLitePageStore implements PageStore using SQLite with an FTS5 virtual
// table. WAL mode enables concurrent readers alongside the single writer.
type SQLitePageStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ PageStore = (*SQLitePageStore)(nil)

// NewSQLitePageStore opens (or creates) the page store at path.
// An empty path creates an in-memory store for testing.
func NewSQLitePageStore(path string) (*SQLitePageStore, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Store("open database", err)
	}

	// Single writer prevents lock contention; WAL still allows readers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite; set pragmas explicitly.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, errors.Store("set pragma", err)
		}
	}

	s := &SQLitePageStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, errors.Store("initialize schema", err)
	}
	return s, nil
}

func (s *SQLitePageStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS pages (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		url              TEXT NOT NULL UNIQUE,
		title            TEXT NOT NULL DEFAULT '',
		description      TEXT NOT NULL DEFAULT '',
		keywords         TEXT NOT NULL DEFAULT '',
		content          TEXT NOT NULL DEFAULT '',
		favicon_url      TEXT NOT NULL DEFAULT '',
		embedding        BLOB,
		visit_count      INTEGER NOT NULL DEFAULT 0,
		first_visited    INTEGER NOT NULL DEFAULT 0,
		last_visited     INTEGER NOT NULL DEFAULT 0,
		indexed_at       INTEGER NOT NULL DEFAULT 0,
		last_updated_at  INTEGER NOT NULL DEFAULT 0,
		access_frequency REAL NOT NULL DEFAULT 0,
		recency_score    REAL NOT NULL DEFAULT 0,
		arc_score        REAL NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_pages_arc ON pages(arc_score, last_visited, id);

	-- FTS5 rowid mirrors pages.id; rows are written in the same
	-- transaction as every page mutation.
	CREATE VIRTUAL TABLE IF NOT EXISTS pages_fts USING fts5(
		title, description, keywords, content,
		tokenize='unicode61'
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- time and embedding codecs ---

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// encodeEmbedding packs a vector as little-endian float32 bytes.
func encodeEmbedding(v []float32) []byte {
	if v == nil {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeEmbedding(buf []byte) []float32 {
	if len(buf) == 0 || len(buf)%4 != 0 {
		return nil
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return v
}

// --- FTS helpers ---

var ftsTokenRe = regexp.MustCompile(`[a-zA-Z0-9]+`)

// ftsMatchQuery builds an FTS5 MATCH expression from free text.
// Tokens are OR-joined for recall; the BM25 ordering still ranks pages
// matching more terms first.
func ftsMatchQuery(query string) string {
	tokens := ftsTokenRe.FindAllString(strings.ToLower(query), -1)
	if len(tokens) == 0 {
		return ""
	}
	quoted := make([]string, len(tokens))
	for i, tok := range tokens {
		quoted[i] = `"` + tok + `"`
	}
	return strings.Join(quoted, " OR ")
}

func (s *SQLitePageStore) writeFTS(ctx context.Context, tx *sql.Tx, id int64, title, description, keywords, content string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM pages_fts WHERE rowid = ?`, id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO pages_fts(rowid, title, description, keywords, content) VALUES (?, ?, ?, ?, ?)`,
		id, title, description, keywords, content)
	return err
}

// --- PageStore implementation ---

// UpsertByURL inserts the page or refreshes the existing row for its URL.
// A unique-key race between the existence probe and the insert is resolved
// by falling back to the update path.
func (s *SQLitePageStore) UpsertByURL(ctx context.Context, p *Page) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false, errors.Store("store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, errors.Store("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO pages
			(url, title, description, keywords, content, favicon_url, embedding, indexed_at, last_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.URL, p.Title, p.Description, p.Keywords, p.Content, p.FaviconURL,
		encodeEmbedding(p.Embedding), toMillis(p.IndexedAt), toMillis(p.LastUpdatedAt))
	if err != nil {
		return 0, false, errors.Store("insert page", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, false, errors.Store("rows affected", err)
	}

	var id int64
	wasNew := affected > 0
	if wasNew {
		if id, err = res.LastInsertId(); err != nil {
			return 0, false, errors.Store("last insert id", err)
		}
	} else {
		// Existing row (or insert lost a race): refresh content fields.
		if err := tx.QueryRowContext(ctx, `SELECT id FROM pages WHERE url = ?`, p.URL).Scan(&id); err != nil {
			return 0, false, errors.Store("lookup existing page", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE pages SET title = ?, description = ?, keywords = ?, content = ?,
				favicon_url = ?, indexed_at = ?, last_updated_at = ?
			WHERE id = ?`,
			p.Title, p.Description, p.Keywords, p.Content, p.FaviconURL,
			toMillis(p.IndexedAt), toMillis(p.LastUpdatedAt), id); err != nil {
			return 0, false, errors.Store("refresh page", err)
		}
	}

	if err := s.writeFTS(ctx, tx, id, p.Title, p.Description, p.Keywords, p.Content); err != nil {
		return 0, false, errors.Store("write full-text row", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, errors.Store("commit", err)
	}
	return id, wasNew, nil
}

// Touch stamps last_visited without refreshing content or last_updated_at.
func (s *SQLitePageStore) Touch(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.Store("store is closed", nil)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE pages SET last_visited = ? WHERE id = ?`, toMillis(at), id)
	if err != nil {
		return errors.Store("touch page", err)
	}
	return nil
}

// UpdateEnrichment writes enrichment text back, refreshing the FTS row in
// the same transaction. Returns false when the guard is stale.
func (s *SQLitePageStore) UpdateEnrichment(ctx context.Context, id int64, description, keywords string, guard time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errors.Store("store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Store("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE pages SET description = ?, keywords = ?
		WHERE id = ? AND last_updated_at <= ?`,
		description, keywords, id, toMillis(guard))
	if err != nil {
		return false, errors.Store("update enrichment", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, tx.Commit()
	}

	var title, content string
	if err := tx.QueryRowContext(ctx, `SELECT title, content FROM pages WHERE id = ?`, id).
		Scan(&title, &content); err != nil {
		return false, errors.Store("read page for full-text refresh", err)
	}
	if err := s.writeFTS(ctx, tx, id, title, description, keywords, content); err != nil {
		return false, errors.Store("refresh full-text row", err)
	}
	if err := tx.Commit(); err != nil {
		return false, errors.Store("commit", err)
	}
	return true, nil
}

// UpdateEmbedding persists the embedding vector unless the row was
// refreshed after the guard timestamp.
func (s *SQLitePageStore) UpdateEmbedding(ctx context.Context, id int64, embedding []float32, guard time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, errors.Store("store is closed", nil)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE pages SET embedding = ?
		WHERE id = ? AND last_updated_at <= ?`,
		encodeEmbedding(embedding), id, toMillis(guard))
	if err != nil {
		return false, errors.Store("update embedding", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

const pageColumns = `id, url, title, description, keywords, content, favicon_url, embedding,
	visit_count, first_visited, last_visited, indexed_at, last_updated_at,
	access_frequency, recency_score, arc_score`

func scanPage(row interface{ Scan(...any) error }) (*Page, error) {
	var p Page
	var embedding []byte
	var firstVisited, lastVisited, indexedAt, lastUpdatedAt int64
	err := row.Scan(&p.ID, &p.URL, &p.Title, &p.Description, &p.Keywords, &p.Content,
		&p.FaviconURL, &embedding, &p.VisitCount, &firstVisited, &lastVisited,
		&indexedAt, &lastUpdatedAt, &p.AccessFrequency, &p.RecencyScore, &p.ARCScore)
	if err != nil {
		return nil, err
	}
	p.Embedding = decodeEmbedding(embedding)
	p.FirstVisited = fromMillis(firstVisited)
	p.LastVisited = fromMillis(lastVisited)
	p.IndexedAt = fromMillis(indexedAt)
	p.LastUpdatedAt = fromMillis(lastUpdatedAt)
	return &p, nil
}

// GetByID returns the page or a not-found error.
func (s *SQLitePageStore) GetByID(ctx context.Context, id int64) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.Store("store is closed", nil)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id)
	p, err := scanPage(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(fmt.Sprintf("page %d", id))
	}
	if err != nil {
		return nil, errors.Store("get page", err)
	}
	return p, nil
}

// GetByURL returns the page for a URL or a not-found error.
func (s *SQLitePageStore) GetByURL(ctx context.Context, url string) (*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.Store("store is closed", nil)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE url = ?`, url)
	p, err := scanPage(row)
	if err == sql.ErrNoRows {
		return nil, errors.NotFound(fmt.Sprintf("page %s", url))
	}
	if err != nil {
		return nil, errors.Store("get page by url", err)
	}
	return p, nil
}

// Delete removes the page row and its full-text entry in one transaction.
// Deleting an unknown id is a not-found error.
func (s *SQLitePageStore) Delete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.Store("store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Store("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE id = ?`, id)
	if err != nil {
		return errors.Store("delete page", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errors.NotFound(fmt.Sprintf("page %d", id))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pages_fts WHERE rowid = ?`, id); err != nil {
		return errors.Store("delete full-text row", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.Store("commit", err)
	}
	return nil
}

// List returns pages ordered by most recently updated.
func (s *SQLitePageStore) List(ctx context.Context, offset, limit int) ([]*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.Store("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pageColumns+` FROM pages ORDER BY last_updated_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, errors.Store("list pages", err)
	}
	defer rows.Close()

	pages := make([]*Page, 0, limit)
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, errors.Store("scan page", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// Count returns the number of pages.
func (s *SQLitePageStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, errors.Store("store is closed", nil)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pages`).Scan(&count); err != nil {
		return 0, errors.Store("count pages", err)
	}
	return count, nil
}

// FullTextSearch returns matching page ids in relevance order.
func (s *SQLitePageStore) FullTextSearch(ctx context.Context, query string, limit int) ([]FTSHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.Store("store is closed", nil)
	}

	match := ftsMatchQuery(query)
	if match == "" {
		return []FTSHit{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid FROM pages_fts
		WHERE pages_fts MATCH ?
		ORDER BY bm25(pages_fts)
		LIMIT ?`, match, limit)
	if err != nil {
		// FTS5 rejects some token sequences; treat as no results.
		if strings.Contains(err.Error(), "fts5") || strings.Contains(err.Error(), "syntax error") {
			return []FTSHit{}, nil
		}
		return nil, errors.Store("full-text search", err)
	}
	defer rows.Close()

	var hits []FTSHit
	rank := 0
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Store("scan hit", err)
		}
		rank++
		hits = append(hits, FTSHit{ID: id, Rank: rank})
	}
	return hits, rows.Err()
}

// BumpVisit increments the visit counter and stamps timestamps atomically.
func (s *SQLitePageStore) BumpVisit(ctx context.Context, id int64, at time.Time) (VisitCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return VisitCounters{}, errors.Store("store is closed", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return VisitCounters{}, errors.Store("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	ms := toMillis(at)
	res, err := tx.ExecContext(ctx, `
		UPDATE pages SET
			visit_count = visit_count + 1,
			last_visited = ?,
			first_visited = CASE WHEN first_visited = 0 THEN ? ELSE first_visited END
		WHERE id = ?`, ms, ms, id)
	if err != nil {
		return VisitCounters{}, errors.Store("bump visit", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return VisitCounters{}, errors.NotFound(fmt.Sprintf("page %d", id))
	}

	var c VisitCounters
	var first, last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT visit_count, first_visited, last_visited FROM pages WHERE id = ?`, id).
		Scan(&c.VisitCount, &first, &last); err != nil {
		return VisitCounters{}, errors.Store("read counters", err)
	}
	c.FirstVisited = fromMillis(first)
	c.LastVisited = fromMillis(last)

	if err := tx.Commit(); err != nil {
		return VisitCounters{}, errors.Store("commit", err)
	}
	return c, nil
}

// UpdateScores writes derived scores for one page.
func (s *SQLitePageStore) UpdateScores(ctx context.Context, id int64, frequency, recency, arc float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.Store("store is closed", nil)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages SET access_frequency = ?, recency_score = ?, arc_score = ?
		WHERE id = ?`, frequency, recency, arc, id)
	if err != nil {
		return errors.Store("update scores", err)
	}
	return nil
}

// HalveVisitCounts divides every counter by two (integer division).
func (s *SQLitePageStore) HalveVisitCounts(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.Store("store is closed", nil)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE pages SET visit_count = visit_count / 2`); err != nil {
		return errors.Store("halve visit counts", err)
	}
	return nil
}

// MaxVisitCount returns the largest counter, 0 for an empty store.
func (s *SQLitePageStore) MaxVisitCount(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, errors.Store("store is closed", nil)
	}
	var max sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(visit_count) FROM pages`).Scan(&max); err != nil {
		return 0, errors.Store("max visit count", err)
	}
	return max.Int64, nil
}

// EvictionCandidates returns pages ordered most-evictable first.
func (s *SQLitePageStore) EvictionCandidates(ctx context.Context, protectCutoff time.Time, limit int) ([]*Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.Store("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pageColumns+` FROM pages
		WHERE last_visited < ?
		ORDER BY arc_score ASC, last_visited ASC, id ASC
		LIMIT ?`, toMillis(protectCutoff), limit)
	if err != nil {
		return nil, errors.Store("eviction candidates", err)
	}
	defer rows.Close()

	var pages []*Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, errors.Store("scan candidate", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// AllEmbeddings returns every persisted embedding keyed by page id.
func (s *SQLitePageStore) AllEmbeddings(ctx context.Context) (map[int64][]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.Store("store is closed", nil)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, embedding FROM pages WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, errors.Store("load embeddings", err)
	}
	defer rows.Close()

	result := make(map[int64][]float32)
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, errors.Store("scan embedding", err)
		}
		if v := decodeEmbedding(blob); v != nil {
			result[id] = v
		}
	}
	return result, rows.Err()
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (s *SQLitePageStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		if err := s.db.Close(); err != nil {
			slog.Warn("page store close failed", slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}
