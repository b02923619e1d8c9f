// Package cache provides the bounded query-embedding cache: an LRU with
// TTL expiry, persisted to a single JSON file in write-batches. It makes
// embedding lookup for repeated queries instant and lets semantic search
// survive enrichment provider outages.
package cache

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Defaults per the service configuration.
const (
	DefaultCapacity   = 1000
	DefaultTTL        = 7 * 24 * time.Hour
	DefaultFlushEvery = 20
)

// Config configures the query cache.
type Config struct {
	// Capacity is the maximum number of entries (default: 1000).
	Capacity int
	// TTL is the entry expiry age (default: 7 days).
	TTL time.Duration
	// Path is the JSON snapshot file. Empty disables persistence.
	Path string
	// FlushEvery batches snapshot writes: the cache is serialized after
	// this many mutations (default: 20).
	FlushEvery int
}

type entry struct {
	Embedding    []float32 `json:"embedding"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
}

type snapshotEntry struct {
	Query        string    `json:"query"`
	Embedding    []float32 `json:"embedding"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
}

type snapshot struct {
	Entries []snapshotEntry `json:"entries"`
	Meta    struct {
		SavedAt time.Time `json:"saved_at"`
	} `json:"meta"`
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Size     int   `json:"size"`
	Capacity int   `json:"capacity"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
}

// QueryCount pairs a cached query with its access count.
type QueryCount struct {
	Query       string `json:"query"`
	AccessCount int64  `json:"access_count"`
}

// QueryCache is the query → embedding cache. A single monitor serializes
// readers and writers.
type QueryCache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *entry]
	config Config

	hits   int64
	misses int64
	dirty  int

	now func() time.Time
}

// Normalize is the canonical cache-key normalization: trimmed and
// case-folded. The retrieval pipeline applies the same normalization
// before lookup.
func Normalize(query string) string {
	return strings.ToLower(strings.TrimSpace(query))
}

// New creates a query cache, loading any persisted snapshot. A missing or
// corrupt snapshot file is tolerated: the cache starts empty.
func New(cfg Config) (*QueryCache, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = DefaultFlushEvery
	}

	inner, err := lru.New[string, *entry](cfg.Capacity)
	if err != nil {
		return nil, err
	}

	c := &QueryCache{
		lru:    inner,
		config: cfg,
		now:    time.Now,
	}
	c.loadSnapshot()
	return c, nil
}

// Get returns the cached embedding for a query. A live hit is moved to
// MRU position, its access count incremented and last_accessed updated.
// Expired entries are never returned.
func (c *QueryCache) Get(query string) ([]float32, bool) {
	key := Normalize(query)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if c.now().Sub(e.CreatedAt) > c.config.TTL {
		c.lru.Remove(key)
		c.misses++
		c.markDirtyLocked()
		return nil, false
	}

	e.LastAccessed = c.now()
	e.AccessCount++
	c.hits++
	c.markDirtyLocked()
	return e.Embedding, true
}

// Put inserts or refreshes the embedding for a query at MRU position.
// Insertion beyond capacity evicts the entry with the oldest access.
func (c *QueryCache) Put(query string, embedding []float32) {
	key := Normalize(query)
	if key == "" || len(embedding) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.lru.Add(key, &entry{
		Embedding:    embedding,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
	})
	c.markDirtyLocked()
}

// Clear removes every entry and persists the empty state.
func (c *QueryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.flushLocked()
}

// CleanupExpired removes entries past their TTL and returns the count.
func (c *QueryCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && c.now().Sub(e.CreatedAt) > c.config.TTL {
			c.lru.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		c.flushLocked()
	}
	return removed
}

// Stats returns current size and hit/miss counters.
func (c *QueryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Size:     c.lru.Len(),
		Capacity: c.config.Capacity,
		Hits:     c.hits,
		Misses:   c.misses,
	}
}

// Top returns the n most frequently accessed queries, best first.
func (c *QueryCache) Top(n int) []QueryCount {
	c.mu.Lock()
	defer c.mu.Unlock()

	all := make([]QueryCount, 0, c.lru.Len())
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok {
			all = append(all, QueryCount{Query: key, AccessCount: e.AccessCount})
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].AccessCount != all[j].AccessCount {
			return all[i].AccessCount > all[j].AccessCount
		}
		return all[i].Query < all[j].Query
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}

// Flush forces a snapshot write regardless of the dirty counter.
func (c *QueryCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

// markDirtyLocked counts a mutation and flushes once the batch threshold
// is reached.
func (c *QueryCache) markDirtyLocked() {
	c.dirty++
	if c.dirty >= c.config.FlushEvery {
		c.flushLocked()
	}
}

// flushLocked serializes the whole cache to the snapshot file atomically
// (write-temp-then-rename). Persistence failures are logged, not fatal.
func (c *QueryCache) flushLocked() {
	c.dirty = 0
	if c.config.Path == "" {
		return
	}

	var snap snapshot
	snap.Meta.SavedAt = c.now()
	// Keys are ordered LRU → MRU, so reloading in order rebuilds recency.
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok {
			snap.Entries = append(snap.Entries, snapshotEntry{
				Query:        key,
				Embedding:    e.Embedding,
				CreatedAt:    e.CreatedAt,
				LastAccessed: e.LastAccessed,
				AccessCount:  e.AccessCount,
			})
		}
	}

	data, err := json.Marshal(&snap)
	if err != nil {
		slog.Warn("cache snapshot marshal failed", slog.String("error", err.Error()))
		return
	}

	dir := filepath.Dir(c.config.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("cache snapshot dir failed", slog.String("error", err.Error()))
		return
	}
	tmp := c.config.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		slog.Warn("cache snapshot write failed", slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, c.config.Path); err != nil {
		_ = os.Remove(tmp)
		slog.Warn("cache snapshot rename failed", slog.String("error", err.Error()))
	}
}

// loadSnapshot restores persisted entries. Corrupt files are logged and
// ignored; the cache starts empty.
func (c *QueryCache) loadSnapshot() {
	if c.config.Path == "" {
		return
	}

	data, err := os.ReadFile(c.config.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("cache snapshot read failed", slog.String("error", err.Error()))
		}
		return
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("cache snapshot corrupt, starting empty",
			slog.String("path", c.config.Path),
			slog.String("error", err.Error()))
		return
	}

	for _, e := range snap.Entries {
		if e.Query == "" || len(e.Embedding) == 0 {
			continue
		}
		if c.now().Sub(e.CreatedAt) > c.config.TTL {
			continue
		}
		c.lru.Add(e.Query, &entry{
			Embedding:    e.Embedding,
			CreatedAt:    e.CreatedAt,
			LastAccessed: e.LastAccessed,
			AccessCount:  e.AccessCount,
		})
	}
}
