package store

import (
	"math"
	"sort"
	"sync"

	"github.com/coder/hnsw"
)

// VectorIndexConfig configures the in-memory vector index.
type VectorIndexConfig struct {
	// Dimension is the fixed vector dimension; every add and query must
	// match it.
	Dimension int

	// SoftCap triggers safety-net eviction on Add (default: 10000).
	// The primary eviction path is the frequency engine; this only guards
	// against unbounded growth.
	SoftCap int

	// M is HNSW max connections per layer (default: 16).
	M int

	// EfSearch is HNSW query-time search width (default: 20).
	EfSearch int
}

// VectorIndex is an in-memory HNSW index over page embeddings.
// Vectors are stored normalized so cosine similarity reduces to inner
// product; scores are reported in [0,1].
type VectorIndex struct {
	mu     sync.RWMutex
	graph  *hnsw.Graph[uint64]
	config VectorIndexConfig

	// Page ids map to internal graph keys. Deletion is lazy: the graph
	// node is orphaned and skipped at query time, because removing nodes
	// from coder/hnsw can corrupt small graphs.
	idMap   map[int64]uint64
	keyMap  map[uint64]int64
	nextKey uint64
}

// NewVectorIndex creates an empty vector index.
func NewVectorIndex(cfg VectorIndexConfig) *VectorIndex {
	if cfg.SoftCap <= 0 {
		cfg.SoftCap = 10000
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSearch == 0 {
		cfg.EfSearch = 20
	}

	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = cfg.M
	graph.EfSearch = cfg.EfSearch
	graph.Ml = 0.25

	return &VectorIndex{
		graph:  graph,
		config: cfg,
		idMap:  make(map[int64]uint64),
		keyMap: make(map[uint64]int64),
	}
}

// Add inserts or replaces the vector for a page id.
// When the index is at its soft cap, the entry with the numerically
// smallest id is evicted first.
func (x *VectorIndex) Add(id int64, v []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(v) != x.config.Dimension {
		return ErrDimensionMismatch{Expected: x.config.Dimension, Got: len(v)}
	}

	if _, exists := x.idMap[id]; !exists && len(x.idMap) >= x.config.SoftCap {
		x.evictSmallestLocked()
	}

	x.addLocked(id, v)
	return nil
}

// Replace is Add under a name that documents refresh intent.
func (x *VectorIndex) Replace(id int64, v []float32) error {
	return x.Add(id, v)
}

func (x *VectorIndex) addLocked(id int64, v []float32) {
	if oldKey, exists := x.idMap[id]; exists {
		delete(x.keyMap, oldKey)
		delete(x.idMap, id)
	}

	key := x.nextKey
	x.nextKey++

	vec := make([]float32, len(v))
	copy(vec, v)
	normalizeInPlace(vec)

	x.graph.Add(hnsw.MakeNode(key, vec))
	x.idMap[id] = key
	x.keyMap[key] = id
}

func (x *VectorIndex) evictSmallestLocked() {
	var smallest int64
	first := true
	for id := range x.idMap {
		if first || id < smallest {
			smallest = id
			first = false
		}
	}
	if !first {
		key := x.idMap[smallest]
		delete(x.keyMap, key)
		delete(x.idMap, smallest)
	}
}

// Remove deletes the entry for a page id. Unknown ids are ignored
// (idempotent delete).
func (x *VectorIndex) Remove(id int64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if key, exists := x.idMap[id]; exists {
		delete(x.keyMap, key)
		delete(x.idMap, id)
	}
}

// Contains reports whether an id has a live entry.
func (x *VectorIndex) Contains(id int64) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.idMap[id]
	return ok
}

// Search returns up to k hits by cosine similarity, best first.
// Ties break toward the higher page id.
func (x *VectorIndex) Search(query []float32, k int) ([]VectorHit, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if len(query) != x.config.Dimension {
		return nil, ErrDimensionMismatch{Expected: x.config.Dimension, Got: len(query)}
	}
	if len(x.idMap) == 0 || k <= 0 {
		return []VectorHit{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	// Over-fetch to compensate for lazily deleted orphans still in the graph.
	fetch := k + (x.graph.Len() - len(x.idMap))
	nodes := x.graph.Search(q, fetch)

	hits := make([]VectorHit, 0, k)
	for _, node := range nodes {
		id, live := x.keyMap[node.Key]
		if !live {
			continue
		}
		distance := x.graph.Distance(q, node.Value)
		hits = append(hits, VectorHit{ID: id, Score: cosineScore(distance)})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID > hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// FilteredSearch is Search with the similarity-drop rule applied: the hit
// list is truncated at the first adjacent pair where the score drops by at
// least dropRatio, or where the lower score falls under minAbsolute.
func (x *VectorIndex) FilteredSearch(query []float32, k int, dropRatio, minAbsolute float64) ([]VectorHit, error) {
	hits, err := x.Search(query, k)
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(hits); i++ {
		prev, cur := hits[i-1].Score, hits[i].Score
		if prev <= 0 {
			return hits[:i], nil
		}
		if cur < prev*(1-dropRatio) || cur < minAbsolute {
			return hits[:i], nil
		}
	}
	return hits, nil
}

// Size returns the number of live entries.
func (x *VectorIndex) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.idMap)
}

// Dimension returns the configured vector dimension.
func (x *VectorIndex) Dimension() int {
	return x.config.Dimension
}

// MemoryBytes estimates resident vector memory.
func (x *VectorIndex) MemoryBytes() int64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return int64(x.graph.Len()) * int64(x.config.Dimension) * 4
}

// normalizeInPlace scales a vector to unit length.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// cosineScore converts cosine distance (0..2) to similarity in [0,1].
func cosineScore(distance float32) float64 {
	s := 1.0 - float64(distance)/2.0
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
