// Package search implements the retrieval pipeline: parallel lexical and
// semantic branches fused by weighted scoring with a frequency boost and
// similarity-drop truncation.
package search

import "sort"

// Weights configures score fusion. The fused score for a document is
// Semantic·semantic + Keyword·keyword + Freq·arc_score.
type Weights struct {
	Semantic float64
	Keyword  float64
	Freq     float64
}

// DefaultWeights returns the reference fusion weights.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.7, Keyword: 0.3, Freq: 0.1}
}

const (
	keywordScoreStep  = 0.1
	keywordScoreFloor = 0.1
)

// KeywordScore converts a 1-based lexical rank to a score in [0.1, 1.0].
// Rank 0 means the document did not appear in lexical results.
func KeywordScore(rank int) float64 {
	if rank < 1 {
		return 0
	}
	score := 1.0 - keywordScoreStep*float64(rank-1)
	if score < keywordScoreFloor {
		return keywordScoreFloor
	}
	return score
}

// candidate accumulates per-document branch scores before fusion.
type candidate struct {
	id       int64
	semantic float64
	keyword  float64
	arcScore float64
	final    float64
}

// fuse computes the final score for each candidate and sorts best-first.
// Tie-break: higher semantic, then higher keyword, then higher id.
func fuse(candidates []*candidate, w Weights) {
	for _, c := range candidates {
		c.final = w.Semantic*c.semantic + w.Keyword*c.keyword + w.Freq*c.arcScore
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.final != b.final {
			return a.final > b.final
		}
		if a.semantic != b.semantic {
			return a.semantic > b.semantic
		}
		if a.keyword != b.keyword {
			return a.keyword > b.keyword
		}
		return a.id > b.id
	})
}

// truncateAtDrop cuts a sorted candidate list at the first adjacent pair
// showing a relative drop of at least dropRatio, or where the lower score
// falls under the minAbsolute floor. Keeps a relevant head instead of
// padding the tail with weakly related items.
func truncateAtDrop(candidates []*candidate, dropRatio, minAbsolute float64) []*candidate {
	for i := 1; i < len(candidates); i++ {
		prev, cur := candidates[i-1].final, candidates[i].final
		if prev <= 0 {
			return candidates[:i]
		}
		if cur < prev*(1-dropRatio) || cur < minAbsolute {
			return candidates[:i]
		}
	}
	return candidates
}
