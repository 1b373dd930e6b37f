package index

import "sort"

// Reciprocal rank fusion constants. rrfK is the standard dampening constant
// from the literature; overlapBonus rewards chunks surfaced by both rankings.
const (
	rrfK         = 60.0
	overlapBonus = 1.2
)

// subQueryK returns how many candidates each sub-ranking contributes to
// fusion for a requested top-k.
func subQueryK(k int) int {
	return 2 * k
}

// fuseRRF merges a dense and a lexical ranking into a single ranking of at
// most k hits.
//
// Every chunk appearing in either list gets the base score
// 1/(60+rank_dense) + 1/(60+rank_lexical), with a missing rank contributing
// zero. Chunks present in both lists have their score multiplied by 1.2.
// Ties break by DocumentID lexicographic order, then Ordinal ascending, so
// the result is deterministic for fixed inputs.
func fuseRRF(dense, lexical []Hit, k int) []Hit {
	fused := make(map[string]*Hit, len(dense)+len(lexical))

	for i, hit := range dense {
		h := hit
		h.DenseRank = i + 1
		h.LexicalRank = 0
		fused[h.ChunkID] = &h
	}
	for i, hit := range lexical {
		if existing, ok := fused[hit.ChunkID]; ok {
			existing.LexicalRank = i + 1
			continue
		}
		h := hit
		h.DenseRank = 0
		h.LexicalRank = i + 1
		fused[h.ChunkID] = &h
	}

	hits := make([]Hit, 0, len(fused))
	for _, h := range fused {
		score := 0.0
		if h.DenseRank > 0 {
			score += 1.0 / (rrfK + float64(h.DenseRank))
		}
		if h.LexicalRank > 0 {
			score += 1.0 / (rrfK + float64(h.LexicalRank))
		}
		if h.DenseRank > 0 && h.LexicalRank > 0 {
			score *= overlapBonus
		}
		h.Score = score
		hits = append(hits, *h)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocumentID != hits[j].DocumentID {
			return hits[i].DocumentID < hits[j].DocumentID
		}
		return hits[i].Ordinal < hits[j].Ordinal
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
