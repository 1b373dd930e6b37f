package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hit(chunkID, docID string, ordinal int) Hit {
	return Hit{ChunkID: chunkID, DocumentID: docID, Ordinal: ordinal, Text: "text-" + chunkID}
}

func TestFuseRRFOverlapBonus(t *testing.T) {
	dense := []Hit{hit("a", "d1", 0), hit("b", "d1", 1)}
	lexical := []Hit{hit("a", "d1", 0), hit("c", "d2", 0)}

	fused := fuseRRF(dense, lexical, 10)
	require.Len(t, fused, 3)

	// Chunk "a" appears in both rankings at position 1.
	top := fused[0]
	assert.Equal(t, "a", top.ChunkID)
	assert.Equal(t, 1, top.DenseRank)
	assert.Equal(t, 1, top.LexicalRank)

	base := 1.0/(60.0+1.0) + 1.0/(60.0+1.0)
	assert.InDelta(t, base*1.2, top.Score, 1e-12)
	assert.Greater(t, top.Score, base, "overlap bonus must strictly exceed the raw RRF sum")

	// Chunks in a single ranking carry only their own term.
	for _, h := range fused[1:] {
		assert.InDelta(t, 1.0/(60.0+2.0), h.Score, 1e-12)
	}
}

func TestFuseRRFMissingRankContributesZero(t *testing.T) {
	dense := []Hit{hit("only-dense", "d1", 0)}

	fused := fuseRRF(dense, nil, 5)
	require.Len(t, fused, 1)
	assert.Equal(t, 1, fused[0].DenseRank)
	assert.Zero(t, fused[0].LexicalRank)
	assert.InDelta(t, 1.0/61.0, fused[0].Score, 1e-12)
}

func TestFuseRRFDeterministicTieBreak(t *testing.T) {
	// Two chunks with identical ranks in disjoint rankings tie on score.
	dense := []Hit{hit("z-chunk", "doc-b", 3)}
	lexical := []Hit{hit("a-chunk", "doc-a", 7)}

	for range 50 {
		fused := fuseRRF(dense, lexical, 2)
		require.Len(t, fused, 2)
		assert.Equal(t, "a-chunk", fused[0].ChunkID, "doc-a sorts before doc-b")
		assert.Equal(t, "z-chunk", fused[1].ChunkID)
	}
}

func TestFuseRRFOrdinalTieBreak(t *testing.T) {
	dense := []Hit{hit("later", "doc", 5)}
	lexical := []Hit{hit("earlier", "doc", 2)}

	fused := fuseRRF(dense, lexical, 2)
	require.Len(t, fused, 2)
	assert.Equal(t, "earlier", fused[0].ChunkID)
}

func TestFuseRRFTopK(t *testing.T) {
	dense := []Hit{hit("a", "d", 0), hit("b", "d", 1), hit("c", "d", 2), hit("d", "d", 3)}

	fused := fuseRRF(dense, nil, 2)
	assert.Len(t, fused, 2)
	assert.Equal(t, "a", fused[0].ChunkID)
	assert.Equal(t, "b", fused[1].ChunkID)
}
