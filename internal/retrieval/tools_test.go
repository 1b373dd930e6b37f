package retrieval

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julesdesai/writing-anima/internal/config"
	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/logging"
)

type fixedEmbedder struct{}

func (fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		vectors[i] = []float32{1, 0, 0}
	}
	return vectors, nil
}

func (e fixedEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (fixedEmbedder) Dimension() int { return 3 }

func newToolsetFixture(t *testing.T) *Toolset {
	t.Helper()

	idx, err := index.NewChromemStore("", logging.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, idx.Create(ctx, "col", 3))
	require.NoError(t, idx.Upsert(ctx, "col", []index.Entry{
		{
			ChunkID: "c1",
			Vector:  []float32{1, 0, 0},
			Text:    "the craft of the sentence",
			Payload: index.Payload{DocumentID: "d1", Ordinal: 0, SourceFilename: "craft.txt"},
		},
		{
			ChunkID: "c2",
			Vector:  []float32{0, 1, 0},
			Text:    "the shape of the argument",
			Payload: index.Payload{DocumentID: "d2", Ordinal: 0, SourceFilename: "argument.txt"},
		},
	}))

	return NewToolset(idx, fixedEmbedder{}, "col", config.RetrievalConfig{DefaultK: 5, MaxK: 10})
}

func TestSearchCorpusHybrid(t *testing.T) {
	ts := newToolsetFixture(t)

	output, call, err := ts.Execute(context.Background(), ToolSearchCorpus, json.RawMessage(`{"query":"craft of the sentence"}`))
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, ToolSearchCorpus, call.Tool)
	assert.Equal(t, ModeHybrid, call.Mode)
	assert.Equal(t, 5, call.K)
	assert.Positive(t, call.Returned)

	var results []searchResult
	require.NoError(t, json.Unmarshal([]byte(output), &results))
	require.NotEmpty(t, results)
	assert.Equal(t, "c1", results[0].ChunkID)
	assert.Equal(t, "craft.txt", results[0].SourceFilename)
	assert.Equal(t, ModeHybrid, results[0].Mode)
}

func TestSearchCorpusKClamped(t *testing.T) {
	ts := newToolsetFixture(t)

	_, call, err := ts.Execute(context.Background(), ToolSearchCorpus, json.RawMessage(`{"query":"craft","k":500}`))
	require.NoError(t, err)
	assert.Equal(t, 10, call.K, "k must clamp to max_k")
}

func TestSearchCorpusStyleMode(t *testing.T) {
	ts := newToolsetFixture(t)

	output, call, err := ts.Execute(context.Background(), ToolSearchCorpus, json.RawMessage(`{"query":"long sentences","mode":"style"}`))
	require.NoError(t, err)
	assert.Equal(t, ModeStyle, call.Mode)

	var results []searchResult
	require.NoError(t, json.Unmarshal([]byte(output), &results))
	assert.NotEmpty(t, results)
}

func TestSearchCorpusValidation(t *testing.T) {
	ts := newToolsetFixture(t)
	ctx := context.Background()

	_, _, err := ts.Execute(ctx, ToolSearchCorpus, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrBadToolInput)

	_, _, err = ts.Execute(ctx, ToolSearchCorpus, json.RawMessage(`{"query":"x","mode":"psychic"}`))
	assert.ErrorIs(t, err, ErrBadToolInput)

	_, _, err = ts.Execute(ctx, "launch_rockets", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTool)
}

func TestCiteReturnsSeenChunk(t *testing.T) {
	ts := newToolsetFixture(t)
	ctx := context.Background()

	// cite only works for chunks surfaced earlier in the run.
	_, _, err := ts.Execute(ctx, ToolCite, json.RawMessage(`{"chunk_id":"c1"}`))
	assert.ErrorIs(t, err, ErrUnknownChunk)

	_, _, err = ts.Execute(ctx, ToolSearchCorpus, json.RawMessage(`{"query":"craft sentence"}`))
	require.NoError(t, err)

	output, call, err := ts.Execute(ctx, ToolCite, json.RawMessage(`{"chunk_id":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, ToolCite, call.Tool)

	var result citeResult
	require.NoError(t, json.Unmarshal([]byte(output), &result))
	assert.Equal(t, "the craft of the sentence", result.Text)
	assert.Equal(t, "craft.txt", result.SourceFilename)
}

func TestSeenHitAccumulates(t *testing.T) {
	ts := newToolsetFixture(t)
	ctx := context.Background()

	_, ok := ts.SeenHit("c1")
	assert.False(t, ok)

	_, _, err := ts.Execute(ctx, ToolSearchCorpus, json.RawMessage(`{"query":"sentence argument"}`))
	require.NoError(t, err)

	hit, ok := ts.SeenHit("c1")
	require.True(t, ok)
	assert.Equal(t, "craft.txt", hit.SourceFilename)
}

func TestStylePackPrefersDistinctSources(t *testing.T) {
	ts := newToolsetFixture(t)

	pack := ts.StylePack(context.Background(), 2)
	require.Len(t, pack, 2)
	assert.NotEqual(t, pack[0].SourceFilename, pack[1].SourceFilename)
}

func TestDefinitionsCoverToolSurface(t *testing.T) {
	ts := newToolsetFixture(t)

	defs := ts.Definitions()
	require.Len(t, defs, 2)
	names := []string{defs[0].Name, defs[1].Name}
	assert.Contains(t, names, ToolSearchCorpus)
	assert.Contains(t, names, ToolCite)
}
