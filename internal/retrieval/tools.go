// Package retrieval exposes the corpus search tools the agent may call.
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/julesdesai/writing-anima/internal/config"
	"github.com/julesdesai/writing-anima/internal/embed"
	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/llm"
)

// Search modes accepted by search_corpus.
const (
	ModeHybrid  = "hybrid"
	ModeContent = "content"
	ModeStyle   = "style"
)

// stylePrefix steers the embedding toward stylistic features for style-mode
// dense search.
const stylePrefix = "focus on stylistic features: "

// Tool names.
const (
	ToolSearchCorpus = "search_corpus"
	ToolCite         = "cite"
)

var (
	// ErrUnknownTool is returned for tool names outside the surface.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrBadToolInput indicates malformed tool input.
	ErrBadToolInput = errors.New("bad tool input")

	// ErrUnknownChunk is returned when cite references a chunk not seen in
	// this run.
	ErrUnknownChunk = errors.New("unknown chunk id")
)

// Call records one executed tool call for telemetry.
type Call struct {
	Tool     string `json:"tool"`
	Query    string `json:"query,omitempty"`
	Mode     string `json:"mode,omitempty"`
	K        int    `json:"k,omitempty"`
	Returned int    `json:"returned"`
}

// Toolset is the tool surface bound to one persona collection for one run.
// It remembers every hit returned so feedback citations can be enriched with
// verbatim corpus text.
type Toolset struct {
	index        index.Store
	embedder     embed.Client
	collectionID string
	cfg          config.RetrievalConfig

	mu   sync.Mutex
	seen map[string]index.Hit
}

// NewToolset creates a run-scoped toolset for the given collection.
func NewToolset(idx index.Store, embedder embed.Client, collectionID string, cfg config.RetrievalConfig) *Toolset {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = 5
	}
	if cfg.MaxK <= 0 {
		cfg.MaxK = 80
	}
	return &Toolset{
		index:        idx,
		embedder:     embedder,
		collectionID: collectionID,
		cfg:          cfg,
		seen:         make(map[string]index.Hit),
	}
}

// Definitions returns the tool schemas offered to the model.
func (t *Toolset) Definitions() []llm.Tool {
	return []llm.Tool{
		{
			Name: ToolSearchCorpus,
			Description: "Search the author's corpus for passages relevant to a query. " +
				"Returns excerpts showing what the author has written and how they write it. " +
				"Use mode 'content' for ideas and arguments, 'style' for voice and phrasing, " +
				"or the default 'hybrid' for both. Try different phrasings if a search returns " +
				"too little.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Search query. Be specific about what you are looking for.",
					},
					"mode": map[string]any{
						"type":        "string",
						"enum":        []string{ModeHybrid, ModeContent, ModeStyle},
						"description": "Retrieval mode. Defaults to hybrid.",
					},
					"k": map[string]any{
						"type":        "integer",
						"description": fmt.Sprintf("Number of results to return. Default %d, max %d.", t.cfg.DefaultK, t.cfg.MaxK),
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name: ToolCite,
			Description: "Fetch the verbatim text and source filename of a chunk returned by an " +
				"earlier search_corpus call, for quoting in a feedback citation.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"chunk_id": map[string]any{
						"type":        "string",
						"description": "Chunk id from a previous search result.",
					},
				},
				"required": []string{"chunk_id"},
			},
		},
	}
}

// Execute runs one tool call and returns the JSON result for the model plus
// a telemetry record.
func (t *Toolset) Execute(ctx context.Context, name string, input json.RawMessage) (string, *Call, error) {
	switch name {
	case ToolSearchCorpus:
		return t.searchCorpus(ctx, input)
	case ToolCite:
		return t.cite(input)
	default:
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

// SeenHit returns a hit surfaced earlier in this run by chunk id.
func (t *Toolset) SeenHit(chunkID string) (index.Hit, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hit, ok := t.seen[chunkID]
	return hit, ok
}

type searchInput struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
	K     int    `json:"k"`
}

type searchResult struct {
	ChunkID        string  `json:"chunk_id"`
	Text           string  `json:"text"`
	SourceFilename string  `json:"source_filename"`
	Score          float64 `json:"score"`
	Mode           string  `json:"mode"`
}

func (t *Toolset) searchCorpus(ctx context.Context, input json.RawMessage) (string, *Call, error) {
	var params searchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadToolInput, err)
	}
	if params.Query == "" {
		return "", nil, fmt.Errorf("%w: query required", ErrBadToolInput)
	}
	if params.Mode == "" {
		params.Mode = ModeHybrid
	}
	if params.K <= 0 {
		params.K = t.cfg.DefaultK
	}
	if params.K > t.cfg.MaxK {
		params.K = t.cfg.MaxK
	}

	hits, err := t.search(ctx, params)
	if err != nil {
		return "", nil, err
	}

	t.remember(hits)

	results := make([]searchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, searchResult{
			ChunkID:        hit.ChunkID,
			Text:           hit.Text,
			SourceFilename: hit.SourceFilename,
			Score:          hit.Score,
			Mode:           params.Mode,
		})
	}

	payload, err := json.Marshal(results)
	if err != nil {
		return "", nil, fmt.Errorf("marshaling results: %w", err)
	}

	return string(payload), &Call{
		Tool:     ToolSearchCorpus,
		Query:    params.Query,
		Mode:     params.Mode,
		K:        params.K,
		Returned: len(results),
	}, nil
}

func (t *Toolset) search(ctx context.Context, params searchInput) ([]index.Hit, error) {
	switch params.Mode {
	case ModeStyle:
		vector, err := t.embedder.EmbedQuery(ctx, stylePrefix+params.Query)
		if err != nil {
			return nil, err
		}
		return t.index.SearchDense(ctx, t.collectionID, vector, params.K)
	case ModeContent, ModeHybrid:
		vector, err := t.embedder.EmbedQuery(ctx, params.Query)
		if err != nil {
			return nil, err
		}
		return t.index.SearchHybrid(ctx, t.collectionID, params.Query, vector, params.K)
	default:
		return nil, fmt.Errorf("%w: mode %q", ErrBadToolInput, params.Mode)
	}
}

type citeInput struct {
	ChunkID string `json:"chunk_id"`
}

type citeResult struct {
	ChunkID        string `json:"chunk_id"`
	Text           string `json:"text"`
	SourceFilename string `json:"source_filename"`
}

func (t *Toolset) cite(input json.RawMessage) (string, *Call, error) {
	var params citeInput
	if err := json.Unmarshal(input, &params); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrBadToolInput, err)
	}
	if params.ChunkID == "" {
		return "", nil, fmt.Errorf("%w: chunk_id required", ErrBadToolInput)
	}

	hit, ok := t.SeenHit(params.ChunkID)
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrUnknownChunk, params.ChunkID)
	}

	payload, err := json.Marshal(citeResult{
		ChunkID:        hit.ChunkID,
		Text:           hit.Text,
		SourceFilename: hit.SourceFilename,
	})
	if err != nil {
		return "", nil, fmt.Errorf("marshaling result: %w", err)
	}

	return string(payload), &Call{Tool: ToolCite, Returned: 1}, nil
}

// StylePack samples up to n hits from distinct source files for system-prompt
// style grounding. Returns nil when the corpus is empty or missing.
func (t *Toolset) StylePack(ctx context.Context, n int) []index.Hit {
	if n <= 0 {
		return nil
	}

	// A very common word seeds a broad lexical sample of the corpus.
	hits, err := t.index.SearchLexical(ctx, t.collectionID, "the", n*5)
	if err != nil || len(hits) == 0 {
		return nil
	}

	// First pass takes one hit per source file, second pass fills whatever
	// room is left.
	var pack []index.Hit
	seenSources := make(map[string]bool)
	taken := make(map[string]bool)
	for _, hit := range hits {
		if seenSources[hit.SourceFilename] {
			continue
		}
		seenSources[hit.SourceFilename] = true
		taken[hit.ChunkID] = true
		pack = append(pack, hit)
		if len(pack) >= n {
			return pack
		}
	}
	for _, hit := range hits {
		if taken[hit.ChunkID] {
			continue
		}
		pack = append(pack, hit)
		if len(pack) >= n {
			break
		}
	}
	return pack
}

func (t *Toolset) remember(hits []index.Hit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, hit := range hits {
		t.seen[hit.ChunkID] = hit
	}
}
