package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/julesdesai/writing-anima/internal/config"
	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/llm"
	"github.com/julesdesai/writing-anima/internal/logging"
	"github.com/julesdesai/writing-anima/internal/persona"
)

// scriptedLLM replays canned responses in order, repeating the last one when
// the script runs out. It respects context cancellation like a real client.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []*llm.Response
	requests  []llm.Request
}

func (s *scriptedLLM) Messages(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	if len(s.responses) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// fakeEmbedder returns deterministic unit vectors. failures and blockFirst
// shape the error cases.
type fakeEmbedder struct {
	mu         sync.Mutex
	alwaysFail bool
	blockOnce  bool
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := f.EmbedQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vector
	}
	return vectors, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if f.alwaysFail {
		return nil, errors.New("embedder down")
	}

	f.mu.Lock()
	block := f.blockOnce
	f.blockOnce = false
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	// Crude deterministic direction from the first byte.
	switch {
	case len(text) == 0:
		return []float32{1, 0, 0}, nil
	case text[0]%3 == 0:
		return []float32{1, 0, 0}, nil
	case text[0]%3 == 1:
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func (f *fakeEmbedder) Dimension() int { return 3 }

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		MaxIterations:    20,
		MaxToolCalls:     10,
		MaxFeedbackItems: 10,
		ToolTimeout:      config.Duration(100 * time.Millisecond),
		RequestTimeout:   config.Duration(10 * time.Second),
	}
}

func testRetrievalConfig() config.RetrievalConfig {
	return config.RetrievalConfig{DefaultK: 5, MaxK: 80}
}

func seededIndex(t *testing.T) index.Store {
	t.Helper()

	idx, err := index.NewChromemStore("", logging.NewNop())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, idx.Create(ctx, "col", 3))
	require.NoError(t, idx.Upsert(ctx, "col", []index.Entry{
		{
			ChunkID: "c1",
			Vector:  []float32{1, 0, 0},
			Text:    "a passage about cadence and rhythm",
			Payload: index.Payload{DocumentID: "doc-1", Ordinal: 0, SourceFilename: "essays.txt"},
		},
		{
			ChunkID: "c2",
			Vector:  []float32{0, 1, 0},
			Text:    "a passage about evidence and argument",
			Payload: index.Payload{DocumentID: "doc-1", Ordinal: 1, SourceFilename: "essays.txt"},
		},
	}))
	return idx
}

func testPersona(chunkCount int) *persona.Persona {
	return &persona.Persona{
		ID:              "persona-1",
		OwnerID:         "user-1",
		Name:            "The Critic",
		ModelID:         "test-model",
		CollectionID:    "col",
		ChunkCount:      chunkCount,
		CorpusAvailable: chunkCount > 0,
	}
}

func toolUseResponse(id, name, input string) *llm.Response {
	return &llm.Response{
		StopReason: llm.StopToolUse,
		Content: []llm.ContentBlock{
			{Type: llm.BlockToolUse, ID: id, Name: name, Input: json.RawMessage(input)},
		},
	}
}

func textResponse(text string) *llm.Response {
	return &llm.Response{
		StopReason: llm.StopEndTurn,
		Content:    []llm.ContentBlock{llm.TextBlock(text)},
	}
}

func feedbackJSON(titles ...string) string {
	items := make([]map[string]any, 0, len(titles))
	for _, title := range titles {
		items = append(items, map[string]any{
			"type":       "issue",
			"category":   "clarity",
			"title":      title,
			"content":    "content for " + title,
			"severity":   "medium",
			"confidence": 0.8,
		})
	}
	payload, _ := json.Marshal(items)
	return string(payload)
}

func collectFrames(t *testing.T, a *Analyzer, p *persona.Persona, req AnalyzeRequest) []Frame {
	t.Helper()
	var frames []Frame
	a.Run(context.Background(), p, req, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	return frames
}

func assertSingleTerminal(t *testing.T, frames []Frame) {
	t.Helper()
	require.NotEmpty(t, frames)
	terminals := 0
	for _, f := range frames {
		if f.Terminal() {
			terminals++
		}
	}
	assert.Equal(t, 1, terminals, "exactly one terminal frame")
	assert.True(t, frames[len(frames)-1].Terminal(), "terminal frame must be last")
}

func TestRunEmptyDraft(t *testing.T) {
	client := &scriptedLLM{}
	a := New(client, seededIndex(t), &fakeEmbedder{}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	frames := collectFrames(t, a, testPersona(2), AnalyzeRequest{Draft: "   "})

	require.Len(t, frames, 1)
	assert.Equal(t, FrameError, frames[0].Type)
	assert.Equal(t, KindValidationError, frames[0].Kind)
	assert.Equal(t, "empty draft", frames[0].Message)
	assert.Zero(t, client.callCount(), "no model call before validation")
}

func TestRunHappyPathWithEnrichment(t *testing.T) {
	item := `[{
		"type": "praise",
		"category": "voice",
		"title": "Cadence holds",
		"content": "The rhythm matches the corpus.",
		"severity": "low",
		"confidence": 0.9,
		"sources": ["c1", "ghost-chunk"]
	}]`
	client := &scriptedLLM{responses: []*llm.Response{
		toolUseResponse("t1", "search_corpus", `{"query":"cadence and rhythm"}`),
		textResponse(item),
	}}
	a := New(client, seededIndex(t), &fakeEmbedder{}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	frames := collectFrames(t, a, testPersona(2), AnalyzeRequest{Draft: "A draft about rhythm."})
	assertSingleTerminal(t, frames)

	// status (search) -> feedback -> complete
	require.Len(t, frames, 3)
	assert.Equal(t, FrameStatus, frames[0].Type)
	require.NotNil(t, frames[0].Tool)
	assert.Equal(t, "search_corpus", frames[0].Tool.Tool)
	assert.Equal(t, "cadence and rhythm", frames[0].Tool.Query)
	assert.Positive(t, frames[0].Tool.Returned)

	require.Equal(t, FrameFeedback, frames[1].Type)
	sources := frames[1].Item.CorpusSources
	require.Len(t, sources, 2)
	assert.Equal(t, "a passage about cadence and rhythm", sources[0].Text)
	assert.Equal(t, "essays.txt", sources[0].SourceFile)
	// Unknown id normalized to the plain text the model supplied.
	assert.Equal(t, "ghost-chunk", sources[1].Text)
	assert.Empty(t, sources[1].SourceFile)

	complete := frames[2]
	assert.Equal(t, FrameComplete, complete.Type)
	assert.Equal(t, 1, complete.TotalItems)
	assert.False(t, complete.Partial)
	assert.GreaterOrEqual(t, complete.ProcessingTime, 0.0)
}

func TestRunNoCorpus(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		textResponse(feedbackJSON("General impression")),
	}}
	a := New(client, seededIndex(t), &fakeEmbedder{}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	frames := collectFrames(t, a, testPersona(0), AnalyzeRequest{Draft: "A draft."})
	assertSingleTerminal(t, frames)

	assert.Equal(t, FrameStatus, frames[0].Type)
	assert.Equal(t, "no corpus indexed", frames[0].Message)

	var sawFeedback bool
	for _, f := range frames {
		if f.Type == FrameFeedback {
			sawFeedback = true
			assert.LessOrEqual(t, f.Item.Confidence, 0.3)
			assert.Empty(t, f.Item.CorpusSources)
		}
	}
	assert.True(t, sawFeedback)

	// The model must not have been offered tools.
	require.NotEmpty(t, client.requests)
	assert.Empty(t, client.requests[0].Tools)
}

func TestRunToolTimeoutRecovery(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		toolUseResponse("t1", "search_corpus", `{"query":"first"}`),
		toolUseResponse("t2", "search_corpus", `{"query":"second"}`),
		textResponse(feedbackJSON("After recovery")),
	}}
	embedder := &fakeEmbedder{blockOnce: true}
	a := New(client, seededIndex(t), embedder, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	frames := collectFrames(t, a, testPersona(2), AnalyzeRequest{Draft: "Draft."})
	assertSingleTerminal(t, frames)

	assert.Equal(t, FrameComplete, frames[len(frames)-1].Type)

	var sawTimeout bool
	for _, f := range frames {
		if f.Type == FrameStatus && f.Tool == nil && f.Message != "" {
			sawTimeout = true
			assert.Contains(t, f.Message, "ToolTimeout")
		}
	}
	assert.True(t, sawTimeout, "expected a status frame noting the timeout")
}

func TestRunToolExhaustion(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		toolUseResponse("t1", "search_corpus", `{"query":"one"}`),
	}}
	a := New(client, seededIndex(t), &fakeEmbedder{alwaysFail: true}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	frames := collectFrames(t, a, testPersona(2), AnalyzeRequest{Draft: "Draft."})
	assertSingleTerminal(t, frames)

	last := frames[len(frames)-1]
	assert.Equal(t, FrameError, last.Type)
	assert.Equal(t, KindToolExhaustion, last.Kind)

	failures := 0
	for _, f := range frames {
		if f.Type == FrameStatus {
			failures++
		}
	}
	assert.Equal(t, consecutiveFailureLimit, failures)
}

func TestRunIterationCapWithoutSalvage(t *testing.T) {
	cfg := testAgentConfig()
	cfg.MaxIterations = 4
	cfg.MaxToolCalls = 2

	client := &scriptedLLM{responses: []*llm.Response{
		toolUseResponse("loop", "search_corpus", `{"query":"again"}`),
	}}
	a := New(client, seededIndex(t), &fakeEmbedder{}, cfg, testRetrievalConfig(), 1.0, logging.NewNop())

	frames := collectFrames(t, a, testPersona(2), AnalyzeRequest{Draft: "Draft."})
	assertSingleTerminal(t, frames)

	last := frames[len(frames)-1]
	assert.Equal(t, FrameError, last.Type)
	assert.Equal(t, KindIterationCap, last.Kind)
	assert.Equal(t, cfg.MaxIterations, client.callCount())
}

func TestRunIterationCapWithSalvage(t *testing.T) {
	cfg := testAgentConfig()
	cfg.MaxIterations = 3
	cfg.MaxToolCalls = 10

	// The model keeps calling tools but one response also carried parseable
	// items; those are the best effort at the cap.
	withText := &llm.Response{
		StopReason: llm.StopToolUse,
		Content: []llm.ContentBlock{
			llm.TextBlock(feedbackJSON("Salvaged item")),
			{Type: llm.BlockToolUse, ID: "t1", Name: "search_corpus", Input: json.RawMessage(`{"query":"more"}`)},
		},
	}
	client := &scriptedLLM{responses: []*llm.Response{withText}}
	a := New(client, seededIndex(t), &fakeEmbedder{}, cfg, testRetrievalConfig(), 1.0, logging.NewNop())

	frames := collectFrames(t, a, testPersona(2), AnalyzeRequest{Draft: "Draft."})
	assertSingleTerminal(t, frames)

	last := frames[len(frames)-1]
	require.Equal(t, FrameComplete, last.Type)
	assert.True(t, last.Partial)
	assert.Equal(t, 1, last.TotalItems)

	var feedbackCount int
	for _, f := range frames {
		if f.Type == FrameFeedback {
			feedbackCount++
			assert.Equal(t, "Salvaged item", f.Item.Title)
		}
	}
	assert.Equal(t, 1, feedbackCount)
}

func TestRunMaxItemsCap(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		textResponse(feedbackJSON("one", "two", "three", "four", "five")),
	}}
	a := New(client, seededIndex(t), &fakeEmbedder{}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	frames := collectFrames(t, a, testPersona(2), AnalyzeRequest{Draft: "Draft.", MaxItems: 2})
	assertSingleTerminal(t, frames)

	feedbackCount := 0
	for _, f := range frames {
		if f.Type == FrameFeedback {
			feedbackCount++
		}
	}
	assert.Equal(t, 2, feedbackCount)
	assert.Equal(t, 2, frames[len(frames)-1].TotalItems)
}

func TestRunUnparseableFinalResponse(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		textResponse("I have thoughts but no JSON."),
	}}
	a := New(client, seededIndex(t), &fakeEmbedder{}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	frames := collectFrames(t, a, testPersona(2), AnalyzeRequest{Draft: "Draft."})
	assertSingleTerminal(t, frames)

	last := frames[len(frames)-1]
	assert.Equal(t, FrameError, last.Type)
	assert.Equal(t, KindValidationError, last.Kind)
}

func TestRunCancellationStopsFrames(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		toolUseResponse("t1", "search_corpus", `{"query":"anything"}`),
		textResponse(feedbackJSON("never emitted")),
	}}
	a := New(client, seededIndex(t), &fakeEmbedder{}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	var frames []Frame
	a.Run(ctx, testPersona(2), AnalyzeRequest{Draft: "Draft."}, func(f Frame) error {
		frames = append(frames, f)
		// The client disconnects right after the first frame.
		cancel()
		return nil
	})

	require.Len(t, frames, 1, "no frames after cancellation")
	assert.False(t, frames[0].Terminal(), "no terminal frame after cancellation")
}

func TestRunFrameOrdering(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		toolUseResponse("t1", "search_corpus", `{"query":"alpha"}`),
		toolUseResponse("t2", "search_corpus", `{"query":"beta"}`),
		textResponse(feedbackJSON("first", "second")),
	}}
	a := New(client, seededIndex(t), &fakeEmbedder{}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	frames := collectFrames(t, a, testPersona(2), AnalyzeRequest{Draft: "Draft."})
	assertSingleTerminal(t, frames)

	// Status frames first, in dispatch order; feedback in model order.
	var queries, titles []string
	for _, f := range frames {
		switch f.Type {
		case FrameStatus:
			assert.Empty(t, titles, "status frames precede feedback frames")
			if f.Tool != nil {
				queries = append(queries, f.Tool.Query)
			}
		case FrameFeedback:
			titles = append(titles, f.Item.Title)
		}
	}
	assert.Equal(t, []string{"alpha", "beta"}, queries)
	assert.Equal(t, []string{"first", "second"}, titles)
}

func TestChatEmitsTokensAndComplete(t *testing.T) {
	response := "Well. I have always believed that revision is where writing actually happens, and this draft has not yet been revised."
	client := &scriptedLLM{responses: []*llm.Response{
		toolUseResponse("t1", "search_corpus", `{"query":"revision"}`),
		textResponse(response),
	}}
	a := New(client, seededIndex(t), &fakeEmbedder{}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	var frames []Frame
	a.Chat(context.Background(), testPersona(2), ChatRequest{Message: "What do you think of my draft?"}, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})
	assertSingleTerminal(t, frames)

	var rebuilt string
	for _, f := range frames {
		if f.Type == FrameToken {
			rebuilt += f.Content
		}
	}
	assert.Equal(t, response, rebuilt, "token frames must reassemble the full response")

	last := frames[len(frames)-1]
	require.Equal(t, FrameComplete, last.Type)
	assert.Equal(t, response, last.Response)
}

func TestChatEmptyMessage(t *testing.T) {
	a := New(&scriptedLLM{}, seededIndex(t), &fakeEmbedder{}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	var frames []Frame
	a.Chat(context.Background(), testPersona(2), ChatRequest{Message: ""}, func(f Frame) error {
		frames = append(frames, f)
		return nil
	})

	require.Len(t, frames, 1)
	assert.Equal(t, KindValidationError, frames[0].Kind)
}

func TestRunModelOverride(t *testing.T) {
	client := &scriptedLLM{responses: []*llm.Response{
		textResponse(feedbackJSON("x")),
	}}
	a := New(client, seededIndex(t), &fakeEmbedder{}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())

	collectFrames(t, a, testPersona(2), AnalyzeRequest{Draft: "Draft.", Model: "override-model"})
	require.NotEmpty(t, client.requests)
	assert.Equal(t, "override-model", client.requests[0].Model)

	client2 := &scriptedLLM{responses: []*llm.Response{
		textResponse(feedbackJSON("x")),
	}}
	a2 := New(client2, seededIndex(t), &fakeEmbedder{}, testAgentConfig(), testRetrievalConfig(), 1.0, logging.NewNop())
	collectFrames(t, a2, testPersona(2), AnalyzeRequest{Draft: "Draft."})
	assert.Equal(t, "test-model", client2.requests[0].Model)
}

