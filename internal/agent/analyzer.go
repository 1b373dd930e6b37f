package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/julesdesai/writing-anima/internal/config"
	"github.com/julesdesai/writing-anima/internal/embed"
	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/llm"
	"github.com/julesdesai/writing-anima/internal/logging"
	"github.com/julesdesai/writing-anima/internal/persona"
	"github.com/julesdesai/writing-anima/internal/retrieval"
)

// consecutiveFailureLimit aborts the run on the third tool failure in a row.
const consecutiveFailureLimit = 3

// HistoryMessage is one prior exchange supplied by the client.
type HistoryMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// AnalyzeRequest carries one draft analysis.
type AnalyzeRequest struct {
	Draft    string
	Purpose  string
	Criteria []string
	History  []HistoryMessage
	MaxItems int
	Model    string
}

// ChatRequest carries one chat turn.
type ChatRequest struct {
	Message string
	History []HistoryMessage
	Model   string
}

// Analyzer drives the bounded tool-calling loop for analysis and chat.
//
// A run emits status frames while tools execute, then either feedback frames
// followed by exactly one complete frame, or exactly one error frame. After a
// client cancellation no further frames are emitted.
type Analyzer struct {
	llm          llm.Client
	index        index.Store
	embedder     embed.Client
	cfg          config.AgentConfig
	retrievalCfg config.RetrievalConfig
	temperature  float64
	logger       *logging.Logger
}

// New creates an Analyzer.
func New(client llm.Client, idx index.Store, embedder embed.Client, cfg config.AgentConfig, retrievalCfg config.RetrievalConfig, temperature float64, logger *logging.Logger) *Analyzer {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Analyzer{
		llm:          client,
		index:        idx,
		embedder:     embedder,
		cfg:          cfg,
		retrievalCfg: retrievalCfg,
		temperature:  temperature,
		logger:       logger.Named("agent"),
	}
}

// Run analyzes a draft as the given persona, emitting frames in production
// order. The stream always ends with exactly one terminal frame unless the
// client cancels first.
func (a *Analyzer) Run(ctx context.Context, p *persona.Persona, req AnalyzeRequest, emit Emit) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout.Duration())
	defer cancel()

	if strings.TrimSpace(req.Draft) == "" {
		a.emit(ctx, emit, errorFrame(KindValidationError, "empty draft"))
		return
	}

	maxItems := req.MaxItems
	if maxItems <= 0 || maxItems > a.cfg.MaxFeedbackItems {
		maxItems = a.cfg.MaxFeedbackItems
	}

	// Chunks were ingested but the collection is gone from the index.
	if !p.CorpusAvailable && p.ChunkCount > 0 {
		a.emit(ctx, emit, errorFrame(KindIndexUnavailable, "corpus index unavailable"))
		return
	}

	hasCorpus := p.CorpusAvailable && p.ChunkCount > 0
	toolset := retrieval.NewToolset(a.index, a.embedder, p.CollectionID, a.retrievalCfg)

	if !hasCorpus {
		if !a.emit(ctx, emit, statusFrame("no corpus indexed", nil, "setup")) {
			return
		}
	}

	var stylePack []index.Hit
	if a.retrievalCfg.StylePackEnabled && hasCorpus {
		stylePack = toolset.StylePack(ctx, a.retrievalCfg.StylePackSize)
	}

	system := criticSystemPrompt(p, maxItems, hasCorpus, stylePack)
	var tools []llm.Tool
	if hasCorpus {
		tools = toolset.Definitions()
	}

	messages := historyMessages(req.History)
	messages = append(messages, llm.UserMessage(buildAnalysisQuery(req.Draft, req.Purpose, req.Criteria)))

	model := req.Model
	if model == "" {
		model = p.ModelID
	}

	// Items parsed from intermediate responses, emitted as the best effort if
	// the iteration cap is hit.
	var salvage []FeedbackItem
	toolCalls := 0
	consecutiveFailures := 0

	for iteration := 0; iteration < a.cfg.MaxIterations; iteration++ {
		resp, err := a.llm.Messages(ctx, llm.Request{
			Model:       model,
			System:      system,
			Messages:    messages,
			Tools:       tools,
			Temperature: a.temperature,
		})
		if err != nil {
			a.finishOnModelError(ctx, emit, err)
			return
		}

		uses := resp.ToolUses()
		if len(uses) == 0 {
			a.finalize(ctx, emit, toolset, resp.Text(), maxItems, hasCorpus, start)
			return
		}

		if text := resp.Text(); text != "" {
			if items, _ := parseFeedback(text); len(items) > 0 {
				salvage = items
			}
		}

		results := make([]llm.ContentBlock, 0, len(uses))
		aborted := false
		for _, use := range uses {
			if toolCalls >= a.cfg.MaxToolCalls {
				results = append(results, llm.ToolResultBlock(use.ID,
					`{"error":"tool budget exhausted; produce your final JSON feedback now"}`))
				continue
			}
			toolCalls++

			output, call, err := a.dispatch(ctx, toolset, use)
			if err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					return
				}
				consecutiveFailures++
				kind := "ToolError"
				if errors.Is(err, context.DeadlineExceeded) {
					kind = "ToolTimeout"
					err = errors.New("timeout")
				}
				if !a.emit(ctx, emit, statusFrame(fmt.Sprintf("tool %s failed (%s)", use.Name, kind), nil, "search")) {
					return
				}
				if consecutiveFailures >= consecutiveFailureLimit {
					a.emit(ctx, emit, errorFrame(KindToolExhaustion, "three consecutive tool failures"))
					return
				}
				results = append(results, llm.ToolResultBlock(use.ID, fmt.Sprintf(`{"error":%q}`, kind+": "+err.Error())))
				continue
			}
			consecutiveFailures = 0

			message := "searching corpus"
			if call != nil && call.Query != "" {
				message = fmt.Sprintf("searching corpus for %q", call.Query)
			}
			if !a.emit(ctx, emit, statusFrame(message, call, "search")) {
				aborted = true
				break
			}
			results = append(results, llm.ToolResultBlock(use.ID, output))
		}
		if aborted {
			return
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
		messages = append(messages, llm.Message{Role: "user", Content: results})
	}

	// Iteration cap reached: emit the best effort if anything was salvaged.
	valid := a.prepareItems(salvage, maxItems, hasCorpus, toolset)
	if len(valid) == 0 {
		a.emit(ctx, emit, errorFrame(KindIterationCap, "iteration cap reached without feedback"))
		return
	}
	for _, item := range valid {
		if !a.emit(ctx, emit, feedbackFrame(item)) {
			return
		}
	}
	a.emit(ctx, emit, completeFrame(len(valid), time.Since(start).Seconds(), true))
}

// Chat runs one "speak as the persona" turn, emitting token frames followed
// by a terminal complete frame carrying the full response.
func (a *Analyzer) Chat(ctx context.Context, p *persona.Persona, req ChatRequest, emit Emit) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout.Duration())
	defer cancel()

	if strings.TrimSpace(req.Message) == "" {
		a.emit(ctx, emit, errorFrame(KindValidationError, "empty message"))
		return
	}

	hasCorpus := p.CorpusAvailable && p.ChunkCount > 0
	toolset := retrieval.NewToolset(a.index, a.embedder, p.CollectionID, a.retrievalCfg)

	var stylePack []index.Hit
	if a.retrievalCfg.StylePackEnabled && hasCorpus {
		stylePack = toolset.StylePack(ctx, a.retrievalCfg.StylePackSize)
	}

	system := chatSystemPrompt(p, hasCorpus, stylePack)
	var tools []llm.Tool
	if hasCorpus {
		tools = toolset.Definitions()
	}

	messages := historyMessages(req.History)
	messages = append(messages, llm.UserMessage(req.Message))

	model := req.Model
	if model == "" {
		model = p.ModelID
	}

	toolCalls := 0
	consecutiveFailures := 0

	for iteration := 0; iteration < a.cfg.MaxIterations; iteration++ {
		resp, err := a.llm.Messages(ctx, llm.Request{
			Model:       model,
			System:      system,
			Messages:    messages,
			Tools:       tools,
			Temperature: a.temperature,
		})
		if err != nil {
			a.finishOnModelError(ctx, emit, err)
			return
		}

		uses := resp.ToolUses()
		if len(uses) == 0 {
			response := resp.Text()
			for _, piece := range tokenPieces(response) {
				if !a.emit(ctx, emit, tokenFrame(piece)) {
					return
				}
			}
			a.emit(ctx, emit, chatCompleteFrame(response, time.Since(start).Seconds()))
			return
		}

		results := make([]llm.ContentBlock, 0, len(uses))
		for _, use := range uses {
			if toolCalls >= a.cfg.MaxToolCalls {
				results = append(results, llm.ToolResultBlock(use.ID,
					`{"error":"tool budget exhausted; answer now"}`))
				continue
			}
			toolCalls++

			output, call, err := a.dispatch(ctx, toolset, use)
			if err != nil {
				if errors.Is(ctx.Err(), context.Canceled) {
					return
				}
				consecutiveFailures++
				if !a.emit(ctx, emit, statusFrame(fmt.Sprintf("tool %s failed", use.Name), nil, "search")) {
					return
				}
				if consecutiveFailures >= consecutiveFailureLimit {
					a.emit(ctx, emit, errorFrame(KindToolExhaustion, "three consecutive tool failures"))
					return
				}
				results = append(results, llm.ToolResultBlock(use.ID, fmt.Sprintf(`{"error":%q}`, err.Error())))
				continue
			}
			consecutiveFailures = 0

			if !a.emit(ctx, emit, statusFrame("recalling from corpus", call, "search")) {
				return
			}
			results = append(results, llm.ToolResultBlock(use.ID, output))
		}

		messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
		messages = append(messages, llm.Message{Role: "user", Content: results})
	}

	a.emit(ctx, emit, errorFrame(KindIterationCap, "iteration cap reached without a response"))
}

// finalize parses the model's final message and emits feedback frames plus
// the terminal frame.
func (a *Analyzer) finalize(ctx context.Context, emit Emit, toolset *retrieval.Toolset, text string, maxItems int, hasCorpus bool, start time.Time) {
	items, skipped := parseFeedback(text)
	for _, reason := range skipped {
		a.logger.Warn(ctx, "feedback item skipped", zap.String("reason", reason))
	}

	valid := a.prepareItems(items, maxItems, hasCorpus, toolset)
	if len(valid) == 0 {
		a.emit(ctx, emit, errorFrame(KindValidationError, "model produced no valid feedback items"))
		return
	}

	for _, item := range valid {
		if !a.emit(ctx, emit, feedbackFrame(item)) {
			return
		}
	}
	a.emit(ctx, emit, completeFrame(len(valid), time.Since(start).Seconds(), false))
}

// prepareItems caps the list, resolves chunk-id citations against hits seen
// this run, and clamps confidence for corpus-less runs.
func (a *Analyzer) prepareItems(items []FeedbackItem, maxItems int, hasCorpus bool, toolset *retrieval.Toolset) []FeedbackItem {
	if len(items) > maxItems {
		items = items[:maxItems]
	}

	prepared := make([]FeedbackItem, 0, len(items))
	for _, item := range items {
		for _, chunkID := range item.chunkIDs {
			if hit, ok := toolset.SeenHit(chunkID); ok {
				item.CorpusSources = append(item.CorpusSources, CorpusSource{
					Text:       hit.Text,
					SourceFile: hit.SourceFilename,
				})
			} else {
				// Unknown id: keep the citation as the plain text the model
				// supplied.
				item.CorpusSources = append(item.CorpusSources, CorpusSource{Text: chunkID})
			}
		}
		if !hasCorpus {
			if item.Confidence > 0.3 {
				item.Confidence = 0.3
			}
			item.CorpusSources = []CorpusSource{}
		}
		prepared = append(prepared, item)
	}
	return prepared
}

// dispatch executes one tool call under the per-tool timeout.
func (a *Analyzer) dispatch(ctx context.Context, toolset *retrieval.Toolset, use llm.ContentBlock) (string, *retrieval.Call, error) {
	toolCtx, cancel := context.WithTimeout(ctx, a.cfg.ToolTimeout.Duration())
	defer cancel()
	return toolset.Execute(toolCtx, use.Name, use.Input)
}

// finishOnModelError maps a model call failure onto the terminal frame.
// Client cancellation emits nothing.
func (a *Analyzer) finishOnModelError(ctx context.Context, emit Emit, err error) {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		// Transport severed; the contract forbids further frames.
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		emit(errorFrame(KindTimedOut, "analysis timed out"))
	default:
		a.logger.Error(ctx, "model call failed", zap.Error(err))
		emit(errorFrame(KindModelFailure, err.Error()))
	}
}

// emit delivers one frame unless the client has gone away. Returns false when
// the producer should stop.
func (a *Analyzer) emit(ctx context.Context, emit Emit, frame Frame) bool {
	if errors.Is(ctx.Err(), context.Canceled) {
		return false
	}
	return emit(frame) == nil
}

// historyMessages converts client-held history to model messages, keeping the
// last three exchanges.
func historyMessages(history []HistoryMessage) []llm.Message {
	const keep = 6 // three user/assistant exchanges
	if len(history) > keep {
		history = history[len(history)-keep:]
	}

	messages := make([]llm.Message, 0, len(history)+1)
	for _, h := range history {
		if h.Role != "user" && h.Role != "assistant" {
			continue
		}
		messages = append(messages, llm.Message{Role: h.Role, Content: []llm.ContentBlock{llm.TextBlock(h.Content)}})
	}
	return messages
}

// tokenPieces splits a response into word-preserving chunks for token frames.
func tokenPieces(text string) []string {
	const pieceRunes = 48

	var pieces []string
	runes := []rune(text)
	for start := 0; start < len(runes); {
		end := start + pieceRunes
		if end >= len(runes) {
			pieces = append(pieces, string(runes[start:]))
			break
		}
		// Extend to the next space so words stay whole.
		for end < len(runes) && runes[end] != ' ' && runes[end] != '\n' {
			end++
		}
		pieces = append(pieces, string(runes[start:end]))
		start = end
	}
	return pieces
}
