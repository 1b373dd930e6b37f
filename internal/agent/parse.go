package agent

import (
	"encoding/json"
	"strings"
)

// wrapper keys checked, in priority order, when the model returns an object
// instead of a bare array.
var wrapperKeys = []string{"feedback", "items", "analysis", "response"}

// parseFeedback extracts feedback items from a model response.
//
// It tries, in order: a direct parse of the whole response, unwrapping one
// level of object ({"feedback": [...]} and friends), and finally extracting
// the first balanced JSON array embedded in surrounding prose. Items that
// fail schema validation are skipped with a reason; they never fail the
// batch.
func parseFeedback(raw string) (items []FeedbackItem, skipped []string) {
	rawItems := extractArray(raw)
	if rawItems == nil {
		return nil, nil
	}

	for _, rawItem := range rawItems {
		item, err := normalizeItem(rawItem)
		if err != nil {
			skipped = append(skipped, err.Error())
			continue
		}
		items = append(items, *item)
	}
	return items, skipped
}

// extractArray finds the feedback array in the response text.
func extractArray(raw string) []map[string]any {
	raw = strings.TrimSpace(raw)

	// Models sometimes fence the JSON in a markdown block.
	raw = stripCodeFence(raw)

	// Direct array.
	var direct []map[string]any
	if err := json.Unmarshal([]byte(raw), &direct); err == nil {
		return direct
	}

	// One level of object wrapping.
	var wrapped map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil {
		for _, key := range wrapperKeys {
			inner, ok := wrapped[key]
			if !ok {
				continue
			}
			var arr []map[string]any
			if err := json.Unmarshal(inner, &arr); err == nil {
				return arr
			}
		}
	}

	// Salvage: first balanced array embedded in prose.
	if candidate := balancedArray(raw); candidate != "" {
		var arr []map[string]any
		if err := json.Unmarshal([]byte(candidate), &arr); err == nil {
			return arr
		}
	}

	return nil
}

// stripCodeFence removes a single surrounding markdown code fence.
func stripCodeFence(raw string) string {
	if !strings.HasPrefix(raw, "```") {
		return raw
	}
	body := raw[3:]
	if idx := strings.IndexByte(body, '\n'); idx >= 0 {
		body = body[idx+1:]
	}
	if idx := strings.LastIndex(body, "```"); idx >= 0 {
		body = body[:idx]
	}
	return strings.TrimSpace(body)
}

// balancedArray returns the first top-level balanced [...] in the text,
// respecting JSON string literals and escapes.
func balancedArray(raw string) string {
	start := strings.IndexByte(raw, '[')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		ch := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

// normalizeItem maps one raw object into a FeedbackItem, tolerating the
// field-name drift models exhibit, then validates it.
func normalizeItem(raw map[string]any) (*FeedbackItem, error) {
	item := FeedbackItem{
		Type:       stringField(raw, "type"),
		Category:   stringField(raw, "category"),
		Title:      firstString(raw, "title", "item", "issue", "area", "location"),
		Content:    firstString(raw, "content", "feedback", "recommendation", "action", "suggestion", "rationale"),
		Severity:   stringField(raw, "severity"),
		Confidence: floatField(raw, "confidence", 0.7),
	}
	if item.Type == "" {
		item.Type = TypeSuggestion
	}
	if item.Severity == "" {
		item.Severity = "medium"
	}
	if revision, ok := raw["suggested_revision"].(string); ok {
		item.SuggestedRevision = revision
	}

	item.chunkIDs, item.CorpusSources = normalizeSources(raw)
	item.Positions = normalizePositions(raw)

	if err := item.validate(); err != nil {
		return nil, err
	}
	return &item, nil
}

// normalizeSources collects corpus references: either structured
// corpus_sources objects or bare chunk-id strings under the legacy keys.
func normalizeSources(raw map[string]any) (chunkIDs []string, sources []CorpusSource) {
	if list, ok := raw["corpus_sources"].([]any); ok {
		for _, element := range list {
			obj, ok := element.(map[string]any)
			if !ok {
				continue
			}
			source := CorpusSource{
				Text:       stringField(obj, "text"),
				SourceFile: firstString(obj, "source_file", "source_filename", "source"),
				Relevance:  stringField(obj, "relevance"),
			}
			if source.Text != "" {
				sources = append(sources, source)
			}
		}
	}

	for _, key := range []string{"sources", "corpus_references", "grounding", "reference"} {
		list, ok := raw[key].([]any)
		if !ok {
			continue
		}
		for _, element := range list {
			if id, ok := element.(string); ok && id != "" {
				chunkIDs = append(chunkIDs, id)
			}
		}
	}
	return chunkIDs, sources
}

func normalizePositions(raw map[string]any) []Position {
	var positions []Position
	for _, key := range []string{"positions", "text_positions"} {
		list, ok := raw[key].([]any)
		if !ok {
			continue
		}
		for _, element := range list {
			obj, ok := element.(map[string]any)
			if !ok {
				continue
			}
			text, ok := obj["text"].(string)
			if !ok {
				continue
			}
			start, startOK := numberField(obj, "start")
			end, endOK := numberField(obj, "end")
			if !startOK || !endOK {
				continue
			}
			positions = append(positions, Position{Start: start, End: end, Text: text})
		}
		if positions != nil {
			break
		}
	}
	return positions
}

func stringField(raw map[string]any, key string) string {
	value, _ := raw[key].(string)
	return value
}

func firstString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if value, ok := raw[key].(string); ok && value != "" {
			return value
		}
	}
	return ""
}

func floatField(raw map[string]any, key string, fallback float64) float64 {
	switch value := raw[key].(type) {
	case float64:
		return value
	case json.Number:
		if f, err := value.Float64(); err == nil {
			return f
		}
	}
	return fallback
}

func numberField(raw map[string]any, key string) (int, bool) {
	if value, ok := raw[key].(float64); ok {
		return int(value), true
	}
	return 0, false
}
