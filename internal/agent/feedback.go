// Package agent drives the bounded tool-calling loop that turns a draft and a
// persona corpus into structured feedback, streamed as frames.
package agent

import (
	"fmt"

	"github.com/google/uuid"
)

// Feedback item types.
const (
	TypeIssue      = "issue"
	TypeSuggestion = "suggestion"
	TypePraise     = "praise"
	TypeQuestion   = "question"
)

// Feedback categories.
var validCategories = map[string]bool{
	"clarity":   true,
	"style":     true,
	"logic":     true,
	"evidence":  true,
	"structure": true,
	"voice":     true,
	"craft":     true,
}

var validTypes = map[string]bool{
	TypeIssue:      true,
	TypeSuggestion: true,
	TypePraise:     true,
	TypeQuestion:   true,
}

var validSeverities = map[string]bool{
	"low":    true,
	"medium": true,
	"high":   true,
}

// CorpusSource is one corpus passage grounding a feedback item.
type CorpusSource struct {
	Text       string `json:"text"`
	SourceFile string `json:"source_file,omitempty"`
	Relevance  string `json:"relevance,omitempty"`
}

// Position is a span within the draft that a feedback item refers to.
type Position struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// FeedbackItem is one atomic critique unit.
type FeedbackItem struct {
	ID                string         `json:"id"`
	Type              string         `json:"type"`
	Category          string         `json:"category"`
	Title             string         `json:"title"`
	Content           string         `json:"content"`
	Severity          string         `json:"severity"`
	Confidence        float64        `json:"confidence"`
	SuggestedRevision string         `json:"suggested_revision,omitempty"`
	CorpusSources     []CorpusSource `json:"corpus_sources"`
	Positions         []Position     `json:"positions,omitempty"`

	// chunkIDs are raw corpus references from the model, resolved against the
	// hits seen during the run before emission.
	chunkIDs []string
}

// validate checks the item against the feedback schema. Fields with safe
// defaults are normalized in place.
func (item *FeedbackItem) validate() error {
	if !validTypes[item.Type] {
		return fmt.Errorf("invalid type %q", item.Type)
	}
	if !validCategories[item.Category] {
		return fmt.Errorf("invalid category %q", item.Category)
	}
	if item.Title == "" {
		return fmt.Errorf("missing title")
	}
	if item.Content == "" {
		return fmt.Errorf("missing content")
	}
	if !validSeverities[item.Severity] {
		return fmt.Errorf("invalid severity %q", item.Severity)
	}
	if item.Confidence < 0 || item.Confidence > 1 {
		return fmt.Errorf("confidence %f out of range", item.Confidence)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CorpusSources == nil {
		item.CorpusSources = []CorpusSource{}
	}
	return nil
}
