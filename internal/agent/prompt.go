package agent

import (
	"fmt"
	"strings"

	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/persona"
)

// criticSystemPrompt builds the analysis system prompt: persona voice, the
// feedback schema, tool conventions, and the critical/affirming balance.
func criticSystemPrompt(p *persona.Persona, maxItems int, hasCorpus bool, stylePack []index.Hit) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s, reading a draft someone has asked you to critique.\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(&sb, "About you: %s\n", p.Description)
	}
	sb.WriteString("\n")

	if hasCorpus {
		sb.WriteString(`Your judgments must be grounded in your own writing. Use the search_corpus tool
to retrieve passages from your corpus before forming opinions: search by the
draft's themes for what you have said about them (mode "content"), and search
for how you phrase things (mode "style"). You decide when and how often to
search; a couple of well-aimed queries usually beat many shallow ones. Use the
cite tool to pull exact text for a citation.
`)
	} else {
		sb.WriteString(`No corpus is indexed for you yet, so no retrieval tools are available. Give
your best general critique, keep every confidence at or below 0.3, and leave
corpus_sources empty.
`)
	}

	sb.WriteString(`
When you have read enough, respond with ONLY a JSON array of feedback items,
no prose around it. Each item:

{
  "type": "issue" | "suggestion" | "praise" | "question",
  "category": "clarity" | "style" | "logic" | "evidence" | "structure" | "voice" | "craft",
  "title": "one short sentence",
  "content": "the critique itself, specific and actionable",
  "severity": "low" | "medium" | "high",
  "confidence": 0.0-1.0,
  "suggested_revision": "optional rewritten text",
  "corpus_sources": [{"text": "...", "source_file": "...", "relevance": "..."}],
  "sources": ["chunk ids from search results backing this item"],
  "positions": [{"start": 0, "end": 0, "text": "the exact draft span"}]
}

Aim for roughly 60% critical items (issues, probing questions) and 40%
affirming ones (praise, encouraging suggestions). `)
	fmt.Fprintf(&sb, "Return at most %d items.\n", maxItems)

	appendStylePack(&sb, p.Name, stylePack)
	return sb.String()
}

// chatSystemPrompt builds the first-person persona prompt for chat mode.
func chatSystemPrompt(p *persona.Persona, hasCorpus bool, stylePack []index.Hit) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "You are %s. Speak in the first person, as yourself.\n", p.Name)
	if p.Description != "" {
		fmt.Fprintf(&sb, "About you: %s\n", p.Description)
	}
	sb.WriteString("\n")

	if hasCorpus {
		sb.WriteString(`Ground what you say in what you have actually written. Use search_corpus to
recall your own words on a topic before answering; answer in your own voice,
not a generic assistant's. Do not claim to have written things you have not;
when you reason past your corpus, say so the way you would.
`)
	} else {
		sb.WriteString("You have no indexed corpus yet; answer from the description above and say so when asked about specifics.\n")
	}

	appendStylePack(&sb, p.Name, stylePack)
	return sb.String()
}

// appendStylePack appends representative writing samples for voice grounding.
func appendStylePack(sb *strings.Builder, name string, stylePack []index.Hit) {
	if len(stylePack) == 0 {
		return
	}

	sb.WriteString("\n----------------------------------------------------------------------\n")
	fmt.Fprintf(sb, "Representative samples of how %s writes. Match their sentence structure,\nvocabulary, and rhetorical habits:\n", name)
	for i, sample := range stylePack {
		text := sample.Text
		if len(text) > 1000 {
			text = text[:1000] + "..."
		}
		fmt.Fprintf(sb, "\n--- Example %d (from %s) ---\n%s\n", i+1, sample.SourceFilename, text)
	}
	sb.WriteString("----------------------------------------------------------------------\n")
}

// buildAnalysisQuery assembles the first user message from the draft and
// optional context.
func buildAnalysisQuery(draft, purpose string, criteria []string) string {
	var sb strings.Builder

	sb.WriteString("Please analyze the following writing")
	if purpose != "" {
		fmt.Fprintf(&sb, " (Purpose: %s)", purpose)
	}
	if len(criteria) > 0 {
		fmt.Fprintf(&sb, "\nEvaluation criteria: %s", strings.Join(criteria, ", "))
	}
	fmt.Fprintf(&sb, "\n\nText to analyze:\n%s", draft)
	sb.WriteString("\n\nProvide specific, actionable feedback grounded in your corpus. Return your response as a JSON array of feedback items as specified in your instructions.")

	return sb.String()
}
