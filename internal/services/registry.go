// Package services wires the anima services together for the server binary.
package services

import (
	"github.com/julesdesai/writing-anima/internal/agent"
	"github.com/julesdesai/writing-anima/internal/embed"
	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/ingest"
	"github.com/julesdesai/writing-anima/internal/llm"
	"github.com/julesdesai/writing-anima/internal/persona"
)

// Registry provides access to all anima services.
// Use accessor methods to retrieve individual services.
type Registry interface {
	Personas() *persona.Registry
	Ingestor() *ingest.Ingestor
	Analyzer() *agent.Analyzer
	Index() index.Store
	Embedder() embed.Client
	LLM() llm.Client
}

// Options configures the registry with service instances.
type Options struct {
	Personas *persona.Registry
	Ingestor *ingest.Ingestor
	Analyzer *agent.Analyzer
	Index    index.Store
	Embedder embed.Client
	LLM      llm.Client
}

// registry is the concrete implementation of Registry.
type registry struct {
	personas *persona.Registry
	ingestor *ingest.Ingestor
	analyzer *agent.Analyzer
	index    index.Store
	embedder embed.Client
	llm      llm.Client
}

// NewRegistry creates a new service registry.
func NewRegistry(opts Options) Registry {
	return &registry{
		personas: opts.Personas,
		ingestor: opts.Ingestor,
		analyzer: opts.Analyzer,
		index:    opts.Index,
		embedder: opts.Embedder,
		llm:      opts.LLM,
	}
}

func (r *registry) Personas() *persona.Registry { return r.personas }
func (r *registry) Ingestor() *ingest.Ingestor  { return r.ingestor }
func (r *registry) Analyzer() *agent.Analyzer   { return r.analyzer }
func (r *registry) Index() index.Store          { return r.index }
func (r *registry) Embedder() embed.Client      { return r.embedder }
func (r *registry) LLM() llm.Client             { return r.llm }
