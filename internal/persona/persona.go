// Package persona manages owner-scoped personas and their document metadata.
//
// A persona binds an owner to a corpus collection in the vector index.
// Personas exclusively own their documents and chunks; deleting a persona
// cascades to its collection.
package persona

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a persona or document does not exist.
	ErrNotFound = errors.New("persona not found")

	// ErrNotAuthorized is returned when a user does not own the persona.
	ErrNotAuthorized = errors.New("not authorized for persona")

	// ErrInvalidInput indicates a malformed create or update request.
	ErrInvalidInput = errors.New("invalid persona input")
)

// DocumentStatus tracks a document through the ingestion pipeline.
type DocumentStatus string

const (
	DocumentPending DocumentStatus = "pending"
	DocumentParsed  DocumentStatus = "parsed"
	DocumentIndexed DocumentStatus = "indexed"
	DocumentFailed  DocumentStatus = "failed"
)

// Persona is a named, owner-scoped style+content profile backed by a corpus.
type Persona struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"owner_id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	ModelID         string    `json:"model_id"`
	CollectionID    string    `json:"collection_id"`
	CreatedAt       time.Time `json:"created_at"`
	DocumentCount   int       `json:"document_count"`
	ChunkCount      int       `json:"chunk_count"`
	CorpusAvailable bool      `json:"corpus_available"`
}

// Document is one ingested corpus file. Never mutated after reaching the
// indexed status.
type Document struct {
	ID            string         `json:"id"`
	PersonaID     string         `json:"persona_id"`
	Filename      string         `json:"filename"`
	ByteLength    int            `json:"byte_length"`
	Status        DocumentStatus `json:"status"`
	FailureReason string         `json:"failure_reason,omitempty"`
	ChunkCount    int            `json:"chunk_count"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Model describes one selectable LLM.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	Description string `json:"description"`
}

// Patch holds the updatable persona fields. Nil pointers leave the field
// untouched.
type Patch struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	ModelID     *string `json:"model_id,omitempty"`
}

// Store persists personas, documents, and ingestion batches.
type Store interface {
	InsertPersona(ctx context.Context, p *Persona) error
	GetPersona(ctx context.Context, personaID string) (*Persona, error)
	ListPersonas(ctx context.Context, ownerID string) ([]*Persona, error)
	UpdatePersona(ctx context.Context, p *Persona) error
	DeletePersona(ctx context.Context, personaID string) error

	InsertDocument(ctx context.Context, d *Document) error
	UpdateDocument(ctx context.Context, d *Document) error
	ListDocuments(ctx context.Context, personaID string) ([]*Document, error)

	InsertIngestion(ctx context.Context, batch *IngestionBatch) error
	UpdateIngestion(ctx context.Context, batch *IngestionBatch) error
	GetLatestIngestion(ctx context.Context, personaID string) (*IngestionBatch, error)

	Close() error
}

// IngestionBatch records the outcome of one corpus upload.
type IngestionBatch struct {
	ID        string       `json:"id"`
	PersonaID string       `json:"persona_id"`
	Status    string       `json:"status"` // processing | completed | failed
	Files     []FileResult `json:"files"`
	CreatedAt time.Time    `json:"created_at"`
}

// FileResult is the per-file outcome within a batch.
type FileResult struct {
	Filename      string         `json:"filename"`
	DocumentID    string         `json:"document_id,omitempty"`
	Status        DocumentStatus `json:"status"`
	ChunkCount    int            `json:"chunk_count"`
	FailureReason string         `json:"failure_reason,omitempty"`
}
