// Package index provides per-collection vector+lexical storage with dense,
// lexical, and fused search.
//
// Each persona owns exactly one collection. Implementations must keep
// collections fully isolated: a search against one collection never returns
// entries from another.
package index

import (
	"context"
	"errors"
)

var (
	// ErrIndexMissing signals that a collection partition does not exist.
	// Searches return it together with empty hits so callers can mark the
	// owning persona's corpus unavailable instead of failing the request.
	ErrIndexMissing = errors.New("index collection missing")

	// ErrDimensionMismatch is returned when an upserted vector does not match
	// the collection's declared dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidEntry indicates a malformed upsert entry.
	ErrInvalidEntry = errors.New("invalid index entry")
)

// Payload is the metadata stored alongside each chunk vector.
type Payload struct {
	DocumentID     string `json:"document_id"`
	Ordinal        int    `json:"ordinal"`
	SourceFilename string `json:"source_filename"`
	CharStart      int    `json:"char_start"`
	CharEnd        int    `json:"char_end"`
}

// Entry is one chunk to be indexed.
type Entry struct {
	ChunkID string
	Vector  []float32
	Text    string
	Payload Payload
}

// Hit is one search result.
//
// DenseRank and LexicalRank are 1-based positions in the respective
// sub-rankings; zero means the hit was absent from that ranking.
type Hit struct {
	ChunkID        string  `json:"chunk_id"`
	Text           string  `json:"text"`
	SourceFilename string  `json:"source_filename"`
	DocumentID     string  `json:"document_id"`
	Ordinal        int     `json:"ordinal"`
	Score          float64 `json:"score"`
	DenseRank      int     `json:"dense_rank,omitempty"`
	LexicalRank    int     `json:"lexical_rank,omitempty"`
}

// Store is the vector+lexical index over persona collections.
//
// Writes to a single collection are serialized by the implementation so
// counters derived from the index stay accurate. Reads are concurrent.
// Searches against a missing collection return empty hits plus
// ErrIndexMissing; writes against a missing collection fail loudly.
type Store interface {
	// Create creates the collection with the declared vector dimension.
	// Creating an existing collection is a no-op.
	Create(ctx context.Context, collectionID string, dim int) error

	// Upsert writes entries into the collection. A duplicate ChunkID
	// overwrites the previous entry.
	Upsert(ctx context.Context, collectionID string, entries []Entry) error

	// Drop removes the collection and all its contents.
	Drop(ctx context.Context, collectionID string) error

	// Exists reports whether the collection exists.
	Exists(ctx context.Context, collectionID string) (bool, error)

	// Count returns the number of entries in the collection.
	Count(ctx context.Context, collectionID string) (int, error)

	// SearchDense returns up to k hits ordered by cosine similarity descending.
	SearchDense(ctx context.Context, collectionID string, queryVector []float32, k int) ([]Hit, error)

	// SearchLexical returns up to k hits ordered by BM25 score descending.
	SearchLexical(ctx context.Context, collectionID string, queryText string, k int) ([]Hit, error)

	// SearchHybrid returns up to k hits ordered by the fused RRF score.
	SearchHybrid(ctx context.Context, collectionID string, queryText string, queryVector []float32, k int) ([]Hit, error)

	// Chunks returns the indexed chunks of one document, ordered by ordinal.
	Chunks(ctx context.Context, collectionID string, documentID string) ([]Hit, error)

	// Close releases held resources.
	Close() error
}
