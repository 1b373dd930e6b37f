package index

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/julesdesai/writing-anima/internal/logging"
)

// ChromemStore is the embedded index backend. The dense side lives in a
// chromem-go collection per persona collection; the lexical side is an
// in-process BM25 inverted index kept alongside it.
//
// Writes to one collection are serialized by a per-collection mutex; searches
// take the read side.
type ChromemStore struct {
	db     *chromem.DB
	logger *logging.Logger

	mu          sync.Mutex
	collections map[string]*chromemCollection
}

type chromemCollection struct {
	mu      sync.RWMutex
	dim     int
	lexical *bm25Index
	entries map[string]Entry
}

// NewChromemStore creates the embedded store. An empty path keeps everything
// in memory; otherwise chromem persists vectors under the given directory.
func NewChromemStore(path string, logger *logging.Logger) (*ChromemStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}

	var (
		db  *chromem.DB
		err error
	)
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}

	return &ChromemStore{
		db:          db,
		logger:      logger.Named("index.chromem"),
		collections: make(map[string]*chromemCollection),
	}, nil
}

// Create creates the collection with the declared dimension. Idempotent.
func (s *ChromemStore) Create(ctx context.Context, collectionID string, dim int) error {
	if dim <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", ErrInvalidEntry, dim)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.collections[collectionID]; ok {
		if existing.dim != dim {
			return fmt.Errorf("%w: collection %s declared with dimension %d, requested %d",
				ErrDimensionMismatch, collectionID, existing.dim, dim)
		}
		return nil
	}

	if _, err := s.db.GetOrCreateCollection(collectionID, nil, nil); err != nil {
		return fmt.Errorf("creating collection %s: %w", collectionID, err)
	}

	s.collections[collectionID] = &chromemCollection{
		dim:     dim,
		lexical: newBM25Index(),
		entries: make(map[string]Entry),
	}

	s.logger.Info(ctx, "collection created",
		zap.String("collection", collectionID),
		zap.Int("dim", dim),
	)
	return nil
}

// Upsert writes entries. Duplicate chunk ids overwrite.
func (s *ChromemStore) Upsert(ctx context.Context, collectionID string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	col := s.collection(collectionID)
	if col == nil {
		return fmt.Errorf("%w: %s", ErrIndexMissing, collectionID)
	}

	col.mu.Lock()
	defer col.mu.Unlock()

	docs := make([]chromem.Document, 0, len(entries))
	for _, entry := range entries {
		if entry.ChunkID == "" || entry.Text == "" {
			return fmt.Errorf("%w: chunk id and text required", ErrInvalidEntry)
		}
		if len(entry.Vector) != col.dim {
			return fmt.Errorf("%w: got %d, collection %s expects %d",
				ErrDimensionMismatch, len(entry.Vector), collectionID, col.dim)
		}
		docs = append(docs, chromem.Document{
			ID:        entry.ChunkID,
			Content:   entry.Text,
			Embedding: entry.Vector,
			Metadata:  payloadToMetadata(entry.Payload),
		})
	}

	chromemCol := s.db.GetCollection(collectionID, nil)
	if chromemCol == nil {
		return fmt.Errorf("%w: %s", ErrIndexMissing, collectionID)
	}
	if err := chromemCol.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("adding documents to %s: %w", collectionID, err)
	}

	for _, entry := range entries {
		col.lexical.Add(entry.ChunkID, entry.Text)
		col.entries[entry.ChunkID] = entry
	}

	s.logger.Debug(ctx, "entries upserted",
		zap.String("collection", collectionID),
		zap.Int("count", len(entries)),
	)
	return nil
}

// Drop removes the collection and all contents.
func (s *ChromemStore) Drop(ctx context.Context, collectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collectionID]; !ok {
		return fmt.Errorf("%w: %s", ErrIndexMissing, collectionID)
	}
	if err := s.db.DeleteCollection(collectionID); err != nil {
		return fmt.Errorf("deleting collection %s: %w", collectionID, err)
	}
	delete(s.collections, collectionID)

	s.logger.Info(ctx, "collection dropped", zap.String("collection", collectionID))
	return nil
}

// Exists reports whether the collection exists.
func (s *ChromemStore) Exists(_ context.Context, collectionID string) (bool, error) {
	return s.collection(collectionID) != nil, nil
}

// Count returns the number of entries in the collection.
func (s *ChromemStore) Count(_ context.Context, collectionID string) (int, error) {
	col := s.collection(collectionID)
	if col == nil {
		return 0, ErrIndexMissing
	}
	col.mu.RLock()
	defer col.mu.RUnlock()
	return len(col.entries), nil
}

// SearchDense returns up to k hits by cosine similarity descending.
func (s *ChromemStore) SearchDense(ctx context.Context, collectionID string, queryVector []float32, k int) ([]Hit, error) {
	col := s.collection(collectionID)
	if col == nil {
		return []Hit{}, ErrIndexMissing
	}

	col.mu.RLock()
	defer col.mu.RUnlock()
	return s.denseLocked(ctx, collectionID, col, queryVector, k)
}

// SearchLexical returns up to k hits by BM25 score descending.
func (s *ChromemStore) SearchLexical(_ context.Context, collectionID string, queryText string, k int) ([]Hit, error) {
	col := s.collection(collectionID)
	if col == nil {
		return []Hit{}, ErrIndexMissing
	}

	col.mu.RLock()
	defer col.mu.RUnlock()
	return lexicalHits(col, queryText, k), nil
}

// SearchHybrid fuses the dense and lexical rankings with RRF.
func (s *ChromemStore) SearchHybrid(ctx context.Context, collectionID string, queryText string, queryVector []float32, k int) ([]Hit, error) {
	col := s.collection(collectionID)
	if col == nil {
		return []Hit{}, ErrIndexMissing
	}

	col.mu.RLock()
	defer col.mu.RUnlock()

	kSub := subQueryK(k)
	dense, err := s.denseLocked(ctx, collectionID, col, queryVector, kSub)
	if err != nil {
		return nil, err
	}
	lexical := lexicalHits(col, queryText, kSub)

	return fuseRRF(dense, lexical, k), nil
}

// Chunks returns the indexed chunks of one document, ordered by ordinal.
func (s *ChromemStore) Chunks(_ context.Context, collectionID string, documentID string) ([]Hit, error) {
	col := s.collection(collectionID)
	if col == nil {
		return []Hit{}, ErrIndexMissing
	}

	col.mu.RLock()
	defer col.mu.RUnlock()

	var hits []Hit
	for _, entry := range col.entries {
		if entry.Payload.DocumentID == documentID {
			hits = append(hits, hitFromEntry(entry))
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Ordinal < hits[j].Ordinal })
	return hits, nil
}

// Close releases resources. The in-memory store has nothing to release.
func (s *ChromemStore) Close() error {
	return nil
}

func (s *ChromemStore) collection(collectionID string) *chromemCollection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collections[collectionID]
}

func (s *ChromemStore) denseLocked(ctx context.Context, collectionID string, col *chromemCollection, queryVector []float32, k int) ([]Hit, error) {
	if len(queryVector) != col.dim {
		return nil, fmt.Errorf("%w: query has %d, collection %s expects %d",
			ErrDimensionMismatch, len(queryVector), collectionID, col.dim)
	}
	if len(col.entries) == 0 {
		return []Hit{}, nil
	}

	chromemCol := s.db.GetCollection(collectionID, nil)
	if chromemCol == nil {
		return []Hit{}, ErrIndexMissing
	}

	// chromem rejects k larger than the document count.
	if count := chromemCol.Count(); k > count {
		k = count
	}

	results, err := chromemCol.QueryEmbedding(ctx, queryVector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("dense query on %s: %w", collectionID, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, result := range results {
		hit := hitFromEntry(col.entries[result.ID])
		hit.Score = float64(result.Similarity)
		hits = append(hits, hit)
	}
	// Equal similarities are ordered by (DocumentID, Ordinal), as in fusion,
	// so dense ranks do not depend on the order chromem returns them in.
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].DocumentID != hits[j].DocumentID {
			return hits[i].DocumentID < hits[j].DocumentID
		}
		return hits[i].Ordinal < hits[j].Ordinal
	})
	for i := range hits {
		hits[i].DenseRank = i + 1
	}
	return hits, nil
}

func lexicalHits(col *chromemCollection, queryText string, k int) []Hit {
	scores := col.lexical.Search(queryText, k)
	hits := make([]Hit, 0, len(scores))
	for i, score := range scores {
		hit := hitFromEntry(col.entries[score.ID])
		hit.Score = score.Score
		hit.LexicalRank = i + 1
		hits = append(hits, hit)
	}
	return hits
}

func hitFromEntry(entry Entry) Hit {
	return Hit{
		ChunkID:        entry.ChunkID,
		Text:           entry.Text,
		SourceFilename: entry.Payload.SourceFilename,
		DocumentID:     entry.Payload.DocumentID,
		Ordinal:        entry.Payload.Ordinal,
	}
}

func payloadToMetadata(p Payload) map[string]string {
	return map[string]string{
		"document_id":     p.DocumentID,
		"ordinal":         strconv.Itoa(p.Ordinal),
		"source_filename": p.SourceFilename,
		"char_start":      strconv.Itoa(p.CharStart),
		"char_end":        strconv.Itoa(p.CharEnd),
	}
}
