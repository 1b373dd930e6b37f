// Package ingest orchestrates the corpus pipeline: parse, chunk, embed, index.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/julesdesai/writing-anima/internal/chunker"
	"github.com/julesdesai/writing-anima/internal/config"
	"github.com/julesdesai/writing-anima/internal/embed"
	"github.com/julesdesai/writing-anima/internal/index"
	"github.com/julesdesai/writing-anima/internal/logging"
	"github.com/julesdesai/writing-anima/internal/parser"
	"github.com/julesdesai/writing-anima/internal/persona"
)

// chunkNamespace seeds deterministic chunk ids: re-indexing the same document
// version yields the same ids.
var chunkNamespace = uuid.MustParse("8f6f3aab-5a35-4f3e-9f1e-2b0f6f1c7a11")

// Ingestor runs upload batches through the corpus pipeline.
type Ingestor struct {
	parser   *parser.Parser
	chunker  *chunker.Chunker
	embedder embed.Client
	index    index.Store
	registry *persona.Registry
	workers  int
	logger   *logging.Logger
}

// New creates an Ingestor.
func New(p *parser.Parser, c *chunker.Chunker, e embed.Client, idx index.Store, reg *persona.Registry, cfg config.CorpusConfig, logger *logging.Logger) *Ingestor {
	if logger == nil {
		logger = logging.NewNop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Ingestor{
		parser:   p,
		chunker:  c,
		embedder: e,
		index:    idx,
		registry: reg,
		workers:  workers,
		logger:   logger.Named("ingest"),
	}
}

// IngestBatch processes one upload batch for a persona. Files are processed
// independently up to the configured worker count; one file's failure is
// recorded without aborting the rest. The returned batch carries the per-file
// outcomes.
func (ing *Ingestor) IngestBatch(ctx context.Context, ownerID, personaID string, files []parser.File) (*persona.IngestionBatch, error) {
	collectionID, err := ing.registry.Resolve(ctx, ownerID, personaID)
	if err != nil {
		return nil, err
	}

	batch := &persona.IngestionBatch{
		ID:        uuid.NewString(),
		PersonaID: personaID,
		Status:    "processing",
		Files:     make([]persona.FileResult, len(files)),
		CreatedAt: time.Now().UTC(),
	}
	for i, file := range files {
		batch.Files[i] = persona.FileResult{Filename: file.Name, Status: persona.DocumentPending}
	}
	if err := ing.registry.Store().InsertIngestion(ctx, batch); err != nil {
		return nil, err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(ing.workers)
	for i := range files {
		group.Go(func() error {
			batch.Files[i] = ing.ingestFile(groupCtx, personaID, collectionID, files[i])
			return nil
		})
	}
	// Workers never return errors; per-file failures live in the results.
	_ = group.Wait()

	indexed, chunks := 0, 0
	failed := 0
	for _, result := range batch.Files {
		switch result.Status {
		case persona.DocumentIndexed:
			indexed++
			chunks += result.ChunkCount
		case persona.DocumentFailed:
			failed++
		}
	}

	if indexed > 0 {
		if err := ing.registry.RecordIngestion(ctx, personaID, indexed, chunks); err != nil {
			ing.logger.Error(ctx, "failed to update persona counters", zap.Error(err))
		}
	}

	switch {
	case failed == len(files):
		batch.Status = "failed"
	default:
		batch.Status = "completed"
	}
	if err := ing.registry.Store().UpdateIngestion(ctx, batch); err != nil {
		ing.logger.Error(ctx, "failed to persist ingestion outcome", zap.Error(err))
	}

	ing.logger.Info(ctx, "batch ingested",
		zap.String("persona", personaID),
		zap.Int("files", len(files)),
		zap.Int("indexed", indexed),
		zap.Int("failed", failed),
		zap.Int("chunks", chunks),
	)
	return batch, nil
}

// ingestFile runs one file through parse, chunk, embed, upsert. All failures
// are captured in the result rather than returned.
func (ing *Ingestor) ingestFile(ctx context.Context, personaID, collectionID string, file parser.File) persona.FileResult {
	result := persona.FileResult{Filename: file.Name}

	doc := &persona.Document{
		ID:         uuid.NewString(),
		PersonaID:  personaID,
		Filename:   file.Name,
		ByteLength: len(file.Data),
		Status:     persona.DocumentPending,
		CreatedAt:  time.Now().UTC(),
	}
	if err := ing.registry.Store().InsertDocument(ctx, doc); err != nil {
		result.Status = persona.DocumentFailed
		result.FailureReason = fmt.Sprintf("recording document: %v", err)
		return result
	}
	result.DocumentID = doc.ID

	fail := func(reason string) persona.FileResult {
		doc.Status = persona.DocumentFailed
		doc.FailureReason = reason
		if err := ing.registry.Store().UpdateDocument(ctx, doc); err != nil {
			ing.logger.Error(ctx, "failed to record document failure", zap.Error(err))
		}
		result.Status = persona.DocumentFailed
		result.FailureReason = reason
		return result
	}

	parsed, err := ing.parser.Parse(ctx, file)
	if err != nil {
		return fail(err.Error())
	}

	doc.Status = persona.DocumentParsed
	if err := ing.registry.Store().UpdateDocument(ctx, doc); err != nil {
		ing.logger.Error(ctx, "failed to record parsed status", zap.Error(err))
	}

	chunks := ing.chunker.Split(parsed.Text)
	if len(chunks) == 0 {
		return fail("no chunks produced")
	}

	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := ing.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fail(fmt.Sprintf("embedding: %v", err))
	}

	entries := make([]index.Entry, len(chunks))
	for i, chunk := range chunks {
		entries[i] = index.Entry{
			ChunkID: chunkID(doc.ID, chunk.Ordinal),
			Vector:  vectors[i],
			Text:    chunk.Text,
			Payload: index.Payload{
				DocumentID:     doc.ID,
				Ordinal:        chunk.Ordinal,
				SourceFilename: file.Name,
				CharStart:      chunk.CharStart,
				CharEnd:        chunk.CharEnd,
			},
		}
	}
	if err := ing.index.Upsert(ctx, collectionID, entries); err != nil {
		return fail(fmt.Sprintf("indexing: %v", err))
	}

	doc.Status = persona.DocumentIndexed
	doc.ChunkCount = len(chunks)
	if err := ing.registry.Store().UpdateDocument(ctx, doc); err != nil {
		ing.logger.Error(ctx, "failed to record indexed status", zap.Error(err))
	}

	result.Status = persona.DocumentIndexed
	result.ChunkCount = len(chunks)
	return result
}

// Index exposes the backing index store for collaborating handlers.
func (ing *Ingestor) Index() index.Store {
	return ing.index
}

// chunkID derives a stable chunk id from the document id and ordinal.
func chunkID(documentID string, ordinal int) string {
	return uuid.NewSHA1(chunkNamespace, fmt.Appendf(nil, "%s/%d", documentID, ordinal)).String()
}
